// Package execsock talks to the exec socket servers that an injected
// sentinel starts inside a target process.
//
// Each server listens on <root>/pyringe_<pid>/<ident>.execsock and
// answers one request per connection: a JSON encoded Python snippet in,
// the JSON encoded result out. The snippet runs in the target without
// stopping it, so no helper session is involved.
package execsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/dshills/pyringe/internal/wire"
)

const (
	// KillRequest asks a server to exit.
	KillRequest = "__kill__"

	// KillAck is a server's answer to KillRequest.
	KillAck = "__kill_ack__"

	// ErrorKey tags a reply carrying the repr of a Python exception.
	ErrorKey = "__pyringe_error__"

	// DefaultRoot is where injected servers create their directories.
	DefaultRoot = "/tmp"

	sockSuffix = ".execsock"
)

var (
	// ErrNoServer is returned when the thread has no exec socket.
	ErrNoServer = errors.New("no exec socket for thread")

	// ErrNotAcknowledged is returned when a server did not confirm that
	// it is shutting down.
	ErrNotAcknowledged = errors.New("exec socket did not acknowledge shutdown")
)

// RemoteError is a Python exception raised by a snippet.
type RemoteError struct {
	Repr string
}

func (e *RemoteError) Error() string {
	return "target raised " + e.Repr
}

// Client finds and talks to exec socket servers.
type Client struct {
	root    string
	timeout time.Duration
	log     logr.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRoot sets the directory the per-process socket directories live in.
func WithRoot(root string) Option {
	return func(c *Client) {
		c.root = root
	}
}

// WithTimeout bounds connecting and each round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the client's logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		root:    DefaultRoot,
		timeout: 5 * time.Second,
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the socket directory of pid.
func (c *Client) Dir(pid int) string {
	return filepath.Join(c.root, fmt.Sprintf("pyringe_%d", pid))
}

// Path returns the socket of thread tid in pid.
func (c *Client) Path(pid int, tid int64) string {
	return filepath.Join(c.Dir(pid), strconv.FormatInt(tid, 10)+sockSuffix)
}

// Threads lists the threads of pid that run an exec server, in
// ascending order.
func (c *Client) Threads(pid int) ([]int64, error) {
	entries, err := os.ReadDir(c.Dir(pid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tids []int64
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), sockSuffix)
		if !ok {
			continue
		}
		tid, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	slices.Sort(tids)
	return tids, nil
}

// Send runs code in the server of thread tid and returns its result.
func (c *Client) Send(ctx context.Context, pid int, tid int64, code string) (any, error) {
	payload, err := wire.Encode(code)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(ctx, pid, tid, payload)
	if err != nil {
		return nil, err
	}
	v, err := wire.Decode(reply)
	if err != nil {
		return nil, err
	}
	if m, ok := v.(map[string]any); ok && len(m) == 1 {
		if repr, ok := m[ErrorKey].(string); ok {
			return nil, &RemoteError{Repr: repr}
		}
	}
	return v, nil
}

// Close asks the server of thread tid to exit.
func (c *Client) Close(ctx context.Context, pid int, tid int64) error {
	reply, err := c.roundTrip(ctx, pid, tid, []byte(KillRequest))
	if err != nil {
		return err
	}
	if string(reply) != KillAck {
		c.log.Info("Exec socket may not have closed", "pid", pid, "tid", tid, "reply", string(reply))
		return ErrNotAcknowledged
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, pid int, tid int64, payload []byte) ([]byte, error) {
	tids, err := c.Threads(pid)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tids, tid) {
		return nil, fmt.Errorf("%w %d", ErrNoServer, tid)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx, c.Path(pid, tid))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("write exec socket: %w", err)
	}
	_ = conn.CloseWrite()

	reply, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read exec socket: %w", err)
	}
	return reply, nil
}

// dial retries while the server is still binding its socket.
func (c *Client) dial(ctx context.Context, path string) (*net.UnixConn, error) {
	var d net.Dialer
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	}, b)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn.(*net.UnixConn), nil
}
