package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/dshills/pyringe/internal/process"
	"github.com/dshills/pyringe/internal/wire"
)

// WaitMode selects how long Call waits for a reply.
type WaitMode int

const (
	// WaitDefault waits for the session timeout.
	WaitDefault WaitMode = iota
	// WaitForever waits until a reply or fault arrives.
	WaitForever
)

// pollSlice bounds a single poll so cancellation is noticed.
const pollSlice = 100 * time.Millisecond

// terminateWait is how long Shutdown waits after SIGTERM before killing.
const terminateWait = 2 * time.Second

// Session is one running helper process.
type Session struct {
	id      string
	proc    *process.Process
	version Version
	opts    Options
	log     logr.Logger

	mu     sync.Mutex
	outFD  int
	errFD  int
	outBuf []byte
	errBuf []byte
	outEOF bool
	errEOF bool

	shutdownOnce sync.Once
	shutdownErr  error
	closed       atomic.Bool
}

func newSession(proc *process.Process, version Version, opts Options, log logr.Logger) *Session {
	return &Session{
		id:      proc.ID,
		proc:    proc,
		version: version,
		opts:    opts,
		log:     log.WithValues("session", proc.ID),
		outFD:   int(proc.Stdout.Fd()),
		errFD:   int(proc.Stderr.Fd()),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Version returns the gdb version probed when the session started.
func (s *Session) Version() Version {
	return s.version
}

// PID returns the helper's pid.
func (s *Session) PID() int {
	return s.proc.PID()
}

// IsAlive reports whether the helper process is still running.
func (s *Session) IsAlive() bool {
	return !s.closed.Load() && s.proc.IsRunning()
}

// Call sends one request and waits for its reply. Exactly one of the
// result and the error is meaningful. Faults raised by the helper come
// back as *ProxyError.
func (s *Session) Call(ctx context.Context, name string, args []any, mode WaitMode) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.call(ctx, name, args, mode)
}

func (s *Session) call(ctx context.Context, name string, args []any, mode WaitMode) (any, error) {
	if !s.proc.IsRunning() {
		return nil, fmt.Errorf("%s: %w", name, ErrSessionDead)
	}

	s.drain()

	req, err := wire.EncodeRequest(name, args)
	if err != nil {
		return nil, err
	}
	if _, err := s.proc.Stdin.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrSessionDead, err)
	}
	s.log.V(2).Info("Sent request", "func", name)

	return s.receive(ctx, name, mode)
}

func (s *Session) receive(ctx context.Context, name string, mode WaitMode) (any, error) {
	var deadline time.Time
	if mode != WaitForever {
		deadline = time.Now().Add(s.opts.Timeout)
	}

	for {
		if line, ok := takeLine(&s.outBuf, s.outEOF); ok {
			v, err := wire.Decode(line)
			if err != nil {
				return nil, fmt.Errorf("%s: response %w", name, err)
			}
			return v, nil
		}
		if line, ok := takeLine(&s.errBuf, s.errEOF); ok {
			return nil, s.fault(name, line)
		}
		if s.outEOF && s.errEOF {
			return nil, fmt.Errorf("%s: %w", name, ErrSessionDead)
		}

		wait := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, fmt.Errorf("%s: %w", name, ErrTimeout)
			}
			wait = min(wait, remaining)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.poll(wait, true, true); err != nil {
			return nil, err
		}
	}
}

// fault turns a diagnostic line into a ProxyError. Anything that is not
// a fault envelope is treated as the start of unstructured output, such
// as a crash trace, and the rest of it is collected for a short grace
// period.
func (s *Session) fault(name string, line []byte) error {
	if f, ok := wire.ParseFault(line); ok {
		return &ProxyError{Func: name, Fault: f}
	}

	raw := append([]byte{}, line...)
	raw = append(raw, '\n')
	grace := time.Now().Add(s.opts.FaultGrace)
	for !s.errEOF {
		remaining := time.Until(grace)
		if remaining <= 0 {
			break
		}
		if err := s.poll(min(remaining, pollSlice), false, true); err != nil {
			break
		}
	}
	raw = append(raw, s.errBuf...)
	s.errBuf = nil
	return &ProxyError{Func: name, Raw: string(bytes.TrimRight(raw, "\n"))}
}

// drain discards output left over from an earlier call that was abandoned
// on timeout, so it cannot be taken as the answer to the next one.
func (s *Session) drain() {
	for {
		before := len(s.outBuf) + len(s.errBuf)
		if err := s.poll(0, true, true); err != nil {
			break
		}
		if len(s.outBuf)+len(s.errBuf) == before {
			break
		}
	}
	if len(s.outBuf) > 0 || len(s.errBuf) > 0 {
		s.log.V(1).Info("Discarding stale helper output", "stdout", len(s.outBuf), "stderr", len(s.errBuf))
	}
	s.outBuf, s.errBuf = nil, nil
}

// poll waits up to wait for either stream and reads what is ready.
func (s *Session) poll(wait time.Duration, out, errs bool) error {
	fds := make([]unix.PollFd, 0, 2)
	if out && !s.outEOF {
		fds = append(fds, unix.PollFd{Fd: int32(s.outFD), Events: unix.POLLIN | unix.POLLPRI})
	}
	if errs && !s.errEOF {
		fds = append(fds, unix.PollFd{Fd: int32(s.errFD), Events: unix.POLLIN | unix.POLLPRI})
	}
	if len(fds) == 0 {
		return nil
	}

	ms := int((wait + time.Millisecond - 1) / time.Millisecond)
	if _, err := unix.Poll(fds, ms); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll helper output: %w", err)
	}

	for _, fd := range fds {
		if fd.Revents&(unix.POLLIN|unix.POLLPRI|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}
		if int(fd.Fd) == s.outFD {
			s.outEOF = readInto(int(fd.Fd), &s.outBuf)
		} else {
			s.errEOF = readInto(int(fd.Fd), &s.errBuf)
		}
	}
	return nil
}

// readInto appends one read's worth of data and reports end of stream.
func readInto(fd int, buf *[]byte) bool {
	var chunk [64 * 1024]byte
	n, err := unix.Read(fd, chunk[:])
	if n > 0 {
		*buf = append(*buf, chunk[:n]...)
		return false
	}
	if err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)) {
		return false
	}
	return true
}

// takeLine removes the first complete line from buf. At end of stream a
// trailing partial line counts as complete.
func takeLine(buf *[]byte, eof bool) ([]byte, bool) {
	if i := bytes.IndexByte(*buf, '\n'); i >= 0 {
		line := (*buf)[:i]
		*buf = (*buf)[i+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			return takeLine(buf, eof)
		}
		return line, true
	}
	if eof && len(bytes.TrimSpace(*buf)) > 0 {
		line := *buf
		*buf = nil
		return line, true
	}
	return nil, false
}

var errStillRunning = errors.New("helper still running")

// Shutdown stops the helper. It asks the service to detach and exit, and
// escalates to signals when that is not acknowledged in time. The pipes
// are always closed. Calling it again does nothing.
func (s *Session) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	if s.proc.IsRunning() {
		if _, err := s.call(ctx, "Detach", nil, WaitDefault); err != nil {
			s.log.V(1).Info("Detach before shutdown failed", "error", err.Error())
		}
		ack, err := s.call(ctx, wire.KillFunc, nil, WaitDefault)
		switch {
		case err != nil:
			s.log.V(1).Info("Termination request failed, signalling helper", "error", err.Error())
		case ack == wire.KillAck:
			s.awaitExit(s.opts.KillGrace)
		default:
			s.log.V(1).Info("Termination request not acknowledged", "reply", fmt.Sprint(ack))
		}
	}
	s.closed.Store(true)

	if s.proc.IsRunning() {
		// SIGINT first makes gdb drop its instruction breakpoints, so the
		// target does not trap on a dangling one later.
		_ = s.proc.Interrupt()
		_ = s.proc.Terminate()
		if !s.proc.Wait(terminateWait) {
			s.log.Info("Helper ignored SIGTERM, killing it", "pid", s.proc.PID())
			_ = s.proc.Kill()
			s.proc.Wait(-1)
		}
	}

	s.log.V(1).Info("Helper stopped", "exitCode", s.proc.ExitCode())
	return s.proc.Close()
}

// awaitExit polls for the helper to exit on its own.
func (s *Session) awaitExit(grace time.Duration) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 25 * time.Millisecond
	b.MaxElapsedTime = grace
	_ = backoff.Retry(func() error {
		if s.proc.IsRunning() {
			return errStillRunning
		}
		return nil
	}, b)
}
