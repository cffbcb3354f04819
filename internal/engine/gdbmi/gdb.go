package gdbmi

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/pyringe/internal/engine"
	"github.com/dshills/pyringe/internal/process"
)

const (
	// attachStopWait bounds the wait for the *stopped record after attach.
	attachStopWait = 5 * time.Second

	// closeGrace is how long gdb gets to exit after -gdb-exit.
	closeGrace = 2 * time.Second

	maxLineSize = 16 << 20
)

// Options configures the gdb child.
type Options struct {
	// Path is the gdb binary. Defaults to "gdb".
	Path string
	// Args are extra command line flags.
	Args []string
	// Arch, when set, is passed to "set architecture".
	Arch string
	// Env replaces the child's environment when non-nil.
	Env []string
	Log logr.Logger
}

// GDB is an engine.Engine backed by a gdb child process.
type GDB struct {
	log  logr.Logger
	sup  *process.Supervisor
	proc *process.Process

	cmdMu sync.Mutex
	token int

	mu      sync.Mutex
	pending *pendingCommand

	stops   chan engine.Stop
	running atomic.Bool
	pid     atomic.Int64

	dead      chan struct{}
	closeOnce sync.Once
}

type pendingCommand struct {
	token   int
	console strings.Builder
	rec     *Record
	done    chan struct{}
}

var _ engine.Engine = (*GDB)(nil)

// Start launches gdb and prepares it for async MI use.
func Start(ctx context.Context, opts Options) (*GDB, error) {
	path := opts.Path
	if path == "" {
		path = "gdb"
	}
	args := []string{"--interpreter=mi2", "--quiet", "--nx"}
	args = append(args, opts.Args...)
	if opts.Arch != "" {
		args = append(args, "--eval-command", "set architecture "+opts.Arch)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = opts.Env

	g := &GDB{
		log:   opts.Log,
		sup:   process.NewSupervisor(process.WithMaxProcesses(1)),
		stops: make(chan engine.Stop, 8),
		dead:  make(chan struct{}),
	}
	proc, err := g.sup.Start("gdb", cmd)
	if err != nil {
		return nil, fmt.Errorf("start gdb: %w", err)
	}
	g.proc = proc

	go g.readLoop(proc.Stdout)
	go g.logStderr(proc.Stderr)

	if _, _, err := g.command(ctx, "-gdb-set mi-async on"); err != nil {
		// gdb before 7.8 spells it target-async
		if _, _, err := g.command(ctx, "-gdb-set target-async on"); err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("enable async mode: %w", err)
		}
	}
	for _, setting := range []string{"-gdb-set pagination off", "-gdb-set confirm off"} {
		if _, _, err := g.command(ctx, setting); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	return g, nil
}

// readLoop parses stdout until gdb goes away.
func (g *GDB) readLoop(r io.Reader) {
	defer close(g.dead)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		rec, err := ParseRecord(line)
		if err != nil {
			g.log.V(1).Info("Unparsed gdb output", "line", line, "error", err.Error())
			continue
		}
		g.handle(rec)
	}
	if err := sc.Err(); err != nil {
		g.log.V(1).Info("gdb output closed", "error", err.Error())
	}
}

func (g *GDB) handle(rec *Record) {
	switch rec.Kind {
	case KindConsole:
		g.mu.Lock()
		if g.pending != nil {
			g.pending.console.WriteString(rec.Stream)
		}
		g.mu.Unlock()

	case KindLog:
		g.log.V(2).Info("gdb log", "text", strings.TrimSpace(rec.Stream))

	case KindResult:
		if rec.Class == "running" {
			g.running.Store(true)
		}
		g.mu.Lock()
		if p := g.pending; p != nil && p.token == rec.Token {
			p.rec = rec
			g.pending = nil
			close(p.done)
		}
		g.mu.Unlock()

	case KindExec:
		switch rec.Class {
		case "running":
			g.running.Store(true)
		case "stopped":
			g.running.Store(false)
			g.deliverStop(stopFromRecord(rec))
		}
	}
}

func stopFromRecord(rec *Record) engine.Stop {
	stop := engine.Stop{Reason: rec.Results.String("reason")}
	if stop.Reason == "" {
		stop.Reason = "stopped"
	}
	stop.ThreadID, _ = strconv.Atoi(rec.Results.String("thread-id"))
	if code := rec.Results.String("exit-code"); code != "" {
		// gdb prints exit codes in octal
		if n, err := strconv.ParseInt(code, 8, 32); err == nil {
			stop.ExitCode = int(n)
		}
	}
	return stop
}

// deliverStop queues stop, dropping the oldest queued stop when full.
func (g *GDB) deliverStop(stop engine.Stop) {
	for {
		select {
		case g.stops <- stop:
			return
		default:
		}
		select {
		case <-g.stops:
		default:
		}
	}
}

func (g *GDB) drainStops() {
	for {
		select {
		case <-g.stops:
		default:
			return
		}
	}
}

func (g *GDB) waitStop(ctx context.Context) (engine.Stop, error) {
	select {
	case stop := <-g.stops:
		return stop, nil
	case <-g.dead:
		return engine.Stop{}, engine.ErrEngineDead
	case <-ctx.Done():
		return engine.Stop{}, ctx.Err()
	}
}

func (g *GDB) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		g.log.V(1).Info("gdb stderr", "line", sc.Text())
	}
}

// command sends one MI command and waits for its result record.
func (g *GDB) command(ctx context.Context, cmd string) (*Record, string, error) {
	g.cmdMu.Lock()
	defer g.cmdMu.Unlock()

	select {
	case <-g.dead:
		return nil, "", engine.ErrEngineDead
	default:
	}

	g.token++
	p := &pendingCommand{token: g.token, done: make(chan struct{})}
	g.mu.Lock()
	g.pending = p
	g.mu.Unlock()

	g.log.V(2).Info("gdb command", "token", p.token, "command", cmd)
	if _, err := fmt.Fprintf(g.proc.Stdin, "%d%s\n", p.token, cmd); err != nil {
		g.clearPending(p)
		return nil, "", fmt.Errorf("%w: %v", engine.ErrEngineDead, err)
	}

	select {
	case <-p.done:
	case <-g.dead:
		g.clearPending(p)
		return nil, "", engine.ErrEngineDead
	case <-ctx.Done():
		g.clearPending(p)
		return nil, "", ctx.Err()
	}

	if p.rec.Class == "error" {
		return p.rec, p.console.String(), &engine.Error{Op: opName(cmd), Msg: p.rec.Results.String("msg")}
	}
	return p.rec, p.console.String(), nil
}

func (g *GDB) clearPending(p *pendingCommand) {
	g.mu.Lock()
	if g.pending == p {
		g.pending = nil
	}
	g.mu.Unlock()
}

func opName(cmd string) string {
	name, _, _ := strings.Cut(cmd, " ")
	return strings.TrimPrefix(name, "-")
}

func (g *GDB) Attach(ctx context.Context, pid int) error {
	g.drainStops()
	if _, _, err := g.command(ctx, fmt.Sprintf("-target-attach %d", pid)); err != nil {
		return err
	}
	g.pid.Store(int64(pid))

	waitCtx, cancel := context.WithTimeout(ctx, attachStopWait)
	defer cancel()
	if _, err := g.waitStop(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	g.running.Store(false)
	return nil
}

func (g *GDB) Detach(ctx context.Context) error {
	if g.pid.Load() == 0 {
		return nil
	}
	if g.running.Load() {
		if err := g.Interrupt(ctx); err != nil {
			return err
		}
	}
	if _, _, err := g.command(ctx, "-target-detach"); err != nil {
		return err
	}
	g.pid.Store(0)
	g.running.Store(false)
	return nil
}

func (g *GDB) PID() int {
	return int(g.pid.Load())
}

func (g *GDB) ThreadCount(ctx context.Context) (int, error) {
	if g.PID() == 0 {
		return 0, engine.ErrNotAttached
	}
	rec, _, err := g.command(ctx, "-thread-info")
	if err != nil {
		return 0, err
	}
	return len(rec.Results.List("threads")), nil
}

// Eval creates and immediately deletes an MI variable object, which
// reports both the value and its type.
func (g *GDB) Eval(ctx context.Context, expr string) (engine.Value, error) {
	rec, _, err := g.command(ctx, "-var-create - * "+Quote(expr))
	if err != nil {
		var ee *engine.Error
		if errors.As(err, &ee) {
			ee.Op = "eval " + expr
		}
		return engine.Value{}, err
	}
	if name := rec.Results.String("name"); name != "" {
		if _, _, err := g.command(ctx, "-var-delete "+name); err != nil {
			g.log.V(1).Info("Could not delete variable object", "name", name, "error", err.Error())
		}
	}
	return engine.NewValue(expr, rec.Results.String("type"), rec.Results.String("value")), nil
}

func (g *GDB) Execute(ctx context.Context, command string) (string, error) {
	_, out, err := g.command(ctx, "-interpreter-exec console "+Quote(command))
	return out, err
}

func (g *GDB) ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	rec, _, err := g.command(ctx, fmt.Sprintf("-data-read-memory-bytes %#x %d", addr, n))
	if err != nil {
		return nil, err
	}
	var buf []byte
	for _, item := range rec.Results.List("memory") {
		block, ok := item.(Tuple)
		if !ok {
			continue
		}
		b, err := hex.DecodeString(block.String("contents"))
		if err != nil {
			return nil, &engine.Error{Op: "data-read-memory-bytes", Msg: err.Error()}
		}
		buf = append(buf, b...)
	}
	if len(buf) < n {
		return buf, &engine.Error{
			Op:  "data-read-memory-bytes",
			Msg: fmt.Sprintf("short read at %#x: %d of %d bytes", addr, len(buf), n),
		}
	}
	return buf[:n], nil
}

func (g *GDB) ClearBreakpoints(ctx context.Context) error {
	_, _, err := g.command(ctx, "-break-delete")
	return err
}

func (g *GDB) ContinueSync(ctx context.Context) (engine.Stop, error) {
	if g.PID() == 0 {
		return engine.Stop{}, engine.ErrNotAttached
	}
	g.drainStops()
	if _, _, err := g.command(ctx, "-exec-continue"); err != nil {
		return engine.Stop{}, err
	}
	stop, err := g.waitStop(ctx)
	if err == nil && stop.Exited() {
		g.pid.Store(0)
	}
	return stop, err
}

func (g *GDB) Resume(ctx context.Context) error {
	if g.PID() == 0 {
		return engine.ErrNotAttached
	}
	g.drainStops()
	_, _, err := g.command(ctx, "-exec-continue")
	return err
}

func (g *GDB) Interrupt(ctx context.Context) error {
	if !g.running.Load() {
		return nil
	}
	g.drainStops()
	if _, _, err := g.command(ctx, "-exec-interrupt"); err != nil {
		return err
	}
	_, err := g.waitStop(ctx)
	return err
}

func (g *GDB) Running() bool {
	return g.running.Load()
}

// Close detaches from any inferior and stops gdb.
func (g *GDB) Close() error {
	g.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		defer cancel()

		if err := g.Detach(ctx); err != nil {
			g.log.V(1).Info("Detach on close failed", "error", err.Error())
		}
		if g.proc != nil && g.proc.IsRunning() {
			_, _ = fmt.Fprintf(g.proc.Stdin, "-gdb-exit\n")
			g.proc.Wait(closeGrace)
		}
		g.sup.Shutdown(closeGrace)
		if g.proc != nil {
			_ = g.proc.Close()
		}
	})
	return nil
}
