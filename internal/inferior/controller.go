package inferior

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dshills/pyringe/internal/process"
	"github.com/dshills/pyringe/internal/transport"
)

// DefaultSymbolFile is the symbol file name looked for next to the
// executable when none is configured.
const DefaultSymbolFile = "python2.7.debug"

// Session is a live helper the controller sends requests to.
type Session interface {
	Call(ctx context.Context, name string, args []any, mode transport.WaitMode) (any, error)
	IsAlive() bool
	Shutdown() error
}

// StartFunc spawns a helper session.
type StartFunc func(ctx context.Context, gdbArgs []string, arch string) (Session, error)

// Config configures a Controller.
type Config struct {
	// AutoLoadSymbols loads the symbol file whenever a session attaches.
	AutoLoadSymbols bool

	// SymbolFile is the debug symbol file for the target interpreter.
	// Empty means DefaultSymbolFile next to the executable.
	SymbolFile string

	// GDBArgs are passed to gdb on every start.
	GDBArgs []string

	// Arch selects gdb's target architecture. Empty lets gdb decide.
	Arch string

	// Transport configures how helpers are started.
	Transport transport.Options
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(log logr.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithStarter replaces the helper supervisor.
func WithStarter(start StartFunc) Option {
	return func(c *Controller) {
		c.start = start
	}
}

// Controller is the stateful front of an inspection. Operations are
// serialized; each one issues its requests one at a time.
type Controller struct {
	cfg   Config
	log   logr.Logger
	start StartFunc
	sup   *transport.Supervisor

	mu         sync.Mutex
	state      State
	pos        Position
	session    Session
	symbolFile string
	autoLoad   bool
}

// New creates a detached Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:        cfg,
		log:        logr.Discard(),
		pos:        detachedPosition(),
		symbolFile: cfg.SymbolFile,
		autoLoad:   cfg.AutoLoadSymbols,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.start == nil {
		topts := cfg.Transport
		if topts.Log.GetSink() == nil {
			topts.Log = c.log
		}
		c.sup = transport.NewSupervisor(topts)
		c.start = func(ctx context.Context, gdbArgs []string, arch string) (Session, error) {
			sess, err := c.sup.Start(ctx, gdbArgs, arch)
			if err != nil {
				return nil, err
			}
			return sess, nil
		}
	}
	return c
}

// Position returns the current position.
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pos
	if p.TID != nil {
		tid := *p.TID
		p.TID = &tid
	}
	return p
}

// State returns the attach state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PID returns the selected target, 0 when detached.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos.PID
}

// IsRunning reports whether the target process still exists.
func (c *Controller) IsRunning() bool {
	return process.Alive(c.PID())
}

// Attached reports whether a live session is attached to a live target.
func (c *Controller) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached()
}

func (c *Controller) attached() bool {
	return c.pos.PID != 0 && process.Alive(c.pos.PID) && c.session != nil && c.session.IsAlive()
}

// Attach selects pid as the target. Any earlier session is shut down; a
// new one is started on first use.
func (c *Controller) Attach(ctx context.Context, pid int) error {
	return c.Reinit(ctx, pid, c.cfg.AutoLoadSymbols)
}

// Reinit is Attach with an explicit choice about loading symbols.
func (c *Controller) Reinit(_ context.Context, pid int, autoLoad bool) error {
	if pid < 0 {
		return positionErrorf("invalid pid %d", pid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdownSession()
	c.pos = Position{PID: pid, FrameDepth: -1}
	c.autoLoad = autoLoad
	c.state = StateDetached
	if pid != 0 {
		c.state = StateAttaching
	}
	c.log.V(1).Info("Selected target", "pid", pid)
	return nil
}

// Detach shuts the session down, which detaches gdb from the target, and
// forgets the target.
func (c *Controller) Detach(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pos.PID == 0 {
		return ErrNotAttached
	}
	c.shutdownSession()
	c.pos = detachedPosition()
	c.state = StateDetached
	return nil
}

// Cancel kills the session, abandoning whatever it was doing. The next
// operation starts a fresh one.
func (c *Controller) Cancel(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireTarget(); err != nil {
		return err
	}
	c.shutdownSession()
	c.state = StateAttaching
	return nil
}

// Close shuts down the session and the helper supervisor.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shutdownSession()
	c.state = StateDetached
	if c.sup != nil {
		return c.sup.Close()
	}
	return nil
}

func (c *Controller) shutdownSession() {
	if c.session == nil {
		return
	}
	if err := c.session.Shutdown(); err != nil {
		c.log.V(1).Info("Session shutdown failed", "error", err.Error())
	}
	c.session = nil
}

func (c *Controller) requireTarget() error {
	if c.pos.PID == 0 || !process.Alive(c.pos.PID) {
		return ErrNotAttached
	}
	return nil
}

// EnsureSession starts and attaches a session if none is alive.
func (c *Controller) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireTarget(); err != nil {
		return err
	}
	_, err := c.ensureSession(ctx)
	return err
}

func (c *Controller) ensureSession(ctx context.Context) (Session, error) {
	if c.session != nil && c.session.IsAlive() {
		return c.session, nil
	}
	if c.session != nil {
		c.log.Info("Helper died, restarting it", "pid", c.pos.PID)
		c.shutdownSession()
		c.pos = c.pos.withThread(nil)
	}

	c.state = StateAttaching
	sess, err := c.spawn(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess

	if c.autoLoad {
		if loadErr := c.loadSymbols(ctx); loadErr != nil {
			c.log.V(1).Info("Loading the symbol file failed, restarting the helper", "error", loadErr.Error())
			c.shutdownSession()
			if sess, err = c.spawn(ctx); err != nil {
				return nil, err
			}
			c.session = sess
			sane, serr := c.symbolsSane(ctx)
			if serr != nil || !sane {
				c.log.Info("Failed to automatically load a sane symbol file, most functionality will be unavailable until a symbol file is provided",
					"symbolFile", c.symbolPath(), "error", loadErr.Error())
			}
		}
	}

	c.state = StateAttached
	return c.session, nil
}

// spawn starts a helper and attaches it to the target.
func (c *Controller) spawn(ctx context.Context) (Session, error) {
	sess, err := c.start(ctx, slices.Clone(c.cfg.GDBArgs), c.cfg.Arch)
	if err != nil {
		return nil, fmt.Errorf("start helper: %w", err)
	}
	if _, err := sess.Call(ctx, "Attach", []any{c.pos.Args()}, transport.WaitDefault); err != nil {
		_ = sess.Shutdown()
		return nil, fmt.Errorf("attach to %d: %w", c.pos.PID, err)
	}
	return sess, nil
}

func (c *Controller) symbolPath() string {
	if c.symbolFile != "" {
		return c.symbolFile
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), DefaultSymbolFile)
	}
	return DefaultSymbolFile
}

// loadSymbols loads the remembered symbol file into the live session and
// warns when it does not look like a CPython debug file.
func (c *Controller) loadSymbols(ctx context.Context) error {
	path := c.symbolPath()
	c.log.V(1).Info("Loading symbol file", "path", path)
	if _, err := c.session.Call(ctx, "LoadSymbolFile", []any{c.pos.Args(), path}, transport.WaitDefault); err != nil {
		return err
	}
	sane, err := c.symbolsSane(ctx)
	if err != nil {
		return err
	}
	if !sane {
		c.log.Info("Symbol file failed sanity check, proceed at your own risk", "path", path)
	}
	return nil
}

func (c *Controller) symbolsSane(ctx context.Context) (bool, error) {
	v, err := c.session.Call(ctx, "IsSymbolFileSane", []any{c.pos.Args()}, transport.WaitDefault)
	if err != nil {
		return false, err
	}
	sane, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("IsSymbolFileSane: %w: %T", ErrUnexpectedReply, v)
	}
	return sane, nil
}

// call sends name with the current position prepended to args.
func (c *Controller) call(ctx context.Context, name string, mode transport.WaitMode, args ...any) (any, error) {
	if err := c.requireTarget(); err != nil {
		return nil, err
	}
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}
	return sess.Call(ctx, name, append([]any{c.pos.Args()}, args...), mode)
}

// LoadSymbolFile remembers path, or the configured file when path is
// empty, and loads it into the session if one is attached.
func (c *Controller) LoadSymbolFile(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path != "" {
		c.symbolFile = path
	}
	if !c.attached() {
		return nil
	}
	return c.loadSymbols(ctx)
}

// SymbolFile returns the symbol file sessions load.
func (c *Controller) SymbolFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbolPath()
}

func (c *Controller) stackDepth(ctx context.Context) (int, error) {
	v, err := c.call(ctx, "StackDepth", transport.WaitDefault)
	if err != nil {
		return 0, err
	}
	n, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("StackDepth: %w: %T", ErrUnexpectedReply, v)
	}
	return int(n), nil
}

// StackDepth returns the number of frames on the selected thread.
func (c *Controller) StackDepth(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stackDepth(ctx)
}

// Up selects the caller of the current frame.
func (c *Controller) Up(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth := c.pos.FrameDepth
	if depth < 0 {
		n, err := c.stackDepth(ctx)
		if err != nil {
			return err
		}
		depth += n
	}
	if depth <= 0 {
		return positionErrorf("already at outermost stack frame")
	}
	c.pos.FrameDepth = depth - 1
	return nil
}

// Down selects the frame called by the current one. It fails while the
// innermost frame is selected implicitly.
func (c *Controller) Down(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.stackDepth(ctx)
	if err != nil {
		return err
	}
	if c.pos.FrameDepth == -1 || c.pos.FrameDepth+1 >= n {
		return positionErrorf("already at innermost stack frame")
	}
	c.pos.FrameDepth++
	return nil
}

// SelectFrame selects the frame at depth, counted from the outermost
// frame; -1 selects the innermost one.
func (c *Controller) SelectFrame(ctx context.Context, depth int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if depth == -1 {
		if err := c.requireTarget(); err != nil {
			return err
		}
		c.pos.FrameDepth = -1
		return nil
	}
	n, err := c.stackDepth(ctx)
	if err != nil {
		return err
	}
	if depth < 0 || depth >= n {
		return positionErrorf("stack is not %d frames deep (depth is %d)", depth+1, n)
	}
	c.pos.FrameDepth = depth
	return nil
}

func (c *Controller) threads(ctx context.Context) ([]int64, error) {
	v, err := c.call(ctx, "ThreadIds", transport.WaitDefault)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("ThreadIds: %w: %T", ErrUnexpectedReply, v)
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		id, ok := asInt64(item)
		if !ok {
			return nil, fmt.Errorf("ThreadIds: %w: %T", ErrUnexpectedReply, item)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Threads lists the target's Python thread idents.
func (c *Controller) Threads(ctx context.Context) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threads(ctx)
}

// CurrentThread returns the selected thread. When none is selected, or
// the selected one has exited, the first live thread is selected. It
// returns nil when the target has no Python threads.
func (c *Controller) CurrentThread(ctx context.Context) (*int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentThread(ctx)
}

func (c *Controller) currentThread(ctx context.Context) (*int64, error) {
	ids, err := c.threads(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		c.pos = c.pos.withThread(nil)
		return nil, nil
	}
	if c.pos.TID == nil || !slices.Contains(ids, *c.pos.TID) {
		c.pos = c.pos.withThread(&ids[0])
	}
	tid := *c.pos.TID
	return &tid, nil
}

// SelectThread selects tid and its innermost frame. An unknown tid is
// logged and leaves the position unchanged; the result reports whether
// the thread was selected.
func (c *Controller) SelectThread(ctx context.Context, tid int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.threads(ctx)
	if err != nil {
		return false, err
	}
	if !slices.Contains(ids, tid) {
		c.log.Error(nil, "Thread does not exist", "tid", tid)
		return false, nil
	}
	c.pos = c.pos.withThread(&tid)
	return true, nil
}

// Frame is one entry of a backtrace.
type Frame struct {
	File     string
	Line     int
	Function string
	Source   string
}

func (f Frame) String() string {
	return fmt.Sprintf("%s:%d in %s", f.File, f.Line, f.Function)
}

// Backtrace returns the selected thread's stack up to the selected frame,
// outermost first.
func (c *Controller) Backtrace(ctx context.Context) ([]Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.call(ctx, "BacktraceAt", transport.WaitDefault)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("BacktraceAt: %w: %T", ErrUnexpectedReply, v)
	}
	frames := make([]Frame, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("BacktraceAt: %w: frame %T", ErrUnexpectedReply, item)
		}
		line, _ := asInt64(m["line"])
		f := Frame{Line: int(line)}
		f.File, _ = m["file"].(string)
		f.Function, _ = m["function"].(string)
		f.Source, _ = m["source"].(string)
		frames = append(frames, f)
	}
	return frames, nil
}

// Traceback renders the backtrace the way the interpreter prints one.
func (c *Controller) Traceback(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text(ctx, "TracebackAt", transport.WaitDefault)
}

func (c *Controller) text(ctx context.Context, name string, mode transport.WaitMode, args ...any) (string, error) {
	v, err := c.call(ctx, name, mode, args...)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok && v != nil {
		return "", fmt.Errorf("%s: %w: %T", name, ErrUnexpectedReply, v)
	}
	return s, nil
}

// Lookup resolves a name in the selected frame: locals, then globals,
// then builtins.
func (c *Controller) Lookup(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call(ctx, "LookupInFrame", transport.WaitDefault, name)
}

// Locals returns the selected frame's local variables.
func (c *Controller) Locals(ctx context.Context) (map[string]any, error) {
	return c.namespace(ctx, "InferiorLocals")
}

// Globals returns the selected frame's globals.
func (c *Controller) Globals(ctx context.Context) (map[string]any, error) {
	return c.namespace(ctx, "InferiorGlobals")
}

// Builtins returns the selected frame's builtins.
func (c *Controller) Builtins(ctx context.Context) (map[string]any, error) {
	return c.namespace(ctx, "InferiorBuiltins")
}

func (c *Controller) namespace(ctx context.Context, name string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.call(ctx, name, transport.WaitDefault)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %T", name, ErrUnexpectedReply, v)
	}
	return m, nil
}

// Continue resumes the target without waiting for it to stop.
func (c *Controller) Continue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, "Continue", transport.WaitDefault)
	return err
}

// Interrupt stops a target resumed by Continue.
func (c *Controller) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.call(ctx, "Interrupt", transport.WaitDefault)
	return err
}

// Call evaluates a C expression in the target.
func (c *Controller) Call(ctx context.Context, expr string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call(ctx, "Call", transport.WaitForever, expr)
}

// ExecuteRaw runs a gdb command and returns its console output.
func (c *Controller) ExecuteRaw(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text(ctx, "ExecuteRaw", transport.WaitForever, command)
}

// InjectString runs Python source in the selected thread. Injection
// waits for the target to reach a safe point, so there is no timeout.
func (c *Controller) InjectString(ctx context.Context, code string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inject(ctx, "InjectString", code)
}

// InjectFile runs a Python file in the selected thread. The path is
// opened by the target, so it is made absolute first.
func (c *Controller) InjectFile(ctx context.Context, path string) (any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inject(ctx, "InjectFile", abs)
}

// InjectSentinel starts an exec socket server in the selected thread.
func (c *Controller) InjectSentinel(ctx context.Context) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inject(ctx, "InjectSentinel")
}

// inject runs in the current thread, picking the first one when none is
// selected.
func (c *Controller) inject(ctx context.Context, name string, args ...any) (any, error) {
	if c.pos.TID == nil {
		tid, err := c.currentThread(ctx)
		if err != nil {
			return nil, err
		}
		if tid == nil {
			return nil, positionErrorf("process %d has no Python threads", c.pos.PID)
		}
	}
	return c.call(ctx, name, transport.WaitForever, args...)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	case int:
		return int64(n), true
	}
	return 0, false
}
