package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/dshills/pyringe/internal/process"
)

// Options configure how helpers are started and talked to.
type Options struct {
	// HelperPath is the helper binary. Empty means the running executable.
	HelperPath string

	// HelperArgs come first on the helper command line, for example the
	// sub-command that runs the service.
	HelperArgs []string

	// GDBPath is the gdb binary the helper drives.
	GDBPath string

	// Env is the helper's environment. Nil inherits ours.
	Env []string

	// Timeout is the default wait for a reply.
	Timeout time.Duration

	// KillGrace is how long the helper gets to exit after acknowledging
	// the termination request.
	KillGrace time.Duration

	// FaultGrace is how long unstructured diagnostic output is collected.
	FaultGrace time.Duration

	// Probe reports the gdb version. Nil runs gdb --version.
	Probe VersionProbe

	Log logr.Logger
}

func (o Options) withDefaults() Options {
	if o.GDBPath == "" {
		o.GDBPath = "gdb"
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 100 * time.Millisecond
	}
	if o.FaultGrace <= 0 {
		o.FaultGrace = 500 * time.Millisecond
	}
	if o.Probe == nil {
		o.Probe = ExecVersionProbe
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	return o
}

// Supervisor starts helper sessions, at most one live at a time.
type Supervisor struct {
	opts  Options
	log   logr.Logger
	procs *process.Supervisor

	mu       sync.Mutex
	current  *Session
	warnOnce sync.Once
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:  opts,
		log:   opts.Log,
		procs: process.NewSupervisor(process.WithMaxProcesses(1)),
	}
}

// Current returns the most recently started session, live or not.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start spawns a helper. extraArgs are passed on to gdb and arch, when
// set, selects gdb's target architecture. It fails with
// ErrProcessRunning while an earlier session is alive.
func (s *Supervisor) Start(ctx context.Context, extraArgs []string, arch string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.IsAlive() {
		return nil, ErrProcessRunning
	}

	raw, err := s.opts.Probe(ctx, s.opts.GDBPath)
	if err != nil {
		return nil, fmt.Errorf("probe gdb version: %w", err)
	}
	version := ParseVersion(raw)
	if version.Less(minSupported) {
		s.warnOnce.Do(func() {
			s.log.Info("Your version of gdb may be unsupported (< 7.4), proceed with caution", "version", version.String())
		})
	}

	var gdbArgs []string
	if !version.Less(minNoHome) {
		gdbArgs = append(gdbArgs, "--nh")
	}
	gdbArgs = append(gdbArgs, extraArgs...)

	helper := s.opts.HelperPath
	if helper == "" {
		if helper, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate helper: %w", err)
		}
	}

	args := slices.Clone(s.opts.HelperArgs)
	args = append(args, "--gdb="+s.opts.GDBPath)
	for _, a := range gdbArgs {
		args = append(args, "--gdb-arg="+a)
	}
	if arch != "" {
		args = append(args, "--arch="+arch)
	}

	cmd := exec.Command(helper, args...)
	cmd.Env = s.opts.Env
	// Own process group, so signals aimed at our terminal do not reach
	// the helper or its gdb.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	proc, err := s.procs.Start("helper", cmd)
	if err != nil {
		if errors.Is(err, process.ErrProcessLimit) {
			return nil, ErrProcessRunning
		}
		return nil, fmt.Errorf("start helper: %w", err)
	}

	sess := newSession(proc, version, s.opts, s.log)
	s.current = sess
	s.log.V(1).Info("Started helper", "session", sess.ID(), "pid", proc.PID(), "gdb", version.String())
	return sess, nil
}

// Close shuts down the current session and stops tracking helpers.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	var err error
	if cur != nil {
		err = cur.Shutdown()
	}
	s.procs.Shutdown(terminateWait)
	return err
}
