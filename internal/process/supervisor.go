package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Supervisor manages child processes with lifecycle tracking and cleanup.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool

	// maxProcesses limits how many processes may run at once (0 = unlimited)
	maxProcesses int

	onProcessExit func(p *Process)
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrently running processes.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithProcessExitCallback sets a callback for when processes exit.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onProcessExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts a new supervised process under a fresh uuid.
//
// Unless the command already has them, stdin is piped and stdout and stderr
// are connected to pollable pipes whose read ends land on the Process.
func (s *Supervisor) Start(name string, cmd *exec.Cmd) (*Process, error) {
	return s.StartWithID(uuid.NewString(), name, cmd)
}

// StartWithID starts a new supervised process with a specific ID.
func (s *Supervisor) StartWithID(id, name string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}

	if s.maxProcesses > 0 && s.running() >= s.maxProcesses {
		return nil, fmt.Errorf("%w: %d", ErrProcessLimit, s.maxProcesses)
	}

	if _, exists := s.processes[id]; exists {
		return nil, fmt.Errorf("process ID already exists: %s", id)
	}

	proc := NewProcess(id, name, cmd)
	if err := wirePipes(proc); err != nil {
		_ = proc.Close()
		return nil, err
	}

	if err := proc.start(); err != nil {
		_ = proc.Close()
		return nil, err
	}

	s.processes[id] = proc
	go s.monitorProcess(proc)

	return proc, nil
}

// wirePipes connects the standard streams that the caller left unset.
func wirePipes(proc *Process) error {
	cmd := proc.Cmd

	if cmd.Stdin == nil {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("create stdin pipe: %w", err)
		}
		proc.Stdin = stdin
	}

	if cmd.Stdout == nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create stdout pipe: %w", err)
		}
		cmd.Stdout = w
		proc.Stdout = r
		proc.childEnds = append(proc.childEnds, w)
	}

	if cmd.Stderr == nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create stderr pipe: %w", err)
		}
		cmd.Stderr = w
		proc.Stderr = r
		proc.childEnds = append(proc.childEnds, w)
	}

	return nil
}

// running counts tracked processes that have not exited. Callers hold s.mu.
func (s *Supervisor) running() int {
	n := 0
	for _, p := range s.processes {
		if p.IsRunning() {
			n++
		}
	}
	return n
}

// monitorProcess waits for exit, runs the callback and forgets the process.
func (s *Supervisor) monitorProcess(proc *Process) {
	<-proc.Done()

	if s.onProcessExit != nil {
		func() {
			defer func() {
				_ = recover()
			}()
			s.onProcessExit(proc)
		}()
	}

	s.mu.Lock()
	delete(s.processes, proc.ID)
	s.mu.Unlock()
}

// Get returns a process by ID, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes[id]
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Shutdown terminates every tracked process, escalating to SIGKILL for any
// still running after timeout, and closes their I/O.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	s.mu.RLock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	for _, p := range procs {
		if p.IsRunning() {
			_ = p.Terminate()
		}
	}

	deadline := time.Now().Add(timeout)
	for _, p := range procs {
		if !p.Wait(max(time.Until(deadline), 0)) {
			_ = p.Kill()
			<-p.Done()
		}
		_ = p.Close()
	}
}

// IsShuttingDown returns true once Shutdown has been called.
func (s *Supervisor) IsShuttingDown() bool {
	return s.closed.Load()
}

// Sentinel errors.
var (
	// ErrSupervisorShutdown is returned when the supervisor is shutting down.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrProcessLimit is returned when the running-process cap is reached.
	ErrProcessLimit = errors.New("process limit reached")
)
