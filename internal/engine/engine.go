// Package engine abstracts the process-introspection engine that the
// hosted service drives. The only production implementation is gdbmi,
// which talks to gdb over its machine interface.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// Engine is an attached (or attachable) native debugger.
//
// Methods are not safe for concurrent use; the service issues one call
// at a time.
type Engine interface {
	// Attach stops and attaches to pid.
	Attach(ctx context.Context, pid int) error

	// Detach releases the current inferior, resuming it.
	Detach(ctx context.Context) error

	// PID returns the attached pid, or 0.
	PID() int

	// ThreadCount returns the number of threads in the inferior.
	ThreadCount(ctx context.Context) (int, error)

	// Eval evaluates a C expression in the currently selected frame.
	Eval(ctx context.Context, expr string) (Value, error)

	// Execute runs a CLI command and returns its console output.
	Execute(ctx context.Context, command string) (string, error)

	// ReadMemory reads n bytes at addr.
	ReadMemory(ctx context.Context, addr uint64, n int) ([]byte, error)

	// ClearBreakpoints deletes every breakpoint.
	ClearBreakpoints(ctx context.Context) error

	// ContinueSync resumes the inferior and blocks until it stops again.
	ContinueSync(ctx context.Context) (Stop, error)

	// Resume resumes the inferior without waiting.
	Resume(ctx context.Context) error

	// Interrupt stops a running inferior.
	Interrupt(ctx context.Context) error

	// Running reports whether the inferior is executing.
	Running() bool

	// Close shuts the engine down. The inferior is detached, not killed.
	Close() error
}

// Stop describes why a resumed inferior stopped.
type Stop struct {
	Reason   string
	ThreadID int
	ExitCode int
}

// Exited reports whether the inferior is gone.
func (s Stop) Exited() bool {
	switch s.Reason {
	case "exited", "exited-normally", "exited-signalled":
		return true
	}
	return false
}

func (s Stop) String() string {
	if s.Exited() {
		return fmt.Sprintf("%s (code %d)", s.Reason, s.ExitCode)
	}
	if s.ThreadID > 0 {
		return fmt.Sprintf("%s in thread %d", s.Reason, s.ThreadID)
	}
	return s.Reason
}

// Error is an error reported by the engine for a specific operation.
type Error struct {
	Op  string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

var (
	// ErrEngineDead is returned once the engine process is gone.
	ErrEngineDead = errors.New("engine exited")

	// ErrNotAttached is returned by operations that need an inferior.
	ErrNotAttached = errors.New("no inferior attached")
)
