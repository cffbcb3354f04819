package transport

import (
	"errors"
	"fmt"

	"github.com/dshills/pyringe/internal/wire"
)

var (
	// ErrProcessRunning is returned by Start while a live session exists.
	ErrProcessRunning = errors.New("helper process is already running")

	// ErrTimeout is returned when no reply arrives within the wait budget.
	ErrTimeout = errors.New("timed out waiting for the helper")

	// ErrSessionDead is returned once the helper has exited or its pipes
	// are gone.
	ErrSessionDead = errors.New("helper process is not running")

	// ErrClosed is returned by calls on a session that was shut down.
	ErrClosed = errors.New("session is shut down")
)

// ProxyError carries a fault raised inside the helper. Fault is set when
// the helper reported a structured fault; otherwise Raw holds whatever
// text it wrote on its diagnostic stream.
type ProxyError struct {
	Func  string
	Fault *wire.Fault
	Raw   string
}

func (e *ProxyError) Error() string {
	if e.Fault != nil {
		return fmt.Sprintf("%s: %s", e.Func, e.Fault.Error())
	}
	return fmt.Sprintf("%s: error occurred within the helper:\n%s", e.Func, e.Raw)
}

// Kind returns the fault kind, or FaultProxy for unstructured output.
func (e *ProxyError) Kind() wire.FaultKind {
	if e.Fault != nil {
		return e.Fault.Kind
	}
	return wire.FaultProxy
}

// Message returns the fault message without the kind prefix.
func (e *ProxyError) Message() string {
	if e.Fault != nil {
		return e.Fault.Message
	}
	return e.Raw
}

// Unwrap exposes the structured fault.
func (e *ProxyError) Unwrap() error {
	if e.Fault == nil {
		return nil
	}
	return e.Fault
}

// IsKind reports whether err is a ProxyError of the given kind.
func IsKind(err error, kind wire.FaultKind) bool {
	var pe *ProxyError
	return errors.As(err, &pe) && pe.Kind() == kind
}
