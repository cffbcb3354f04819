package inferior

import (
	"errors"
	"fmt"
)

// PositionError reports a navigation or operation that makes no sense
// for the current position.
type PositionError struct {
	Msg string
}

func (e *PositionError) Error() string {
	return e.Msg
}

func positionErrorf(format string, args ...any) error {
	return &PositionError{Msg: fmt.Sprintf(format, args...)}
}

// ErrNotAttached is returned by position dependent operations while no
// target is selected or the target has exited.
var ErrNotAttached error = &PositionError{Msg: "not attached to any process"}

// ErrUnexpectedReply is returned when the helper answers with a value of
// the wrong shape.
var ErrUnexpectedReply = errors.New("unexpected reply from helper")

// IsPositionError reports whether err is a PositionError.
func IsPositionError(err error) bool {
	var pe *PositionError
	return errors.As(err, &pe)
}
