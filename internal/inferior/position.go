package inferior

import "fmt"

// Position identifies the current inspection point.
type Position struct {
	// PID is the target process, 0 when detached.
	PID int

	// TID is the selected Python thread ident. Nil selects the first
	// thread the interpreter lists.
	TID *int64

	// FrameDepth counts from the outermost frame; -1 is the innermost.
	FrameDepth int
}

func detachedPosition() Position {
	return Position{FrameDepth: -1}
}

// Args is the wire form of the position.
func (p Position) Args() []any {
	var tid any
	if p.TID != nil {
		tid = *p.TID
	}
	return []any{p.PID, tid, p.FrameDepth}
}

func (p Position) String() string {
	tid := "none"
	if p.TID != nil {
		tid = fmt.Sprint(*p.TID)
	}
	return fmt.Sprintf("pid %d, thread %s, depth %d", p.PID, tid, p.FrameDepth)
}

// withThread selects a thread and resets the frame to the innermost one.
func (p Position) withThread(tid *int64) Position {
	if tid != nil {
		t := *tid
		tid = &t
	}
	return Position{PID: p.PID, TID: tid, FrameDepth: -1}
}

// State is the controller's attach state.
type State int

const (
	// StateDetached means no target is selected.
	StateDetached State = iota
	// StateAttaching means a target is selected but no session has
	// attached to it yet.
	StateAttaching
	// StateAttached means a live session is attached to the target.
	StateAttached
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	default:
		return "unknown"
	}
}
