package service

import (
	"context"
	"fmt"
	"slices"
)

// Position is the decoded (pid, tid, frame depth) request argument.
// A nil TID or Depth means "not specified".
type Position struct {
	PID   int
	TID   *int64
	Depth *int
}

func (p Position) String() string {
	tid, depth := "none", "none"
	if p.TID != nil {
		tid = fmt.Sprint(*p.TID)
	}
	if p.Depth != nil {
		depth = fmt.Sprint(*p.Depth)
	}
	return fmt.Sprintf("(%d, %s, %s)", p.PID, tid, depth)
}

// level says how much of a Position an operation needs resolved.
type level int

const (
	levelProcess level = iota
	levelThread
	levelFrame
)

// implied is the level a position asks for on its own.
func (p Position) implied() level {
	switch {
	case p.Depth != nil:
		return levelFrame
	case p.TID != nil:
		return levelThread
	}
	return levelProcess
}

// ensurePosition attaches to the requested process and resolves the
// thread and frame down to lvl. A missing thread id selects the first
// thread; a missing depth selects the innermost frame. Cached handles are
// dropped first so nothing stale survives a failed resolution.
func (s *Service) ensurePosition(ctx context.Context, pos Position, lvl level) error {
	s.tstate, s.frame = ref{}, ref{}

	if pos.PID == 0 {
		return nil
	}

	switch cur := s.eng.PID(); {
	case cur == 0:
		if err := s.attach(ctx, pos.PID); err != nil {
			return positionUnavailable("attach to %d: %v", pos.PID, err)
		}
	case cur != pos.PID:
		if err := s.detach(ctx); err != nil {
			return err
		}
		if err := s.attach(ctx, pos.PID); err != nil {
			return positionUnavailable("attach to %d: %v", pos.PID, err)
		}
	}

	if lvl < levelThread {
		return nil
	}

	threads, err := s.threadStates(ctx)
	if err != nil {
		return err
	}
	switch {
	case pos.TID == nil:
		if len(threads) == 0 {
			return positionUnavailable("process %d has no threads", pos.PID)
		}
		s.tstate = threads[0]
	default:
		for _, t := range threads {
			id, err := s.intField(ctx, t, "thread_id")
			if err != nil {
				return err
			}
			if id == *pos.TID {
				s.tstate = t
				break
			}
		}
		if s.tstate.isNull() {
			return positionUnavailable("Thread %d does not exist.", *pos.TID)
		}
	}

	if lvl < levelFrame {
		return nil
	}

	frames, err := s.framesOf(ctx, s.tstate)
	if err != nil {
		return err
	}
	slices.Reverse(frames)
	depth := -1
	if pos.Depth != nil {
		depth = *pos.Depth
	}
	idx := depth
	if idx < 0 {
		idx += len(frames)
	}
	if idx < 0 || idx >= len(frames) {
		return positionUnavailable("Stack is not %d frames deep (depth is %d)", depthWanted(depth), len(frames))
	}
	s.frame = frames[idx]
	return nil
}

func depthWanted(depth int) int {
	if depth < 0 {
		return -depth
	}
	return depth + 1
}

func (s *Service) attach(ctx context.Context, pid int) error {
	if err := s.eng.Attach(ctx, pid); err != nil {
		return err
	}
	s.log.Info("Attached", "pid", pid)
	s.refreshSymbols(ctx)
	return nil
}

func (s *Service) detach(ctx context.Context) error {
	s.tstate, s.frame = ref{}, ref{}
	if s.eng.PID() == 0 {
		return nil
	}
	pid := s.eng.PID()
	if err := s.eng.Detach(ctx); err != nil {
		return err
	}
	s.log.Info("Detached", "pid", pid)
	return nil
}

// threadStates lists the interpreter's thread states, head first.
func (s *Service) threadStates(ctx context.Context) ([]ref, error) {
	if s.syms.interp.isNull() {
		if !s.syms.loaded {
			s.refreshSymbols(ctx)
		}
		if s.syms.interp.isNull() {
			return nil, proxyFault("%v", errNoInterp)
		}
	}
	head, err := s.ptrField(ctx, s.syms.interp, "tstate_head", "PyThreadState")
	if err != nil {
		return nil, err
	}
	return collect(s.chain(ctx, head, "next"))
}

// framesOf lists a thread's frames innermost first.
func (s *Service) framesOf(ctx context.Context, tstate ref) ([]ref, error) {
	top, err := s.ptrField(ctx, tstate, "frame", "PyFrameObject")
	if err != nil {
		return nil, err
	}
	return collect(s.chain(ctx, top, "f_back"))
}

func (s *Service) requireFrame() error {
	if s.frame.isNull() {
		return positionUnavailable("no frame selected")
	}
	return nil
}

func (s *Service) requireAttached() error {
	if s.eng.PID() == 0 {
		return positionUnavailable("not attached to any process")
	}
	return nil
}
