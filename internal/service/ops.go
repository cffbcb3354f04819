package service

import (
	"context"
	"fmt"
	"math"
	"strings"
)

func (s *Service) operations() map[string]handler {
	return map[string]handler{
		"Attach":            s.opAttach,
		"Detach":            s.opDetach,
		"IsAttached":        s.opIsAttached,
		"LoadSymbolFile":    s.opLoadSymbolFile,
		"IsSymbolFileSane":  s.opIsSymbolFileSane,
		"ThreadIds":         s.opThreadIds,
		"StackDepth":        s.opStackDepth,
		"BacktraceAt":       s.opBacktraceAt,
		"TracebackAt":       s.opTracebackAt,
		"LookupInFrame":     s.opLookupInFrame,
		"InferiorLocals":    s.frameOp(s.locals),
		"InferiorGlobals":   s.frameOp(s.dictOf("f_globals")),
		"InferiorBuiltins":  s.frameOp(s.dictOf("f_builtins")),
		"Continue":          s.opContinue,
		"Interrupt":         s.opInterrupt,
		"Call":              s.opCall,
		"ExecuteRaw":        s.opExecuteRaw,
		"InjectString":      s.opInjectString,
		"InjectFile":        s.opInjectFile,
		"InjectSentinel":    s.opInjectSentinel,
		"ClearBreakpoints":  s.opClearBreakpoints,
		"EnsureGdbPosition": s.opEnsureGdbPosition,
	}
}

func (s *Service) opAttach(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	return nil, s.ensurePosition(ctx, pos, levelProcess)
}

func (s *Service) opDetach(ctx context.Context, _ []any) (any, error) {
	return nil, s.detach(ctx)
}

func (s *Service) opIsAttached(context.Context, []any) (any, error) {
	return s.eng.PID() != 0, nil
}

func (s *Service) opLoadSymbolFile(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelProcess); err != nil {
		return nil, err
	}
	if _, err := s.eng.Execute(ctx, "symbol-file "+path); err != nil {
		return nil, err
	}
	s.log.Info("Loaded symbol file", "path", path)
	s.tstate, s.frame = ref{}, ref{}
	s.refreshSymbols(ctx)
	return nil, nil
}

func (s *Service) opIsSymbolFileSane(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelProcess); err != nil {
		return nil, err
	}
	return s.symbolFileSane(ctx), nil
}

func (s *Service) opThreadIds(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelProcess); err != nil {
		return nil, err
	}
	threads, err := s.threadStates(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(threads))
	for _, t := range threads {
		id, err := s.intField(ctx, t, "thread_id")
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Service) opStackDepth(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelThread); err != nil {
		return nil, err
	}
	frames, err := s.framesOf(ctx, s.tstate)
	if err != nil {
		return nil, err
	}
	return len(frames), nil
}

func (s *Service) selectedBacktrace(ctx context.Context, args []any) ([]FrameInfo, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelFrame); err != nil {
		return nil, err
	}
	return s.backtrace(ctx, s.frame)
}

func (s *Service) opBacktraceAt(ctx context.Context, args []any) (any, error) {
	frames, err := s.selectedBacktrace(ctx, args)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(frames))
	for i, f := range frames {
		out[i] = f.wire()
	}
	return out, nil
}

func (s *Service) opTracebackAt(ctx context.Context, args []any) (any, error) {
	frames, err := s.selectedBacktrace(ctx, args)
	if err != nil {
		return nil, err
	}
	return formatTraceback(frames), nil
}

func (s *Service) opLookupInFrame(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	name, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelFrame); err != nil {
		return nil, err
	}
	return s.lookup(ctx, s.frame, name)
}

// frameOp adapts a reader of the selected frame into a handler taking a
// position.
func (s *Service) frameOp(read func(ctx context.Context, frame ref) (map[string]any, error)) handler {
	return func(ctx context.Context, args []any) (any, error) {
		pos, err := positionArg(args, 0)
		if err != nil {
			return nil, err
		}
		if err := s.ensurePosition(ctx, pos, levelFrame); err != nil {
			return nil, err
		}
		return read(ctx, s.frame)
	}
}

func (s *Service) dictOf(field string) func(ctx context.Context, frame ref) (map[string]any, error) {
	return func(ctx context.Context, frame ref) (map[string]any, error) {
		return s.frameDict(ctx, frame, field, s.topLevel())
	}
}

// locals returns the frame's f_locals dict overlaid with its fast locals.
func (s *Service) locals(ctx context.Context, frame ref) (map[string]any, error) {
	out, err := s.frameDict(ctx, frame, "f_locals", s.topLevel())
	if err != nil {
		return nil, err
	}
	fast, err := s.fastLocals(ctx, frame, s.topLevel(), "")
	if err != nil {
		return nil, err
	}
	for k, v := range fast {
		out[k] = v
	}
	return out, nil
}

func (s *Service) opContinue(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, levelProcess); err != nil {
		return nil, err
	}
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	return nil, s.eng.Resume(ctx)
}

func (s *Service) opInterrupt(ctx context.Context, args []any) (any, error) {
	if _, err := positionArg(args, 0); err != nil {
		return nil, err
	}
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	if !s.eng.Running() {
		return nil, nil
	}
	return nil, s.eng.Interrupt(ctx)
}

func (s *Service) opCall(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	expr, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, pos, expr)
}

func (s *Service) opExecuteRaw(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	cmd, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, pos.implied()); err != nil {
		return nil, err
	}
	return s.eng.Execute(ctx, cmd)
}

func (s *Service) opInjectString(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	code, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	return s.injectString(ctx, pos, code)
}

func (s *Service) opInjectFile(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	path, err := stringArg(args, 1)
	if err != nil {
		return nil, err
	}
	return s.injectFile(ctx, pos, path)
}

func (s *Service) opInjectSentinel(ctx context.Context, args []any) (any, error) {
	pos, err := positionArg(args, 0)
	if err != nil {
		return nil, err
	}
	return s.injectSentinel(ctx, pos)
}

func (s *Service) opClearBreakpoints(ctx context.Context, _ []any) (any, error) {
	if s.eng.PID() == 0 {
		return nil, nil
	}
	return nil, s.eng.ClearBreakpoints(ctx)
}

func (s *Service) opEnsureGdbPosition(ctx context.Context, args []any) (any, error) {
	pos, err := positionFrom(args)
	if err != nil {
		return nil, err
	}
	return nil, s.ensurePosition(ctx, pos, pos.implied())
}

// positionArg decodes args[i] as a [pid, tid, depth] array.
func positionArg(args []any, i int) (Position, error) {
	if i >= len(args) {
		return Position{}, rpcFault("missing position argument")
	}
	parts, ok := args[i].([]any)
	if !ok {
		return Position{}, rpcFault("position must be an array, got %T", args[i])
	}
	return positionFrom(parts)
}

func positionFrom(parts []any) (Position, error) {
	if len(parts) != 3 {
		return Position{}, rpcFault("position needs 3 elements, got %d", len(parts))
	}
	var pos Position
	pid, ok, err := intArg(parts[0])
	if err != nil {
		return Position{}, rpcFault("pid: %v", err)
	}
	if ok {
		pos.PID = int(pid)
	}
	tid, ok, err := intArg(parts[1])
	if err != nil {
		return Position{}, rpcFault("tid: %v", err)
	}
	if ok {
		pos.TID = &tid
	}
	depth, ok, err := intArg(parts[2])
	if err != nil {
		return Position{}, rpcFault("depth: %v", err)
	}
	if ok {
		d := int(depth)
		pos.Depth = &d
	}
	return pos, nil
}

// intArg accepts a JSON integer or null.
func intArg(v any) (int64, bool, error) {
	switch n := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return n, true, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, false, fmt.Errorf("%d out of range", n)
		}
		return int64(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, false, fmt.Errorf("%v is not an integer", n)
		}
		return int64(n), true, nil
	}
	return 0, false, fmt.Errorf("expected integer or null, got %T", v)
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", rpcFault("missing argument %d", i)
	}
	str, ok := args[i].(string)
	if !ok {
		return "", rpcFault("argument %d must be a string, got %T", i, args[i])
	}
	if strings.IndexByte(str, 0) >= 0 {
		return "", rpcFault("argument %d contains NUL", i)
	}
	return str, nil
}
