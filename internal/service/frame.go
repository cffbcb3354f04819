package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// FrameInfo is one backtrace entry.
type FrameInfo struct {
	File     string
	Line     int
	Function string
	Source   string
}

func (f FrameInfo) wire() map[string]any {
	return map[string]any{
		"file":     f.File,
		"line":     f.Line,
		"function": f.Function,
		"source":   f.Source,
	}
}

func (s *Service) code(ctx context.Context, frame ref) (ref, error) {
	return s.ptrField(ctx, frame, "f_code", "PyCodeObject")
}

func (s *Service) codeString(ctx context.Context, code ref, field string) (string, error) {
	p, err := s.ptrField(ctx, code, field, "PyStringObject")
	if err != nil {
		return "", err
	}
	if p.isNull() {
		return "", nil
	}
	return s.pyString(ctx, p)
}

// lineNumber maps f_lasti through co_lnotab, falling back to
// co_firstlineno when the table cannot be read.
func (s *Service) lineNumber(ctx context.Context, frame, code ref) (int, error) {
	first, err := s.intField(ctx, code, "co_firstlineno")
	if err != nil {
		return 0, err
	}
	lasti, err := s.intField(ctx, frame, "f_lasti")
	if err != nil {
		return int(first), nil
	}
	lnotab, err := s.codeString(ctx, code, "co_lnotab")
	if err != nil {
		return int(first), nil
	}
	return addrToLine([]byte(lnotab), int(first), int(lasti)), nil
}

// addrToLine walks the (bytecode increment, line increment) pairs of a
// line number table.
func addrToLine(lnotab []byte, first, lasti int) int {
	line := first
	addr := 0
	for i := 0; i+1 < len(lnotab); i += 2 {
		addr += int(lnotab[i])
		if addr > lasti {
			break
		}
		line += int(lnotab[i+1])
	}
	return line
}

func (s *Service) frameInfo(ctx context.Context, frame ref, pid int) (FrameInfo, error) {
	code, err := s.code(ctx, frame)
	if err != nil {
		return FrameInfo{}, err
	}
	file, err := s.codeString(ctx, code, "co_filename")
	if err != nil {
		return FrameInfo{}, err
	}
	fn, err := s.codeString(ctx, code, "co_name")
	if err != nil {
		return FrameInfo{}, err
	}
	line, err := s.lineNumber(ctx, frame, code)
	if err != nil {
		return FrameInfo{}, err
	}
	return FrameInfo{
		File:     file,
		Line:     line,
		Function: fn,
		Source:   s.sourceLine(ctx, frame, pid, file, line),
	}, nil
}

// backtrace returns the frames from the outermost down to frame.
func (s *Service) backtrace(ctx context.Context, frame ref) ([]FrameInfo, error) {
	frames, err := collect(s.chain(ctx, frame, "f_back"))
	if err != nil {
		return nil, err
	}
	slices.Reverse(frames)

	pid := s.eng.PID()
	out := make([]FrameInfo, 0, len(frames))
	for _, f := range frames {
		info, err := s.frameInfo(ctx, f, pid)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// formatTraceback renders frames the way the runtime prints tracebacks.
func formatTraceback(frames []FrameInfo) string {
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):")
	for _, f := range frames {
		fmt.Fprintf(&b, "\n  File \"%s\", line %d, in %s", f.File, f.Line, f.Function)
		fmt.Fprintf(&b, "\n    %s", strings.TrimSpace(f.Source))
	}
	return b.String()
}

// fastLocals returns the frame's local variables stored in
// f_localsplus, keyed by co_varnames. Unbound slots are skipped.
func (s *Service) fastLocals(ctx context.Context, frame ref, o decodeOpts, want string) (map[string]any, error) {
	code, err := s.code(ctx, frame)
	if err != nil {
		return nil, err
	}
	nlocals, err := s.intField(ctx, code, "co_nlocals")
	if err != nil {
		return nil, err
	}
	varnames, err := s.ptrField(ctx, code, "co_varnames", "PyTupleObject")
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	for i := 0; i < int(nlocals) && i < s.opts.MaxItems; i++ {
		nameObj, err := s.ptrField(ctx, varnames, "ob_item["+strconv.Itoa(i)+"]", "PyStringObject")
		if err != nil {
			return nil, err
		}
		name, err := s.pyString(ctx, nameObj)
		if err != nil {
			return nil, err
		}
		if want != "" && name != want {
			continue
		}
		slot, err := s.ptrField(ctx, frame, "f_localsplus["+strconv.Itoa(i)+"]", "PyObject")
		if err != nil {
			return nil, err
		}
		if slot.isNull() {
			continue
		}
		v, err := s.pyValue(ctx, slot.addr, o)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// frameDict decodes one of the frame's namespace dicts.
func (s *Service) frameDict(ctx context.Context, frame ref, field string, o decodeOpts) (map[string]any, error) {
	d, err := s.ptrField(ctx, frame, field, "PyDictObject")
	if err != nil {
		return nil, err
	}
	if d.isNull() {
		return map[string]any{}, nil
	}
	return s.pyDict(ctx, d, o)
}

// dictLookup finds one str key in a dict without decoding the rest.
func (s *Service) dictLookup(ctx context.Context, d ref, name string) (uint64, bool, error) {
	var found uint64
	err := s.dictEntries(ctx, d, func(k, v uint64) (bool, error) {
		key, err := s.pyValue(ctx, k, decodeOpts{depth: 1})
		if err != nil {
			return false, err
		}
		if key == name {
			found = v
			return false, nil
		}
		return true, nil
	})
	return found, found != 0, err
}

// lookup resolves a name the way the runtime does for a frame: locals,
// then globals, then builtins.
func (s *Service) lookup(ctx context.Context, frame ref, name string) (any, error) {
	locals, err := s.fastLocals(ctx, frame, s.topLevel(), name)
	if err != nil {
		return nil, err
	}
	if v, ok := locals[name]; ok {
		return v, nil
	}

	for _, field := range []string{"f_locals", "f_globals", "f_builtins"} {
		d, err := s.ptrField(ctx, frame, field, "PyDictObject")
		if err != nil {
			return nil, err
		}
		if d.isNull() {
			continue
		}
		addr, ok, err := s.dictLookup(ctx, d, name)
		if err != nil {
			return nil, err
		}
		if ok {
			return s.pyValue(ctx, addr, s.topLevel())
		}
	}
	return nil, proxyFault("name %q is not defined in the selected frame", name)
}
