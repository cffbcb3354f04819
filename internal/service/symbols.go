package service

import (
	"context"
	"fmt"
	"regexp"
)

// symbols caches the structural symbols resolved from the loaded symbol
// file. A zero value means nothing has been resolved yet.
type symbols struct {
	loaded bool

	// hasDict and hasType record whether the symbol file carries the
	// dictionary and type object layouts.
	hasDict bool
	hasType bool

	interp ref

	// pendingBusy and pendingCallsToDo are expressions naming the flag
	// cells, possibly quoted mangled names.
	pendingBusy      string
	pendingCallsToDo string

	digitBits   int
	unicodeUnit int

	typeNames map[uint64]string
}

var (
	declaredVarRe = regexp.MustCompile(`(?m)\**(\S+);$`)
	minimalVarRe  = regexp.MustCompile(`(?m)^0x[0-9a-fA-F]+\s+(\S+)$`)
)

// refreshSymbols resolves what it can. Individual failures leave the
// corresponding entry unset.
func (s *Service) refreshSymbols(ctx context.Context) {
	syms := &symbols{loaded: true, typeNames: make(map[uint64]string)}
	s.syms = syms

	if _, err := s.eng.Eval(ctx, "sizeof(PyDictObject)"); err == nil {
		syms.hasDict = true
	}
	if _, err := s.eng.Eval(ctx, "sizeof(PyTypeObject)"); err == nil {
		syms.hasType = true
	}

	head := "PyInterpreterState_Head()"
	if name, err := s.fuzzySymbol(ctx, "interp_head"); err == nil {
		head = name
	} else {
		s.log.V(1).Info("interp_head not found, asking the target", "error", err.Error())
	}
	if v, err := s.eng.Eval(ctx, head); err == nil {
		if addr, err := v.Addr(); err == nil {
			syms.interp = ref{typ: "PyInterpreterState", addr: addr}
		}
	} else {
		s.log.V(1).Info("Interpreter head unavailable", "error", err.Error())
	}

	if name, err := s.fuzzySymbol(ctx, "pendingbusy"); err == nil {
		syms.pendingBusy = name
	}
	if name, err := s.fuzzySymbol(ctx, "pendingcalls_to_do"); err == nil {
		syms.pendingCallsToDo = name
	}

	syms.digitBits = 30
	if v, err := s.eng.Eval(ctx, "sizeof(digit)"); err == nil {
		if n, err := v.Int(); err == nil && n == 2 {
			syms.digitBits = 15
		}
	}
	syms.unicodeUnit = 4
	if v, err := s.eng.Eval(ctx, "sizeof(Py_UNICODE)"); err == nil {
		if n, err := v.Int(); err == nil && (n == 2 || n == 4) {
			syms.unicodeUnit = int(n)
		}
	}

	s.log.V(1).Info("Symbols refreshed",
		"dict", syms.hasDict, "type", syms.hasType,
		"interp", fmt.Sprintf("%#x", syms.interp.addr),
		"pendingbusy", syms.pendingBusy, "pendingcalls_to_do", syms.pendingCallsToDo)
}

// fuzzySymbol returns an expression naming the variable, looking through
// the engine's variable listing when compilers have mangled a static
// (interp_head may show up as interp_head.42174).
func (s *Service) fuzzySymbol(ctx context.Context, name string) (string, error) {
	_, lookupErr := s.eng.Eval(ctx, name)
	if lookupErr == nil {
		return name, nil
	}

	listing, err := s.eng.Execute(ctx, "info variables "+name)
	if err != nil {
		return "", lookupErr
	}
	m := declaredVarRe.FindStringSubmatch(listing)
	if m == nil {
		m = minimalVarRe.FindStringSubmatch(listing)
	}
	if m == nil {
		return "", lookupErr
	}
	quoted := "'" + m[1] + "'"
	if _, err := s.eng.Eval(ctx, quoted); err != nil {
		return "", lookupErr
	}
	return quoted, nil
}

var (
	frameSanityFields = []string{"f_back", "f_locals", "f_localsplus", "f_globals", "f_builtins", "f_lineno", "f_lasti"}
	codeSanityFields  = []string{"co_name", "co_filename", "co_nlocals", "co_varnames", "co_lnotab", "co_firstlineno"}
)

// symbolFileSane reads a fixed battery of fields. Success means the
// layouts resolve, not that the values are right.
func (s *Service) symbolFileSane(ctx context.Context) bool {
	if !s.syms.loaded {
		s.refreshSymbols(ctx)
	}
	if !s.syms.hasDict || !s.syms.hasType || s.syms.interp.isNull() {
		return false
	}

	tstate, err := s.ptrField(ctx, s.syms.interp, "tstate_head", "PyThreadState")
	if err != nil {
		return false
	}
	if _, err := s.field(ctx, tstate, "thread_id"); err != nil {
		return false
	}
	frame, err := s.ptrField(ctx, tstate, "frame", "PyFrameObject")
	if err != nil {
		return false
	}
	for _, f := range frameSanityFields {
		if _, err := s.field(ctx, frame, f); err != nil {
			return false
		}
	}
	code, err := s.ptrField(ctx, frame, "f_code", "PyCodeObject")
	if err != nil {
		return false
	}
	for _, f := range codeSanityFields {
		if _, err := s.field(ctx, code, f); err != nil {
			return false
		}
	}
	return true
}
