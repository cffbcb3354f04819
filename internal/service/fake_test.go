package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/pyringe/internal/engine"
)

// fakeEngine answers the exact expressions the service builds from a
// table populated by the target builder below.
type fakeEngine struct {
	pid       int
	attachErr error
	threads   int
	running   bool
	dead      bool

	vals     map[string]engine.Value
	mem      map[uint64][]byte
	commands map[string]string

	evals    []string
	executed []string

	stop               engine.Stop
	continueErr        error
	asyncAfterContinue bool
	busyAtContinue     string
	cleared            int
	fopenResult        uint64
	fopenWhileRunning  bool

	next  uint64
	types map[string]uint64
	none  uint64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		threads:     1,
		vals:        make(map[string]engine.Value),
		mem:         make(map[uint64][]byte),
		commands:    make(map[string]string),
		types:       make(map[string]uint64),
		next:        0x10000,
		stop:        engine.Stop{Reason: "breakpoint-hit", ThreadID: 1},
		fopenResult: 0x5000,
	}
}

func (f *fakeEngine) Attach(_ context.Context, pid int) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.pid = pid
	return nil
}

func (f *fakeEngine) Detach(context.Context) error {
	f.pid = 0
	return nil
}

func (f *fakeEngine) PID() int { return f.pid }

func (f *fakeEngine) ThreadCount(context.Context) (int, error) {
	return f.threads, nil
}

func (f *fakeEngine) Eval(_ context.Context, expr string) (engine.Value, error) {
	f.evals = append(f.evals, expr)
	if f.dead {
		return engine.Value{}, engine.ErrEngineDead
	}
	if v, ok := f.vals[expr]; ok {
		return v, nil
	}
	switch {
	case strings.HasPrefix(expr, "PyRun_Simple"):
		return engine.NewValue(expr, "int", "0"), nil
	case strings.HasPrefix(expr, "fopen("):
		f.fopenWhileRunning = f.fopenWhileRunning || f.running
		return engine.NewValue(expr, "FILE *", fmt.Sprintf("%#x", f.fopenResult)), nil
	case strings.HasPrefix(expr, "fclose("):
		return engine.NewValue(expr, "int", "0"), nil
	}
	if lhs, rhs, ok := strings.Cut(expr, " = "); ok {
		v := engine.NewValue(lhs, "int", rhs)
		f.vals[lhs] = v
		return v, nil
	}
	return engine.Value{}, &engine.Error{Op: "eval " + expr, Msg: "No symbol in current context."}
}

func (f *fakeEngine) Execute(_ context.Context, command string) (string, error) {
	f.executed = append(f.executed, command)
	return f.commands[command], nil
}

func (f *fakeEngine) ReadMemory(_ context.Context, addr uint64, n int) ([]byte, error) {
	for base, data := range f.mem {
		if addr < base || addr >= base+uint64(len(data)) {
			continue
		}
		chunk := data[addr-base:]
		if len(chunk) >= n {
			return chunk[:n], nil
		}
		return chunk, fmt.Errorf("short read at %#x", addr)
	}
	return nil, fmt.Errorf("cannot access memory at %#x", addr)
}

func (f *fakeEngine) ClearBreakpoints(context.Context) error {
	f.cleared++
	return nil
}

func (f *fakeEngine) ContinueSync(context.Context) (engine.Stop, error) {
	f.busyAtContinue = f.vals["pendingbusy"].Text
	f.running = f.asyncAfterContinue
	return f.stop, f.continueErr
}

func (f *fakeEngine) Resume(context.Context) error {
	f.running = true
	return nil
}

func (f *fakeEngine) Interrupt(context.Context) error {
	f.running = false
	return nil
}

func (f *fakeEngine) Running() bool { return f.running }

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) evaluated(prefix string) []string {
	var out []string
	for _, e := range f.evals {
		if strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Target builder. Objects are laid out at increasing fake addresses and
// every field the service reads is registered under its exact
// expression.

func (f *fakeEngine) alloc(size int) uint64 {
	a := f.next
	step := uint64(0x100)
	for step < uint64(size)+16 {
		step *= 2
	}
	f.next += step
	return a
}

func (f *fakeEngine) setInt(r ref, path string, n int64) {
	expr := r.expr() + "->" + path
	f.vals[expr] = engine.NewValue(expr, "Py_ssize_t", fmt.Sprint(n))
}

func (f *fakeEngine) setPtr(r ref, path string, addr uint64) {
	expr := r.expr() + "->" + path
	f.vals[expr] = engine.NewValue(expr, "PyObject *", fmt.Sprintf("%#x", addr))
}

func (f *fakeEngine) cstr(s string) uint64 {
	a := f.alloc(len(s) + 1)
	f.mem[a] = append([]byte(s), 0)
	return a
}

func (f *fakeEngine) typeObj(name string, flags int64) uint64 {
	if a, ok := f.types[name]; ok {
		return a
	}
	a := f.alloc(0)
	t := ref{typ: "PyTypeObject", addr: a}
	f.setPtr(t, "tp_name", f.cstr(name))
	f.setInt(t, "tp_flags", flags)
	f.types[name] = a
	return a
}

func (f *fakeEngine) object(typeName string) uint64 {
	a := f.alloc(0)
	f.setPtr(ref{typ: "PyObject", addr: a}, "ob_type", f.typeObj(typeName, 0))
	return a
}

func (f *fakeEngine) noneObj() uint64 {
	if f.none == 0 {
		f.none = f.object("NoneType")
	}
	return f.none
}

func (f *fakeEngine) str(s string) uint64 {
	a := f.object("str")
	r := ref{typ: "PyStringObject", addr: a}
	f.setInt(r, "ob_size", int64(len(s)))
	data := f.alloc(len(s))
	f.mem[data] = []byte(s)
	expr := "&" + r.expr() + "->ob_sval"
	f.vals[expr] = engine.NewValue(expr, "char (*)[1]", fmt.Sprintf("%#x", data))
	return a
}

func (f *fakeEngine) intObj(n int64) uint64 {
	a := f.object("int")
	f.setInt(ref{typ: "PyIntObject", addr: a}, "ob_ival", n)
	return a
}

func (f *fakeEngine) tuple(items ...uint64) uint64 {
	a := f.object("tuple")
	r := ref{typ: "PyTupleObject", addr: a}
	f.setInt(r, "ob_size", int64(len(items)))
	for i, item := range items {
		f.setPtr(r, fmt.Sprintf("ob_item[%d]", i), item)
	}
	return a
}

// dictAt fills a dict table at a; kv alternates key and value.
func (f *fakeEngine) dictAt(a uint64, kv ...uint64) {
	r := ref{typ: "PyDictObject", addr: a}
	n := len(kv) / 2
	size := 8
	for size*2/3 < n {
		size *= 2
	}
	f.setInt(r, "ma_mask", int64(size-1))
	for i := 0; i < size; i++ {
		var k, v uint64
		if i < n {
			k, v = kv[2*i], kv[2*i+1]
		}
		f.setPtr(r, fmt.Sprintf("ma_table[%d].me_key", i), k)
		f.setPtr(r, fmt.Sprintf("ma_table[%d].me_value", i), v)
	}
}

func (f *fakeEngine) dict(kv ...uint64) uint64 {
	a := f.object("dict")
	f.dictAt(a, kv...)
	return a
}

type codeSpec struct {
	file, name string
	first      int64
	lnotab     string
	varnames   []string
}

func (f *fakeEngine) code(c codeSpec) uint64 {
	a := f.alloc(0)
	r := ref{typ: "PyCodeObject", addr: a}
	f.setPtr(r, "co_filename", f.str(c.file))
	f.setPtr(r, "co_name", f.str(c.name))
	f.setInt(r, "co_firstlineno", c.first)
	f.setPtr(r, "co_lnotab", f.str(c.lnotab))
	f.setInt(r, "co_nlocals", int64(len(c.varnames)))
	names := make([]uint64, len(c.varnames))
	for i, n := range c.varnames {
		names[i] = f.str(n)
	}
	f.setPtr(r, "co_varnames", f.tuple(names...))
	return a
}

type frameSpec struct {
	back, code                uint64
	lasti                     int64
	locals, globals, builtins uint64
	fast                      []uint64
}

func (f *fakeEngine) frame(s frameSpec) uint64 {
	a := f.alloc(0)
	r := ref{typ: "PyFrameObject", addr: a}
	f.setPtr(r, "f_back", s.back)
	f.setPtr(r, "f_code", s.code)
	f.setInt(r, "f_lasti", s.lasti)
	f.setPtr(r, "f_locals", s.locals)
	f.setPtr(r, "f_globals", s.globals)
	f.setPtr(r, "f_builtins", s.builtins)
	f.setInt(r, "f_lineno", 0)
	f.setPtr(r, "f_localsplus", 0)
	for i, v := range s.fast {
		f.setPtr(r, fmt.Sprintf("f_localsplus[%d]", i), v)
	}
	return a
}

// interpreter links thread states (id, top frame) in order.
func (f *fakeEngine) interpreter(threads ...[2]uint64) uint64 {
	addrs := make([]uint64, len(threads))
	for i := range threads {
		addrs[i] = f.alloc(0)
	}
	for i, th := range threads {
		r := ref{typ: "PyThreadState", addr: addrs[i]}
		f.setInt(r, "thread_id", int64(th[0]))
		f.setPtr(r, "frame", th[1])
		var next uint64
		if i+1 < len(addrs) {
			next = addrs[i+1]
		}
		f.setPtr(r, "next", next)
	}
	interp := f.alloc(0)
	f.setPtr(ref{typ: "PyInterpreterState", addr: interp}, "tstate_head", addrs[0])
	f.vals["interp_head"] = engine.NewValue("interp_head", "PyInterpreterState *", fmt.Sprintf("%#x", interp))
	return interp
}

func (f *fakeEngine) staticSymbols() {
	for _, name := range []string{"sizeof(PyDictObject)", "sizeof(PyTypeObject)"} {
		f.vals[name] = engine.NewValue(name, "unsigned long", "400")
	}
	f.vals["sizeof(digit)"] = engine.NewValue("sizeof(digit)", "unsigned long", "4")
	f.vals["sizeof(Py_UNICODE)"] = engine.NewValue("sizeof(Py_UNICODE)", "unsigned long", "4")
	f.vals["pendingbusy"] = engine.NewValue("pendingbusy", "int", "0")
	f.vals["pendingcalls_to_do"] = engine.NewValue("pendingcalls_to_do", "int", "0")
}
