package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/pyringe/internal/engine"
	"github.com/dshills/pyringe/internal/wire"
)

const testPID = 4242

const appSource = `import os

def work(x):
    name = "bob"
    return helper(x)

counter = 3
work(7)
`

// fixture is a target with two threads. Thread 101 runs work() called
// from the module body of app.py; thread 202 sits in the module body.
type fixture struct {
	eng    *fakeEngine
	svc    *Service
	file   string
	widget uint64
	module uint64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(file, []byte(appSource), 0o644))

	f := newFakeEngine()
	f.staticSymbols()
	f.threads = 2

	builtins := f.dict(f.str("len"), f.object("builtin_function_or_method"))
	globals := f.object("dict")
	f.dictAt(globals,
		f.str("__file__"), f.str(file),
		f.str("counter"), f.intObj(3),
		f.str("names"), f.tuple(f.str("a"), f.noneObj()),
	)

	widgetType := f.typeObj("Widget", tpFlagsHeapType)
	wt := ref{typ: "PyTypeObject", addr: widgetType}
	f.setPtr(wt, "tp_dict", f.dict(f.str("size"), f.intObj(1), f.str("kind"), f.str("class")))
	f.setInt(wt, "tp_dictoffset", 16)
	widget := f.alloc(0)
	f.setPtr(ref{typ: "PyObject", addr: widget}, "ob_type", widgetType)
	instDict := f.dict(f.str("size"), f.intObj(5))
	deref := fmt.Sprintf("*((PyObject **) %#x)", widget+16)
	f.vals[deref] = engine.NewValue(deref, "PyObject *", fmt.Sprintf("%#x", instDict))

	moduleCode := f.code(codeSpec{file: file, name: "<module>", first: 1, lnotab: "\x00\x07"})
	workCode := f.code(codeSpec{
		file: file, name: "work", first: 3, lnotab: "\x00\x01\x06\x01",
		varnames: []string{"x", "name", "obj", "unbound"},
	})

	module := f.frame(frameSpec{code: moduleCode, lasti: 10, locals: globals, globals: globals, builtins: builtins})
	work := f.frame(frameSpec{
		back: module, code: workCode, lasti: 8, globals: globals, builtins: builtins,
		fast: []uint64{f.intObj(7), f.str("bob"), widget, 0},
	})
	other := f.frame(frameSpec{code: moduleCode, lasti: 10, locals: globals, globals: globals, builtins: builtins})
	f.interpreter([2]uint64{101, work}, [2]uint64{202, other})

	f.commands["info threads"] = "  Id   Target Id         Frame \n" +
		"* 1    Thread 0x65 (LWP 11894) \"app\" 0x00007f0a69563e63 in select ()\n" +
		"  2    Thread 0xca (LWP 11895) \"app\" 0x00007f0a69563e63 in select ()\n"

	return &fixture{eng: f, svc: New(f, opts...), file: file, widget: widget, module: module}
}

// serve runs the dispatch loop over the given request lines and returns
// the decoded results and faults.
func (fx *fixture) serve(t *testing.T, lines ...string) ([]any, []*wire.Fault, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	err := fx.svc.Serve(context.Background(), in, &out, &errOut)

	var results []any
	for _, line := range strings.Split(out.String(), "\n") {
		if line == "" {
			continue
		}
		v, decErr := wire.Decode([]byte(line))
		require.NoError(t, decErr)
		results = append(results, v)
	}
	var faults []*wire.Fault
	for _, line := range strings.Split(errOut.String(), "\n") {
		if line == "" {
			continue
		}
		f, ok := wire.ParseFault([]byte(line))
		require.True(t, ok, "fault line %q", line)
		faults = append(faults, f)
	}
	return results, faults, err
}

func (fx *fixture) call(t *testing.T, name string, args ...any) (any, *wire.Fault) {
	t.Helper()
	req, err := wire.EncodeRequest(name, args)
	require.NoError(t, err)
	results, faults, err := fx.serve(t, string(req))
	require.NoError(t, err)
	require.Equal(t, 1, len(results)+len(faults), "results %v faults %v", results, faults)
	if len(faults) == 1 {
		return nil, faults[0]
	}
	return results[0], nil
}

func (fx *fixture) mustCall(t *testing.T, name string, args ...any) any {
	t.Helper()
	v, fault := fx.call(t, name, args...)
	require.Nil(t, fault)
	return v
}

func at(tid, depth any) []any {
	return []any{testPID, tid, depth}
}

func TestServeKillSentinel(t *testing.T) {
	fx := newFixture(t)
	results, faults, err := fx.serve(t,
		`{"func":"IsAttached","args":[]}`,
		`{"func":"__kill__","args":[]}`,
		`{"func":"IsAttached","args":[]}`,
	)
	require.NoError(t, err)
	require.Empty(t, faults)
	require.Equal(t, []any{false, wire.KillAck}, results)
	require.Equal(t, 1, fx.eng.cleared)
}

func TestServeRejectsBadRequests(t *testing.T) {
	fx := newFixture(t)
	results, faults, err := fx.serve(t,
		`{"func":"_Inject","args":[]}`,
		`{"func":"NoSuchThing","args":[]}`,
		`this is not json`,
		``,
		`{"args":[]}`,
		`{"func":"IsAttached"}`,
	)
	require.NoError(t, err)
	require.Equal(t, []any{false}, results)
	require.Len(t, faults, 4)
	for _, f := range faults {
		require.Equal(t, wire.FaultRPC, f.Kind)
	}
	require.Contains(t, faults[0].Message, "private")
	require.Contains(t, faults[1].Message, "NoSuchThing")
}

func TestServeStopsWhenEngineDies(t *testing.T) {
	fx := newFixture(t)
	fx.mustCall(t, "Attach", at(nil, nil))
	fx.eng.dead = true

	results, faults, err := fx.serve(t,
		`{"func":"StackDepth","args":[[4242,101,null]]}`,
		`{"func":"IsAttached","args":[]}`,
	)
	require.ErrorIs(t, err, engine.ErrEngineDead)
	require.Empty(t, results)
	require.Len(t, faults, 1)
	require.Equal(t, wire.FaultEngine, faults[0].Kind)
}

func TestServeRecoversPanics(t *testing.T) {
	fx := newFixture(t)
	fx.svc.ops["Boom"] = func(context.Context, []any) (any, error) {
		panic("kaboom")
	}
	results, faults, err := fx.serve(t,
		`{"func":"Boom","args":[]}`,
		`{"func":"IsAttached","args":[]}`,
	)
	require.NoError(t, err)
	require.Equal(t, []any{false}, results)
	require.Len(t, faults, 1)
	require.Equal(t, wire.FaultProxy, faults[0].Kind)
	require.Contains(t, faults[0].Message, "kaboom")
	require.NotEmpty(t, faults[0].Detail)
}

func TestPositionArgumentShape(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		name string
		args []any
	}{
		{"missing", nil},
		{"not array", []any{"4242"}},
		{"short", []any{[]any{testPID, nil}}},
		{"bad pid", []any{[]any{"x", nil, nil}}},
		{"fractional depth", []any{[]any{testPID, 101, 1.5}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, fault := fx.call(t, "StackDepth", tt.args...)
			require.NotNil(t, fault)
			require.Equal(t, wire.FaultRPC, fault.Kind)
		})
	}
}

func TestAttachAndDetach(t *testing.T) {
	fx := newFixture(t)
	require.Equal(t, false, fx.mustCall(t, "IsAttached"))
	fx.mustCall(t, "Attach", at(nil, nil))
	require.Equal(t, testPID, fx.eng.pid)
	require.Equal(t, true, fx.mustCall(t, "IsAttached"))
	fx.mustCall(t, "Detach")
	require.Equal(t, false, fx.mustCall(t, "IsAttached"))
}

func TestAttachFailure(t *testing.T) {
	fx := newFixture(t)
	fx.eng.attachErr = errors.New("ptrace: operation not permitted")
	_, fault := fx.call(t, "Attach", at(nil, nil))
	require.NotNil(t, fault)
	require.Equal(t, wire.FaultPositionUnavailable, fault.Kind)
	require.Contains(t, fault.Message, "not permitted")
}

func TestThreadIdsAndStackDepth(t *testing.T) {
	fx := newFixture(t)
	require.Equal(t, []any{int64(101), int64(202)}, fx.mustCall(t, "ThreadIds", at(nil, nil)))
	require.Equal(t, int64(2), fx.mustCall(t, "StackDepth", at(101, nil)))
	require.Equal(t, int64(1), fx.mustCall(t, "StackDepth", at(202, nil)))
	require.Equal(t, int64(2), fx.mustCall(t, "StackDepth", at(nil, nil)))

	_, fault := fx.call(t, "StackDepth", at(999, nil))
	require.NotNil(t, fault)
	require.Equal(t, wire.FaultPositionUnavailable, fault.Kind)
	require.Equal(t, "Thread 999 does not exist.", fault.Message)
}

func TestChainStepLimit(t *testing.T) {
	fx := newFixture(t, WithLimits(Limits{MaxChainSteps: 1}))
	_, fault := fx.call(t, "ThreadIds", at(nil, nil))
	require.NotNil(t, fault)
	require.Equal(t, wire.FaultProxy, fault.Kind)
	require.Contains(t, fault.Message, "step limit")
}

func TestDepthOutOfRange(t *testing.T) {
	fx := newFixture(t)
	tests := []struct {
		depth int
		want  string
	}{
		{5, "Stack is not 6 frames deep (depth is 2)"},
		{2, "Stack is not 3 frames deep (depth is 2)"},
		{-3, "Stack is not 3 frames deep (depth is 2)"},
	}
	for _, tt := range tests {
		_, fault := fx.call(t, "BacktraceAt", at(101, tt.depth))
		require.NotNil(t, fault)
		require.Equal(t, wire.FaultPositionUnavailable, fault.Kind)
		require.Equal(t, tt.want, fault.Message)
	}
}

func TestBacktraceOutermostFirst(t *testing.T) {
	fx := newFixture(t)
	got := fx.mustCall(t, "BacktraceAt", at(101, nil))
	require.Equal(t, []any{
		map[string]any{"file": fx.file, "line": int64(8), "function": "<module>", "source": "work(7)"},
		map[string]any{"file": fx.file, "line": int64(5), "function": "work", "source": "    return helper(x)"},
	}, got)

	outer := fx.mustCall(t, "BacktraceAt", at(101, 0))
	require.Len(t, outer, 1)
	inner := fx.mustCall(t, "BacktraceAt", at(101, -1))
	require.Len(t, inner, 2)
}

func TestTraceback(t *testing.T) {
	fx := newFixture(t)
	want := "Traceback (most recent call last):\n" +
		"  File \"" + fx.file + "\", line 8, in <module>\n" +
		"    work(7)\n" +
		"  File \"" + fx.file + "\", line 5, in work\n" +
		"    return helper(x)"
	require.Equal(t, want, fx.mustCall(t, "TracebackAt", at(101, nil)))
}

func TestLookupInFrame(t *testing.T) {
	fx := newFixture(t)
	require.Equal(t, int64(7), fx.mustCall(t, "LookupInFrame", at(101, nil), "x"))
	require.Equal(t, int64(3), fx.mustCall(t, "LookupInFrame", at(101, nil), "counter"))

	builtin := fx.mustCall(t, "LookupInFrame", at(101, nil), "len")
	require.IsType(t, "", builtin)
	require.True(t, strings.HasPrefix(builtin.(string), "<builtin_function_or_method object at remote 0x"))

	for _, name := range []string{"missing", "unbound"} {
		_, fault := fx.call(t, "LookupInFrame", at(101, nil), name)
		require.NotNil(t, fault, name)
		require.Equal(t, wire.FaultProxy, fault.Kind)
		require.Contains(t, fault.Message, "not defined")
	}
}

func TestInferiorLocalsProxiesInstances(t *testing.T) {
	fx := newFixture(t)
	got := fx.mustCall(t, "InferiorLocals", at(101, nil))
	locals, ok := got.(map[string]any)
	require.True(t, ok)
	require.Equal(t, int64(7), locals["x"])
	require.Equal(t, "bob", locals["name"])
	require.NotContains(t, locals, "unbound")

	obj, ok := locals["obj"].(*wire.ProxyObject)
	require.True(t, ok, "obj is %T", locals["obj"])
	require.Equal(t, "Widget", obj.TypeName)
	require.Equal(t, fx.widget, obj.Address)
	require.Equal(t, map[string]any{"size": int64(5), "kind": "class"}, obj.Attrs)
}

func TestInferiorGlobalsAndBuiltins(t *testing.T) {
	fx := newFixture(t)
	globals := fx.mustCall(t, "InferiorGlobals", at(202, nil)).(map[string]any)
	require.Equal(t, fx.file, globals["__file__"])
	require.Equal(t, int64(3), globals["counter"])
	require.Equal(t, []any{"a", nil}, globals["names"])

	builtins := fx.mustCall(t, "InferiorBuiltins", at(202, nil)).(map[string]any)
	require.Contains(t, builtins, "len")

	locals := fx.mustCall(t, "InferiorLocals", at(202, nil)).(map[string]any)
	require.Equal(t, int64(3), locals["counter"])
}

func TestSymbolFileSanity(t *testing.T) {
	fx := newFixture(t)
	require.Equal(t, true, fx.mustCall(t, "IsSymbolFileSane", at(nil, nil)))

	delete(fx.eng.vals, "sizeof(PyDictObject)")
	fx.mustCall(t, "LoadSymbolFile", at(nil, nil), "/usr/lib/debug/python2.7.debug")
	require.Contains(t, fx.eng.executed, "symbol-file /usr/lib/debug/python2.7.debug")
	require.Equal(t, false, fx.mustCall(t, "IsSymbolFileSane", at(nil, nil)))
}

func TestMangledInterpreterHead(t *testing.T) {
	fx := newFixture(t)
	head := fx.eng.vals["interp_head"]
	delete(fx.eng.vals, "interp_head")
	fx.eng.vals["'interp_head.42174'"] = head
	fx.eng.commands["info variables interp_head"] = "All variables matching regular expression \"interp_head\":\n\n" +
		"File Python/pystate.c:\nstatic PyInterpreterState *interp_head.42174;\n"

	require.Equal(t, []any{int64(101), int64(202)}, fx.mustCall(t, "ThreadIds", at(nil, nil)))
}

func TestCallAndExecuteRaw(t *testing.T) {
	fx := newFixture(t)
	fx.eng.vals["getpid()"] = engine.NewValue("getpid()", "int", "4242")
	require.Equal(t, int64(testPID), fx.mustCall(t, "Call", at(nil, nil), "getpid()"))

	fx.eng.commands["info sharedlibrary"] = "From To Syms Read Shared Object Library\n"
	require.Equal(t, "From To Syms Read Shared Object Library\n", fx.mustCall(t, "ExecuteRaw", at(nil, nil), "info sharedlibrary"))

	fx.mustCall(t, "Continue", at(nil, nil))
	require.True(t, fx.eng.running)
	require.Equal(t, int64(testPID), fx.mustCall(t, "Call", at(nil, nil), "getpid()"))
	require.False(t, fx.eng.running)
}

func TestInjectString(t *testing.T) {
	fx := newFixture(t)
	fx.mustCall(t, "Attach", at(nil, nil))

	got := fx.mustCall(t, "InjectString", at(202, nil), "print 'hi'\n")
	require.Equal(t, int64(0), got)
	require.Equal(t, "1", fx.eng.busyAtContinue)
	require.Equal(t, "0", fx.eng.vals["pendingbusy"].Text)
	require.Equal(t, "1", fx.eng.vals["pendingcalls_to_do"].Text)
	require.Contains(t, fx.eng.executed, "tbreak Py_MakePendingCalls thread 2")
	require.Equal(t, []string{`PyRun_SimpleString("print 'hi'\n")`}, fx.eng.evaluated("PyRun_SimpleString("))
	require.GreaterOrEqual(t, fx.eng.cleared, 1)
}

func TestInjectSingleThread(t *testing.T) {
	fx := newFixture(t)
	fx.eng.threads = 1
	fx.mustCall(t, "Attach", at(nil, nil))
	fx.mustCall(t, "InjectString", at(101, nil), "pass")
	require.Contains(t, fx.eng.executed, "tbreak Py_MakePendingCalls thread 1")
	require.NotContains(t, fx.eng.executed, "info threads")
}

func TestInjectClearsBusyOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeEngine)
		kind  wire.FaultKind
	}{
		{"exited", func(f *fakeEngine) { f.stop = engine.Stop{Reason: "exited-normally"} }, wire.FaultProxy},
		{"async", func(f *fakeEngine) { f.asyncAfterContinue = true }, wire.FaultConfiguration},
		{"continue error", func(f *fakeEngine) { f.continueErr = &engine.Error{Op: "continue", Msg: "boom"} }, wire.FaultProxy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			fx.mustCall(t, "Attach", at(nil, nil))
			tt.setup(fx.eng)

			_, fault := fx.call(t, "InjectString", at(101, nil), "pass")
			require.NotNil(t, fault)
			require.Equal(t, tt.kind, fault.Kind)
			require.Equal(t, "1", fx.eng.busyAtContinue)
			require.Equal(t, "0", fx.eng.vals["pendingbusy"].Text)
			require.Empty(t, fx.eng.evaluated("PyRun_SimpleString("))
		})
	}
}

func TestInjectPreconditions(t *testing.T) {
	t.Run("not attached", func(t *testing.T) {
		fx := newFixture(t)
		_, fault := fx.call(t, "InjectString", at(101, nil), "pass")
		require.NotNil(t, fault)
		require.Equal(t, wire.FaultPositionUnavailable, fault.Kind)
		require.Empty(t, fx.eng.evaluated("pendingbusy"))
	})
	t.Run("no thread", func(t *testing.T) {
		fx := newFixture(t)
		fx.mustCall(t, "Attach", at(nil, nil))
		_, fault := fx.call(t, "InjectString", at(nil, nil), "pass")
		require.NotNil(t, fault)
		require.Equal(t, wire.FaultPositionUnavailable, fault.Kind)
	})
	t.Run("missing pending flags", func(t *testing.T) {
		fx := newFixture(t)
		delete(fx.eng.vals, "pendingbusy")
		fx.mustCall(t, "Attach", at(nil, nil))
		fx.eng.executed = nil
		_, fault := fx.call(t, "InjectString", at(101, nil), "pass")
		require.NotNil(t, fault)
		require.Equal(t, wire.FaultConfiguration, fault.Kind)
		require.Empty(t, fx.eng.executed)
	})
}

func TestInjectFile(t *testing.T) {
	fx := newFixture(t)
	fx.mustCall(t, "Attach", at(nil, nil))
	fx.mustCall(t, "InjectFile", at(101, nil), "/tmp/payload.py")

	require.Equal(t, []string{`fopen("/tmp/payload.py", "r")`}, fx.eng.evaluated("fopen("))
	require.Equal(t, []string{`PyRun_SimpleFile((FILE *) 0x5000, "/tmp/payload.py")`}, fx.eng.evaluated("PyRun_SimpleFile("))
	require.Equal(t, []string{`fclose((FILE *) 0x5000)`}, fx.eng.evaluated("fclose("))

	fx.mustCall(t, "Continue", at(101, nil))
	require.True(t, fx.eng.running)
	fx.mustCall(t, "InjectFile", at(101, nil), "/tmp/payload.py")
	require.Len(t, fx.eng.evaluated("fopen("), 2)
	require.False(t, fx.eng.fopenWhileRunning)

	fx.eng.fopenResult = 0
	_, fault := fx.call(t, "InjectFile", at(101, nil), "/tmp/missing.py")
	require.NotNil(t, fault)
	require.Contains(t, fault.Message, "could not open")
	require.Len(t, fx.eng.evaluated("PyRun_SimpleFile("), 2)
}

func TestInjectSentinel(t *testing.T) {
	fx := newFixture(t)
	fx.mustCall(t, "Attach", at(nil, nil))
	fx.mustCall(t, "InjectSentinel", at(101, nil))
	calls := fx.eng.evaluated("PyRun_SimpleString(")
	require.Len(t, calls, 1)
	require.Contains(t, calls[0], "execsock")
	require.Contains(t, calls[0], "__kill_ack__")
}

func TestEnsureGdbPosition(t *testing.T) {
	fx := newFixture(t)
	fx.mustCall(t, "EnsureGdbPosition", testPID, 101, 1)
	require.False(t, fx.svc.frame.isNull())

	_, fault := fx.call(t, "EnsureGdbPosition", testPID, 101, 4)
	require.NotNil(t, fault)
	require.True(t, fx.svc.frame.isNull())
}

func TestOperationsTable(t *testing.T) {
	svc := New(newFakeEngine())
	require.Len(t, svc.Operations(), 22)
	for _, name := range svc.Operations() {
		require.False(t, strings.HasPrefix(name, wire.PrivatePrefix), name)
	}
}
