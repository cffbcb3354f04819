package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// threadLineRe matches a line of "info threads", capturing the engine's
// thread number and the pthread id.
//
//	8    Thread 0x7f0a637fe700 (LWP 11894) "test.py" 0x00007f0a69563e63 in select ()
var threadLineRe = regexp.MustCompile(`^\s*\**\s*([0-9]+)\s+[a-zA-Z]+\s+([x0-9a-fA-F]+)\s.*`)

// sentinelCode starts a daemon thread in the target that serves
// /tmp/pyringe_<pid>/<ident>.execsock. Each connection carries one JSON
// string: it is evaluated as an expression if possible and executed as
// statements otherwise, and the JSON result is written back.
const sentinelCode = `import json, os, socket, threading
def _pyringe_exec_server():
    sockdir = '/tmp/pyringe_%d' % os.getpid()
    if not os.path.isdir(sockdir):
        os.mkdir(sockdir)
    path = '%s/%d.execsock' % (sockdir, threading.current_thread().ident)
    if os.path.exists(path):
        os.remove(path)
    sock = socket.socket(socket.AF_UNIX, socket.SOCK_STREAM)
    sock.bind(path)
    sock.listen(5)
    while True:
        conn, _ = sock.accept()
        data = conn.recv(65536)
        if not data:
            conn.close()
            continue
        if data == '__kill__':
            conn.sendall('__kill_ack__')
            conn.close()
            break
        try:
            code = json.loads(data)
            try:
                result = eval(code, globals())
            except SyntaxError:
                exec code in globals()
                result = None
            reply = json.dumps(result, default=repr)
        except Exception as e:
            reply = json.dumps({'__pyringe_error__': repr(e)})
        conn.sendall(reply)
        conn.close()
    sock.close()
    os.remove(path)
_pyringe_t = threading.Thread(target=_pyringe_exec_server, name='pyringe-sentinel')
_pyringe_t.daemon = True
_pyringe_t.start()
`

// inject runs call at a safe point in the selected thread: a temporary
// breakpoint on the pending-calls hook, armed by raising the
// interpreter's pending-call flags. The busy flag is cleared again on
// every path once the inferior has been resumed.
func (s *Service) inject(ctx context.Context, pos Position, call string) (any, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	if pos.TID == nil {
		return nil, positionUnavailable("injection needs a thread")
	}
	if err := s.stopIfRunning(ctx); err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, Position{PID: pos.PID, TID: pos.TID}, levelThread); err != nil {
		return nil, err
	}
	if s.syms.pendingBusy == "" || s.syms.pendingCallsToDo == "" {
		return nil, configurationFault("pending call flags not found, load a symbol file with static symbols")
	}

	if err := s.eng.ClearBreakpoints(ctx); err != nil {
		return nil, err
	}
	threadNum, err := s.engineThread(ctx, *pos.TID)
	if err != nil {
		return nil, err
	}
	if _, err := s.eng.Execute(ctx, fmt.Sprintf("tbreak Py_MakePendingCalls thread %d", threadNum)); err != nil {
		return nil, err
	}

	if _, err := s.eng.Eval(ctx, s.syms.pendingCallsToDo+" = 1"); err != nil {
		return nil, err
	}
	if _, err := s.eng.Eval(ctx, s.syms.pendingBusy+" = 1"); err != nil {
		return nil, err
	}
	if err := s.runToPendingCalls(ctx); err != nil {
		return nil, err
	}

	v, err := s.eng.Eval(ctx, call)
	if err != nil {
		return nil, err
	}
	return unpack(v), nil
}

func (s *Service) runToPendingCalls(ctx context.Context) (err error) {
	defer func() {
		if _, clearErr := s.eng.Eval(context.WithoutCancel(ctx), s.syms.pendingBusy+" = 0"); clearErr != nil {
			s.log.Error(clearErr, "Failed to clear pendingbusy")
			if err == nil {
				err = clearErr
			}
		}
	}()

	stop, err := s.eng.ContinueSync(ctx)
	if err != nil {
		return err
	}
	if stop.Exited() {
		return proxyFault("inferior %s before reaching a safe point", stop)
	}
	if s.eng.Running() {
		return configurationFault("engine resumed asynchronously, injection needs a stopped inferior")
	}
	s.log.V(1).Info("Reached safe point", "stop", stop.String())
	return nil
}

// engineThread maps a runtime thread id onto the engine's thread number.
func (s *Service) engineThread(ctx context.Context, tid int64) (int, error) {
	count, err := s.eng.ThreadCount(ctx)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		return 1, nil
	}
	listing, err := s.eng.Execute(ctx, "info threads")
	if err != nil {
		return 0, err
	}
	lines := strings.Split(listing, "\n")
	for _, line := range lines[min(1, len(lines)):] {
		m := threadLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(m[2], "0x"), 16, 64)
		if err != nil || int64(id) != tid {
			continue
		}
		return strconv.Atoi(m[1])
	}
	return 0, positionUnavailable("Thread %d has no engine thread", tid)
}

func (s *Service) injectString(ctx context.Context, pos Position, code string) (any, error) {
	return s.inject(ctx, pos, "PyRun_SimpleString("+cString(code)+")")
}

func (s *Service) injectFile(ctx context.Context, pos Position, path string) (any, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	if err := s.stopIfRunning(ctx); err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, Position{PID: pos.PID, TID: pos.TID}, levelThread); err != nil {
		return nil, err
	}
	fp, err := s.eng.Eval(ctx, "fopen("+cString(path)+", \"r\")")
	if err != nil {
		return nil, err
	}
	addr, err := fp.Addr()
	if err != nil || addr == 0 {
		return nil, proxyFault("target could not open %s", path)
	}
	defer func() {
		if _, err := s.eng.Eval(context.WithoutCancel(ctx), fmt.Sprintf("fclose((FILE *) %#x)", addr)); err != nil {
			s.log.Error(err, "Failed to close injected file", "path", path)
		}
	}()
	return s.inject(ctx, pos, fmt.Sprintf("PyRun_SimpleFile((FILE *) %#x, %s)", addr, cString(path)))
}

func (s *Service) injectSentinel(ctx context.Context, pos Position) (any, error) {
	return s.injectString(ctx, pos, sentinelCode)
}

// call evaluates expr in the target, stopping it first if it runs.
func (s *Service) call(ctx context.Context, pos Position, expr string) (any, error) {
	if err := s.stopIfRunning(ctx); err != nil {
		return nil, err
	}
	if err := s.ensurePosition(ctx, pos, pos.implied()); err != nil {
		return nil, err
	}
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	v, err := s.eng.Eval(ctx, expr)
	if err != nil {
		return nil, err
	}
	return unpack(v), nil
}

// stopIfRunning interrupts a target left running by Continue so
// expressions can be evaluated.
func (s *Service) stopIfRunning(ctx context.Context) error {
	if !s.eng.Running() {
		return nil
	}
	return s.eng.Interrupt(ctx)
}
