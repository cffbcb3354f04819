package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/go-logr/logr"

	"github.com/dshills/pyringe/internal/engine"
	"github.com/dshills/pyringe/internal/wire"
)

// Limits bound how much of the target a single request may read.
type Limits struct {
	// MaxChainSteps caps every linked-list and hash-table walk.
	MaxChainSteps int
	// MaxStringLength caps decoded strings, in characters.
	MaxStringLength int
	// MaxItems caps decoded containers.
	MaxItems int
	// MaxDepth caps container nesting.
	MaxDepth int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxChainSteps:   100000,
		MaxStringLength: 4096,
		MaxItems:        1000,
		MaxDepth:        4,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. The helper must never log to the
// diagnostic stream, so the default discards.
func WithLogger(log logr.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithLimits overrides the read limits. Non-positive fields keep their
// defaults.
func WithLimits(l Limits) Option {
	return func(s *Service) {
		d := DefaultLimits()
		if l.MaxChainSteps > 0 {
			d.MaxChainSteps = l.MaxChainSteps
		}
		if l.MaxStringLength > 0 {
			d.MaxStringLength = l.MaxStringLength
		}
		if l.MaxItems > 0 {
			d.MaxItems = l.MaxItems
		}
		if l.MaxDepth > 0 {
			d.MaxDepth = l.MaxDepth
		}
		s.opts = d
	}
}

// handler runs one operation on decoded positional arguments.
type handler func(ctx context.Context, args []any) (any, error)

// Service answers requests by driving an engine attached to the target.
// It is single-threaded: Serve handles one request at a time.
type Service struct {
	eng  engine.Engine
	log  logr.Logger
	opts Limits

	syms   *symbols
	tstate ref
	frame  ref

	ops map[string]handler
}

// New creates a Service over eng.
func New(eng engine.Engine, opts ...Option) *Service {
	s := &Service{
		eng:  eng,
		log:  logr.Discard(),
		opts: DefaultLimits(),
		syms: &symbols{typeNames: make(map[uint64]string)},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ops = s.operations()
	return s
}

// Operations lists the dispatchable operation names.
func (s *Service) Operations() []string {
	names := make([]string, 0, len(s.ops))
	for name := range s.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serve reads request lines from in until EOF or the termination
// sentinel. Results go to out and faults to errOut, one line each. It
// returns early only when the engine dies or a stream fails.
func (s *Service) Serve(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	r := bufio.NewReader(in)
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			stop, err := s.serveLine(ctx, line, out, errOut)
			if err != nil || stop {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", readErr)
		}
	}
}

func (s *Service) serveLine(ctx context.Context, line []byte, out, errOut io.Writer) (bool, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return false, nil
	}

	req, err := wire.DecodeRequest(line)
	if err != nil {
		return false, writeFault(errOut, rpcFault("%v", err))
	}

	if req.IsKill() {
		if err := s.eng.ClearBreakpoints(ctx); err != nil && !errors.Is(err, engine.ErrNotAttached) {
			s.log.Error(err, "Failed to clear breakpoints on kill")
		}
		if err := writeLine(out, []byte(`"`+wire.KillAck+`"`)); err != nil {
			return true, err
		}
		s.log.Info("Killed")
		return true, nil
	}

	result, fault := s.dispatch(ctx, req)
	if fault == nil {
		data, err := wire.Encode(result)
		if err == nil {
			return false, writeLine(out, data)
		}
		fault = proxyFault("encode result of %s: %v", req.Func, err)
	}

	if err := writeFault(errOut, fault); err != nil {
		return true, err
	}
	if fault.Kind == wire.FaultEngine {
		return true, fmt.Errorf("%s: %w", req.Func, engine.ErrEngineDead)
	}
	return false, nil
}

// dispatch runs one request, turning errors and panics into faults.
func (s *Service) dispatch(ctx context.Context, req wire.Request) (result any, fault *wire.Fault) {
	if req.IsPrivate() {
		return nil, rpcFault("Tried to call private function %s", req.Func)
	}
	h, ok := s.ops[req.Func]
	if !ok {
		return nil, rpcFault("No such function %s", req.Func)
	}

	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8192)
			n := runtime.Stack(stack, false)
			result = nil
			fault = proxyFault("%s panicked: %v", req.Func, r)
			fault.Detail = string(stack[:n])
		}
	}()

	s.log.V(1).Info("Request", "func", req.Func, "args", len(req.Args))
	v, err := h(ctx, req.Args)
	if err != nil {
		f := toFault(err)
		s.log.V(1).Info("Request failed", "func", req.Func, "kind", string(f.Kind), "message", f.Message)
		return nil, f
	}
	return v, nil
}

func writeFault(w io.Writer, f *wire.Fault) error {
	data, err := wire.EncodeFault(f)
	if err != nil {
		return err
	}
	return writeLine(w, data)
}

func writeLine(w io.Writer, data []byte) error {
	_, err := w.Write(append(data, '\n'))
	return err
}
