package service

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/dshills/pyringe/internal/engine"
)

// ref is a typed pointer into the target.
type ref struct {
	typ  string
	addr uint64
}

func (r ref) isNull() bool {
	return r.addr == 0
}

func (r ref) expr() string {
	return fmt.Sprintf("((%s *) %#x)", r.typ, r.addr)
}

func (r ref) as(typ string) ref {
	return ref{typ: typ, addr: r.addr}
}

// field evaluates r->path, where path may include indexing and member
// access such as "ma_table[3].me_key".
func (s *Service) field(ctx context.Context, r ref, path string) (engine.Value, error) {
	if r.isNull() {
		return engine.Value{}, fmt.Errorf("read %s of NULL %s", path, r.typ)
	}
	return s.eng.Eval(ctx, r.expr()+"->"+path)
}

func (s *Service) ptrField(ctx context.Context, r ref, path, typ string) (ref, error) {
	v, err := s.field(ctx, r, path)
	if err != nil {
		return ref{}, err
	}
	addr, err := v.Addr()
	if err != nil {
		return ref{}, err
	}
	return ref{typ: typ, addr: addr}, nil
}

func (s *Service) intField(ctx context.Context, r ref, path string) (int64, error) {
	v, err := s.field(ctx, r, path)
	if err != nil {
		return 0, err
	}
	return v.Int()
}

// fieldAddr returns the address of r->path, used for inline arrays.
func (s *Service) fieldAddr(ctx context.Context, r ref, path string) (uint64, error) {
	if r.isNull() {
		return 0, fmt.Errorf("address of %s in NULL %s", path, r.typ)
	}
	v, err := s.eng.Eval(ctx, "&"+r.expr()+"->"+path)
	if err != nil {
		return 0, err
	}
	return v.Addr()
}

// derefPtr reads the pointer stored at addr.
func (s *Service) derefPtr(ctx context.Context, addr uint64, typ string) (ref, error) {
	v, err := s.eng.Eval(ctx, fmt.Sprintf("*((PyObject **) %#x)", addr))
	if err != nil {
		return ref{}, err
	}
	p, err := v.Addr()
	if err != nil {
		return ref{}, err
	}
	return ref{typ: typ, addr: p}, nil
}

const cStringChunk = 64

// readCString reads a NUL-terminated string of at most limit bytes.
func (s *Service) readCString(ctx context.Context, addr uint64, limit int) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("read string at NULL")
	}
	var buf []byte
	for len(buf) < limit {
		n := min(cStringChunk, limit-len(buf))
		chunk, err := s.eng.ReadMemory(ctx, addr+uint64(len(buf)), n)
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk...)
		if err != nil {
			if len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
	}
	return string(buf), nil
}

// chain walks a NULL-terminated linked list starting at head, following
// the next member. The sequence can be ranged over more than once; each
// pass re-reads the target.
func (s *Service) chain(ctx context.Context, head ref, next string) iter.Seq2[ref, error] {
	return func(yield func(ref, error) bool) {
		cur := head
		for steps := 0; !cur.isNull(); steps++ {
			if steps >= s.opts.MaxChainSteps {
				yield(ref{}, fmt.Errorf("%w: %s->%s after %d steps", errChainTooLong, head.typ, next, steps))
				return
			}
			if !yield(cur, nil) {
				return
			}
			nxt, err := s.ptrField(ctx, cur, next, cur.typ)
			if err != nil {
				yield(ref{}, err)
				return
			}
			cur = nxt
		}
	}
}

func collect(seq iter.Seq2[ref, error]) ([]ref, error) {
	var out []ref
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// cString renders s as a C string literal for use in target calls.
func cString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, `\%03o`, c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

// unpack maps an engine value to the nearest plain scalar.
func unpack(v engine.Value) any {
	switch v.Code {
	case engine.TypeInt, engine.TypeEnum:
		if n, err := v.Int(); err == nil {
			return n
		}
	case engine.TypeVoid:
		return nil
	case engine.TypePtr:
		if a, err := v.Addr(); err == nil {
			return a
		}
	}
	return v.Text
}
