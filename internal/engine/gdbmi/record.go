package gdbmi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RecordKind classifies one line of MI output.
type RecordKind int

const (
	KindResult  RecordKind = iota // ^done, ^error, ...
	KindExec                      // *stopped, *running
	KindStatus                    // +download
	KindNotify                    // =thread-created
	KindConsole                   // ~"text"
	KindTarget                    // @"text"
	KindLog                       // &"text"
	KindPrompt                    // (gdb)
)

// Record is one parsed MI output line.
type Record struct {
	Kind RecordKind
	// Token is the command token, or -1 when absent.
	Token   int
	Class   string
	Results Tuple
	// Stream holds the decoded text of stream records.
	Stream string
}

// Result is a name=value pair.
type Result struct {
	Name  string
	Value any
}

// Tuple is an ordered list of results. Values are string, Tuple or List.
type Tuple []Result

// List elements are string, Tuple, List or Result.
type List []any

// Get returns the first value named name.
func (t Tuple) Get(name string) (any, bool) {
	for _, r := range t {
		if r.Name == name {
			return r.Value, true
		}
	}
	return nil, false
}

// String returns the named constant, or "".
func (t Tuple) String(name string) string {
	v, _ := t.Get(name)
	s, _ := v.(string)
	return s
}

// Tuple returns the named tuple, or nil.
func (t Tuple) Tuple(name string) Tuple {
	v, _ := t.Get(name)
	tu, _ := v.(Tuple)
	return tu
}

// List returns the named list, or nil. An empty tuple "{}" counts as an
// empty list.
func (t Tuple) List(name string) List {
	v, _ := t.Get(name)
	l, _ := v.(List)
	return l
}

var errSyntax = errors.New("malformed MI record")

// ParseRecord parses a single MI output line.
func ParseRecord(line string) (*Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "(gdb)" {
		return &Record{Kind: KindPrompt, Token: -1}, nil
	}

	p := &parser{s: line}
	rec := &Record{Token: -1}

	start := p.i
	for p.i < len(p.s) && p.s[p.i] >= '0' && p.s[p.i] <= '9' {
		p.i++
	}
	if p.i > start {
		tok, err := strconv.Atoi(p.s[start:p.i])
		if err != nil {
			return nil, fmt.Errorf("%w: token: %v", errSyntax, err)
		}
		rec.Token = tok
	}

	if p.i >= len(p.s) {
		return nil, fmt.Errorf("%w: %q", errSyntax, line)
	}

	c := p.s[p.i]
	p.i++
	switch c {
	case '~', '@', '&':
		s, err := p.cstring()
		if err != nil {
			return nil, err
		}
		rec.Stream = s
		rec.Kind = map[byte]RecordKind{'~': KindConsole, '@': KindTarget, '&': KindLog}[c]
		return rec, nil
	case '^':
		rec.Kind = KindResult
	case '*':
		rec.Kind = KindExec
	case '+':
		rec.Kind = KindStatus
	case '=':
		rec.Kind = KindNotify
	default:
		return nil, fmt.Errorf("%w: %q", errSyntax, line)
	}

	start = p.i
	for p.i < len(p.s) && p.s[p.i] != ',' {
		p.i++
	}
	rec.Class = p.s[start:p.i]

	for p.i < len(p.s) {
		if !p.eat(',') {
			return nil, fmt.Errorf("%w: expected ',' at %d in %q", errSyntax, p.i, line)
		}
		r, err := p.result()
		if err != nil {
			return nil, err
		}
		rec.Results = append(rec.Results, r)
	}
	return rec, nil
}

type parser struct {
	s string
	i int
}

func (p *parser) eat(c byte) bool {
	if p.i < len(p.s) && p.s[p.i] == c {
		p.i++
		return true
	}
	return false
}

func (p *parser) peek() byte {
	if p.i < len(p.s) {
		return p.s[p.i]
	}
	return 0
}

func (p *parser) result() (Result, error) {
	start := p.i
	for p.i < len(p.s) && p.s[p.i] != '=' {
		switch p.s[p.i] {
		case ',', '{', '}', '[', ']', '"':
			return Result{}, fmt.Errorf("%w: bad variable at %d in %q", errSyntax, start, p.s)
		}
		p.i++
	}
	name := p.s[start:p.i]
	if !p.eat('=') || name == "" {
		return Result{}, fmt.Errorf("%w: expected name= at %d in %q", errSyntax, start, p.s)
	}
	v, err := p.value()
	if err != nil {
		return Result{}, err
	}
	return Result{Name: name, Value: v}, nil
}

func (p *parser) value() (any, error) {
	switch p.peek() {
	case '"':
		return p.cstring()
	case '{':
		p.i++
		t := Tuple{}
		if p.eat('}') {
			return t, nil
		}
		for {
			r, err := p.result()
			if err != nil {
				return nil, err
			}
			t = append(t, r)
			if p.eat('}') {
				return t, nil
			}
			if !p.eat(',') {
				return nil, fmt.Errorf("%w: unterminated tuple in %q", errSyntax, p.s)
			}
		}
	case '[':
		p.i++
		l := List{}
		if p.eat(']') {
			return l, nil
		}
		for {
			var item any
			var err error
			switch p.peek() {
			case '"', '{', '[':
				item, err = p.value()
			default:
				item, err = p.result()
			}
			if err != nil {
				return nil, err
			}
			l = append(l, item)
			if p.eat(']') {
				return l, nil
			}
			if !p.eat(',') {
				return nil, fmt.Errorf("%w: unterminated list in %q", errSyntax, p.s)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d in %q", errSyntax, p.peek(), p.i, p.s)
	}
}

// cstring decodes a quoted C string.
func (p *parser) cstring() (string, error) {
	if !p.eat('"') {
		return "", fmt.Errorf("%w: expected string in %q", errSyntax, p.s)
	}
	var b strings.Builder
	for p.i < len(p.s) {
		c := p.s[p.i]
		p.i++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.i >= len(p.s) {
				return "", fmt.Errorf("%w: dangling escape in %q", errSyntax, p.s)
			}
			e := p.s[p.i]
			p.i++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case 'e':
				b.WriteByte(0x1b)
			case 'a':
				b.WriteByte(0x07)
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'v':
				b.WriteByte('\v')
			case '0', '1', '2', '3', '4', '5', '6', '7':
				n := int(e - '0')
				for k := 0; k < 2 && p.i < len(p.s) && p.s[p.i] >= '0' && p.s[p.i] <= '7'; k++ {
					n = n*8 + int(p.s[p.i]-'0')
					p.i++
				}
				b.WriteByte(byte(n))
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("%w: unterminated string in %q", errSyntax, p.s)
}

// Quote renders s as an MI c-string argument.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
