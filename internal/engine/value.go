package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// TypeCode is the coarse category of a value's type.
type TypeCode int

const (
	TypeOther TypeCode = iota
	TypeInt
	TypeEnum
	TypePtr
	TypeArray
	TypeVoid
	TypeFloat
	TypeBool
	TypeStruct
)

var typeCodeNames = [...]string{
	TypeOther:  "other",
	TypeInt:    "int",
	TypeEnum:   "enum",
	TypePtr:    "ptr",
	TypeArray:  "array",
	TypeVoid:   "void",
	TypeFloat:  "float",
	TypeBool:   "bool",
	TypeStruct: "struct",
}

func (c TypeCode) String() string {
	if int(c) < len(typeCodeNames) {
		return typeCodeNames[c]
	}
	return fmt.Sprintf("TypeCode(%d)", int(c))
}

// Value is the result of evaluating an expression.
type Value struct {
	Expr string
	Type string
	Text string
	Code TypeCode
}

// NewValue builds a Value and classifies it.
func NewValue(expr, typ, text string) Value {
	return Value{Expr: expr, Type: typ, Text: text, Code: Classify(typ, text)}
}

var intTypeWords = map[string]bool{
	"char": true, "short": true, "int": true, "long": true,
	"signed": true, "unsigned": true,
	"size_t": true, "ssize_t": true, "Py_ssize_t": true, "Py_hash_t": true,
	"int8_t": true, "int16_t": true, "int32_t": true, "int64_t": true,
	"uint8_t": true, "uint16_t": true, "uint32_t": true, "uint64_t": true,
	"uintptr_t": true, "intptr_t": true, "pid_t": true, "pthread_t": true,
}

// Classify derives a TypeCode from a type name and, where the name is an
// unknown typedef, the printed value.
func Classify(typ, text string) TypeCode {
	t := strings.TrimSpace(typ)
	t = strings.TrimPrefix(t, "const ")
	t = strings.TrimPrefix(t, "volatile ")

	switch {
	case t == "":
		return TypeOther
	case strings.HasSuffix(t, "*"):
		return TypePtr
	case strings.HasSuffix(t, "]"):
		return TypeArray
	case t == "void":
		return TypeVoid
	case t == "float" || t == "double" || t == "long double":
		return TypeFloat
	case t == "bool" || t == "_Bool":
		return TypeBool
	case strings.HasPrefix(t, "enum "):
		return TypeEnum
	case strings.HasPrefix(t, "struct ") || strings.HasPrefix(t, "union "):
		return TypeStruct
	}

	words := strings.Fields(t)
	allInt := true
	for _, w := range words {
		if !intTypeWords[w] {
			allInt = false
			break
		}
	}
	if allInt {
		return TypeInt
	}

	// unknown typedef, look at the value
	v := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(v, "{"):
		return TypeStruct
	case strings.HasPrefix(v, "0x"):
		return TypePtr
	}
	if _, err := strconv.ParseInt(firstField(v), 0, 64); err == nil {
		return TypeInt
	}
	return TypeOther
}

// IsPointer reports whether the value is a pointer.
func (v Value) IsPointer() bool {
	return v.Code == TypePtr
}

// Int parses the value as an integer. Character values print as
// `97 'a'`; only the number counts.
func (v Value) Int() (int64, error) {
	f := firstField(v.Text)
	if n, err := strconv.ParseInt(f, 0, 64); err == nil {
		return n, nil
	}
	if u, err := strconv.ParseUint(f, 0, 64); err == nil {
		return int64(u), nil
	}
	switch f {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	return 0, fmt.Errorf("value of %s is not an integer: %q", v.Expr, v.Text)
}

// Float parses the value as a floating point number.
func (v Value) Float() (float64, error) {
	f, err := strconv.ParseFloat(firstField(v.Text), 64)
	if err != nil {
		return 0, fmt.Errorf("value of %s is not a float: %q", v.Expr, v.Text)
	}
	return f, nil
}

// Bool reports whether the value is non-zero.
func (v Value) Bool() (bool, error) {
	n, err := v.Int()
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

var addrRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)

// Addr returns the first hexadecimal address in the value's text.
// A null pointer prints as 0x0.
func (v Value) Addr() (uint64, error) {
	m := addrRe.FindString(v.Text)
	if m == "" {
		if n, err := v.Int(); err == nil {
			return uint64(n), nil
		}
		return 0, fmt.Errorf("value of %s has no address: %q", v.Expr, v.Text)
	}
	return strconv.ParseUint(m[2:], 16, 64)
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
