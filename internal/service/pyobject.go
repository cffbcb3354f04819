package service

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dshills/pyringe/internal/wire"
)

// tpFlagsHeapType marks types created by class statements.
const tpFlagsHeapType = 1 << 9

// decodeOpts bound how much of an object graph is materialized.
type decodeOpts struct {
	depth int
	// proxy allows instances to become tagged proxy objects. Attribute
	// values of a proxy are rendered without it, so only one level of
	// object references is expanded.
	proxy bool
}

func (o decodeOpts) nested() decodeOpts {
	return decodeOpts{depth: o.depth - 1, proxy: o.proxy}
}

func (s *Service) topLevel() decodeOpts {
	return decodeOpts{depth: s.opts.MaxDepth, proxy: true}
}

// typeName returns tp_name of obj's type.
func (s *Service) typeName(ctx context.Context, obj ref) (string, uint64, error) {
	typ, err := s.ptrField(ctx, obj.as("PyObject"), "ob_type", "PyTypeObject")
	if err != nil {
		return "", 0, err
	}
	if name, ok := s.syms.typeNames[typ.addr]; ok {
		return name, typ.addr, nil
	}
	namePtr, err := s.ptrField(ctx, typ, "tp_name", "char")
	if err != nil {
		return "", 0, err
	}
	name, err := s.readCString(ctx, namePtr.addr, 256)
	if err != nil {
		return "", 0, err
	}
	if s.syms.typeNames != nil {
		s.syms.typeNames[typ.addr] = name
	}
	return name, typ.addr, nil
}

// pyValue converts the object at addr into a plain Go value.
func (s *Service) pyValue(ctx context.Context, addr uint64, o decodeOpts) (any, error) {
	if addr == 0 {
		return nil, nil
	}
	obj := ref{typ: "PyObject", addr: addr}
	name, typAddr, err := s.typeName(ctx, obj)
	if err != nil {
		return nil, err
	}

	switch name {
	case "NoneType":
		return nil, nil
	case "bool":
		n, err := s.intField(ctx, obj.as("PyIntObject"), "ob_ival")
		return n != 0, err
	case "int":
		return s.intField(ctx, obj.as("PyIntObject"), "ob_ival")
	case "long":
		return s.pyLong(ctx, obj.as("PyLongObject"))
	case "float":
		v, err := s.field(ctx, obj.as("PyFloatObject"), "ob_fval")
		if err != nil {
			return nil, err
		}
		return v.Float()
	case "str":
		return s.pyString(ctx, obj.as("PyStringObject"))
	case "unicode":
		return s.pyUnicode(ctx, obj.as("PyUnicodeObject"))
	}

	if o.depth <= 0 {
		return opaqueText(name, addr), nil
	}

	switch name {
	case "tuple":
		return s.pySequence(ctx, obj.as("PyTupleObject"), o)
	case "list":
		return s.pySequence(ctx, obj.as("PyListObject"), o)
	case "dict":
		return s.pyDict(ctx, obj.as("PyDictObject"), o)
	case "instance":
		if !o.proxy {
			return opaqueText(name, addr), nil
		}
		p, err := s.oldStyleInstance(ctx, obj, o)
		if err != nil {
			s.log.V(1).Info("Instance not decomposable", "address", fmt.Sprintf("%#x", addr), "error", err.Error())
			return opaqueText(name, addr), nil
		}
		return p, nil
	}

	if o.proxy {
		typ := ref{typ: "PyTypeObject", addr: typAddr}
		flags, err := s.intField(ctx, typ, "tp_flags")
		if err == nil && flags&tpFlagsHeapType != 0 {
			p, err := s.heapInstance(ctx, obj, typ, name, o)
			if err == nil {
				return p, nil
			}
			s.log.V(1).Info("Heap instance not decomposable", "type", name, "error", err.Error())
		}
	}
	return opaqueText(name, addr), nil
}

func opaqueText(typeName string, addr uint64) string {
	return fmt.Sprintf("<%s object at remote %#x>", typeName, addr)
}

func (s *Service) pyString(ctx context.Context, str ref) (string, error) {
	size, err := s.intField(ctx, str, "ob_size")
	if err != nil {
		return "", err
	}
	if size <= 0 {
		return "", nil
	}
	n := min(int(size), s.opts.MaxStringLength)
	data, err := s.fieldAddr(ctx, str, "ob_sval")
	if err != nil {
		return "", err
	}
	b, err := s.eng.ReadMemory(ctx, data, n)
	if err != nil {
		return "", err
	}
	if n < int(size) {
		b = trimPartialRune(b)
	}
	return string(b), nil
}

// trimPartialRune drops a multi-byte character cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i]
		}
		break
	}
	return b
}

func (s *Service) pyUnicode(ctx context.Context, u ref) (string, error) {
	length, err := s.intField(ctx, u, "length")
	if err != nil {
		return "", err
	}
	if length <= 0 {
		return "", nil
	}
	n := min(int(length), s.opts.MaxStringLength)
	data, err := s.ptrField(ctx, u, "str", "Py_UNICODE")
	if err != nil {
		return "", err
	}
	unit := s.syms.unicodeUnit
	if unit == 0 {
		unit = 4
	}
	b, err := s.eng.ReadMemory(ctx, data.addr, n*unit)
	if err != nil {
		return "", err
	}
	// A cut surrogate pair would decode to U+FFFD.
	if n < int(length) && unit == 2 && len(b) >= 2 {
		if last := rune(b[len(b)-2]) | rune(b[len(b)-1])<<8; last >= 0xd800 && last < 0xdc00 {
			b = b[:len(b)-2]
		}
	}
	return decodeUnicode(b, unit), nil
}

// decodeUnicode decodes little-endian UCS-2/UTF-16 or UCS-4 code units.
func decodeUnicode(b []byte, unit int) string {
	if unit == 2 {
		units := make([]uint16, len(b)/2)
		for i := range units {
			units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
		}
		return string(utf16.Decode(units))
	}
	runes := make([]rune, len(b)/4)
	for i := range runes {
		runes[i] = rune(uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24)
	}
	return string(runes)
}

// pyLong assembles a long from its digits. Values that do not fit an
// int64 come back as decimal text.
func (s *Service) pyLong(ctx context.Context, l ref) (any, error) {
	size, err := s.intField(ctx, l, "ob_size")
	if err != nil {
		return nil, err
	}
	neg := size < 0
	if neg {
		size = -size
	}
	if int(size) > s.opts.MaxItems {
		return opaqueText("long", l.addr), nil
	}
	bits := uint(s.syms.digitBits)
	if bits == 0 {
		bits = 30
	}
	v := new(big.Int)
	for i := int(size) - 1; i >= 0; i-- {
		d, err := s.intField(ctx, l, "ob_digit["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		v.Lsh(v, bits)
		v.Or(v, big.NewInt(d))
	}
	if neg {
		v.Neg(v)
	}
	if v.IsInt64() {
		return v.Int64(), nil
	}
	return v.String(), nil
}

func (s *Service) pySequence(ctx context.Context, seq ref, o decodeOpts) ([]any, error) {
	size, err := s.intField(ctx, seq, "ob_size")
	if err != nil {
		return nil, err
	}
	n := min(int(size), s.opts.MaxItems)
	out := make([]any, 0, max(n, 0))
	for i := 0; i < n; i++ {
		item, err := s.ptrField(ctx, seq, "ob_item["+strconv.Itoa(i)+"]", "PyObject")
		if err != nil {
			return nil, err
		}
		v, err := s.pyValue(ctx, item.addr, o.nested())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// dictEntries yields live (key, value) pointer pairs of a dict.
func (s *Service) dictEntries(ctx context.Context, d ref, yield func(key, value uint64) (bool, error)) error {
	mask, err := s.intField(ctx, d, "ma_mask")
	if err != nil {
		return err
	}
	if mask+1 > int64(s.opts.MaxChainSteps) {
		return fmt.Errorf("%w: dict table of %d slots", errChainTooLong, mask+1)
	}
	for i := int64(0); i <= mask; i++ {
		slot := "ma_table[" + strconv.FormatInt(i, 10) + "]"
		val, err := s.ptrField(ctx, d, slot+".me_value", "PyObject")
		if err != nil {
			return err
		}
		if val.isNull() {
			continue
		}
		key, err := s.ptrField(ctx, d, slot+".me_key", "PyObject")
		if err != nil {
			return err
		}
		if key.isNull() {
			continue
		}
		more, err := yield(key.addr, val.addr)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

func (s *Service) pyDict(ctx context.Context, d ref, o decodeOpts) (map[string]any, error) {
	out := make(map[string]any)
	err := s.dictEntries(ctx, d, func(k, v uint64) (bool, error) {
		key, err := s.pyValue(ctx, k, decodeOpts{depth: 1})
		if err != nil {
			return false, err
		}
		val, err := s.pyValue(ctx, v, o.nested())
		if err != nil {
			return false, err
		}
		out[pyKeyText(key)] = val
		return len(out) < s.opts.MaxItems, nil
	})
	return out, err
}

// pyKeyText renders a decoded key the way the runtime's str() would.
func pyKeyText(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			if str, ok := item.(string); ok {
				parts[i] = "'" + str + "'"
			} else {
				parts[i] = pyKeyText(item)
			}
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	return fmt.Sprint(k)
}

// oldStyleInstance proxies an instance of a classic class: the class
// dict overlaid with the instance dict.
func (s *Service) oldStyleInstance(ctx context.Context, obj ref, o decodeOpts) (*wire.ProxyObject, error) {
	inst := obj.as("PyInstanceObject")
	class, err := s.ptrField(ctx, inst, "in_class", "PyClassObject")
	if err != nil {
		return nil, err
	}
	namePtr, err := s.ptrField(ctx, class, "cl_name", "PyStringObject")
	if err != nil {
		return nil, err
	}
	name, err := s.pyString(ctx, namePtr)
	if err != nil {
		return nil, err
	}
	classDict, err := s.ptrField(ctx, class, "cl_dict", "PyDictObject")
	if err != nil {
		return nil, err
	}
	instDict, err := s.ptrField(ctx, inst, "in_dict", "PyDictObject")
	if err != nil {
		return nil, err
	}
	attrs, err := s.mergedAttrs(ctx, classDict, instDict, o)
	if err != nil {
		return nil, err
	}
	return &wire.ProxyObject{TypeName: name, Address: obj.addr, Attrs: attrs}, nil
}

// heapInstance proxies an instance of a class-statement type. A type
// without an instance dict cannot be decomposed.
func (s *Service) heapInstance(ctx context.Context, obj, typ ref, name string, o decodeOpts) (*wire.ProxyObject, error) {
	var classDict ref
	if s.syms.hasType && s.syms.hasDict {
		if d, err := s.ptrField(ctx, typ, "tp_dict", "PyDictObject"); err == nil {
			classDict = d
		}
	}

	offset, err := s.intField(ctx, typ, "tp_dictoffset")
	if err != nil {
		return nil, err
	}
	if offset <= 0 {
		return nil, fmt.Errorf("type %s has no instance dict", name)
	}
	instDict, err := s.derefPtr(ctx, obj.addr+uint64(offset), "PyDictObject")
	if err != nil {
		return nil, err
	}

	attrs, err := s.mergedAttrs(ctx, classDict, instDict, o)
	if err != nil {
		return nil, err
	}
	return &wire.ProxyObject{TypeName: name, Address: obj.addr, Attrs: attrs}, nil
}

// mergedAttrs overlays the instance dict on the class dict. Either may be
// NULL.
func (s *Service) mergedAttrs(ctx context.Context, classDict, instDict ref, o decodeOpts) (map[string]any, error) {
	attrOpts := decodeOpts{depth: o.depth - 1}
	attrs := make(map[string]any)
	if !classDict.isNull() {
		class, err := s.pyDict(ctx, classDict, attrOpts)
		if err != nil {
			s.log.V(1).Info("Class dict unreadable", "error", err.Error())
		}
		for k, v := range class {
			attrs[k] = v
		}
	}
	if !instDict.isNull() {
		inst, err := s.pyDict(ctx, instDict, attrOpts)
		if err != nil {
			return nil, err
		}
		for k, v := range inst {
			attrs[k] = v
		}
	}
	return attrs, nil
}
