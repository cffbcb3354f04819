package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// ProxyObject is a shallow snapshot of an opaque object living in the target.
//
// The address is only meaningful for the response that produced it; the
// object it names may be gone by the time the next request is answered.
type ProxyObject struct {
	// TypeName is the runtime type name of the object.
	TypeName string

	// Address is the object's address inside the target process.
	Address uint64

	// Attrs holds class-level attributes overlaid with instance attributes.
	Attrs map[string]any
}

// String returns a repr-like description of the object.
func (p *ProxyObject) String() string {
	return fmt.Sprintf("<proxy of %s object at remote %#x>", p.TypeName, p.Address)
}

// Attr returns a single attribute.
func (p *ProxyObject) Attr(name string) (any, bool) {
	v, ok := p.Attrs[name]
	return v, ok
}

// Names returns the attribute names in sorted order.
func (p *ProxyObject) Names() []string {
	names := make([]string, 0, len(p.Attrs))
	for k := range p.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// flatten renders the object as a tagged JSON object.
func (p *ProxyObject) flatten() (map[string]any, error) {
	out := make(map[string]any, len(p.Attrs)+2)
	for k, v := range p.Attrs {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = nv
	}
	out[TypeNameKey] = p.TypeName
	out[AddressKey] = p.Address
	return out, nil
}

// Encode renders a value as a single JSON document.
func Encode(v any) ([]byte, error) {
	nv, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nv)
}

// normalize converts v into something encoding/json renders faithfully.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, nil
	case float32:
		return normalizeFloat(float64(x)), nil
	case float64:
		return normalizeFloat(x), nil
	case string:
		if !utf8.ValidString(x) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrBinaryPayload)
		}
		return x, nil
	case []byte:
		return nil, ErrBinaryPayload
	case json.Number:
		return x, nil
	case *ProxyObject:
		if x == nil {
			return nil, nil
		}
		return x.flatten()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("%w: key is not valid UTF-8", ErrBinaryPayload)
			}
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			nv, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			nv, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[keyText(iter.Key().Interface())] = nv
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	}

	if s, ok := v.(fmt.Stringer); ok {
		return normalize(s.String())
	}
	return fmt.Sprint(v), nil
}

// keyText degrades a non-string mapping key to its text form.
func keyText(k any) string {
	switch x := k.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(k)
}

func normalizeFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return f
}

// Decode parses one response value.
func Decode(data []byte) (any, error) {
	data = trimLine(data)
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJSON, data)
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return number(r)
	case gjson.String:
		return r.Str
	}

	if r.IsArray() {
		out := make([]any, 0)
		r.ForEach(func(_, v gjson.Result) bool {
			out = append(out, fromResult(v))
			return true
		})
		return out
	}

	obj := make(map[string]any)
	r.ForEach(func(k, v gjson.Result) bool {
		obj[k.String()] = fromResult(v)
		return true
	})
	if p, ok := asProxy(obj); ok {
		return p
	}
	return obj
}

func number(r gjson.Result) any {
	if i, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
		return i
	}
	if u, err := strconv.ParseUint(r.Raw, 10, 64); err == nil {
		return u
	}
	return r.Float()
}

// asProxy recognizes tagged objects. Both tags must be present.
func asProxy(obj map[string]any) (*ProxyObject, bool) {
	rawName, hasName := obj[TypeNameKey]
	rawAddr, hasAddr := obj[AddressKey]
	if !hasName || !hasAddr {
		return nil, false
	}

	name, ok := rawName.(string)
	if !ok {
		return nil, false
	}
	var addr uint64
	switch a := rawAddr.(type) {
	case int64:
		addr = uint64(a)
	case uint64:
		addr = a
	case float64:
		addr = uint64(a)
	default:
		return nil, false
	}

	attrs := make(map[string]any, len(obj)-2)
	for k, v := range obj {
		if k == TypeNameKey || k == AddressKey {
			continue
		}
		attrs[k] = v
	}
	return &ProxyObject{TypeName: name, Address: addr, Attrs: attrs}, true
}
