package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Protocol constants.
const (
	// KillFunc is the reserved function name that stops the helper.
	KillFunc = "__kill__"

	// KillAck is the value the helper answers a KillFunc request with.
	KillAck = "__kill_ack__"

	// PrivatePrefix marks function names that must never be dispatched.
	PrivatePrefix = "_"

	// TypeNameKey tags the runtime type name of a proxied object.
	TypeNameKey = "__pyringe_type_name__"

	// AddressKey tags the remote address of a proxied object.
	AddressKey = "__pyringe_address__"
)

// Errors returned by the codec.
var (
	// ErrMalformedRequest indicates a request line that is not a valid RPC request.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrInvalidJSON indicates a line that could not be parsed as JSON.
	ErrInvalidJSON = errors.New("invalid JSON")

	// ErrBinaryPayload indicates a value holding bytes that JSON cannot carry.
	ErrBinaryPayload = errors.New("binary payload cannot be encoded")
)

// Request is a decoded RPC request.
type Request struct {
	// Func is the name of the operation to run.
	Func string

	// Args are the positional arguments.
	Args []any
}

// IsKill reports whether the request is the termination sentinel.
func (r Request) IsKill() bool {
	return r.Func == KillFunc
}

// IsPrivate reports whether the request names a private function.
func (r Request) IsPrivate() bool {
	return strings.HasPrefix(r.Func, PrivatePrefix)
}

// EncodeRequest renders a request as a single JSON object without the
// trailing newline.
func EncodeRequest(name string, args []any) ([]byte, error) {
	norm := make([]any, 0, len(args))
	for i, arg := range args {
		v, err := normalize(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d of %s: %w", i, name, err)
		}
		norm = append(norm, v)
	}

	data, err := sjson.SetBytes([]byte(`{}`), "func", name)
	if err != nil {
		return nil, fmt.Errorf("encode func: %w", err)
	}
	data, err = sjson.SetBytes(data, "args", norm)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	return data, nil
}

// DecodeRequest parses one request line.
func DecodeRequest(line []byte) (Request, error) {
	line = trimLine(line)
	if !gjson.ValidBytes(line) {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedRequest, ErrInvalidJSON)
	}

	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return Request{}, fmt.Errorf("%w: not an object", ErrMalformedRequest)
	}

	fn := root.Get("func")
	if fn.Type != gjson.String || fn.Str == "" {
		return Request{}, fmt.Errorf("%w: no function specified", ErrMalformedRequest)
	}

	req := Request{Func: fn.Str, Args: []any{}}
	args := root.Get("args")
	switch {
	case !args.Exists(), args.Type == gjson.Null:
	case args.IsArray():
		for _, a := range args.Array() {
			req.Args = append(req.Args, fromResult(a))
		}
	default:
		return Request{}, fmt.Errorf("%w: args must be an array", ErrMalformedRequest)
	}

	return req, nil
}

func trimLine(line []byte) []byte {
	for len(line) > 0 {
		switch line[len(line)-1] {
		case '\n', '\r', ' ', '\t':
			line = line[:len(line)-1]
			continue
		}
		break
	}
	return line
}
