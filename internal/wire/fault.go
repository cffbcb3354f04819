package wire

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// FaultKind classifies a fault reported by the helper.
type FaultKind string

const (
	// FaultProxy is any failure inside the helper that has no finer kind.
	FaultProxy FaultKind = "proxy"
	// FaultPositionUnavailable means the requested process, thread or frame
	// could not be resolved against the live target.
	FaultPositionUnavailable FaultKind = "position_unavailable"
	// FaultRPC means the request itself was malformed or disallowed.
	FaultRPC FaultKind = "rpc"
	// FaultConfiguration means the engine is not set up the way the
	// injection protocol requires.
	FaultConfiguration FaultKind = "configuration"
	// FaultEngine means the introspection engine itself failed.
	FaultEngine FaultKind = "engine"
)

// Fault is the structured diagnostic written on the helper's stderr.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s\n%s", f.Kind, f.Message, f.Detail)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// EncodeFault renders a fault as one JSON line without the newline.
func EncodeFault(f *Fault) ([]byte, error) {
	if f.Kind == "" {
		f.Kind = FaultProxy
	}
	return json.Marshal(f)
}

// ParseFault interprets a diagnostic line. It accepts a fault envelope or a
// bare JSON string, and reports false for anything else.
func ParseFault(line []byte) (*Fault, bool) {
	line = trimLine(line)
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil, false
	}

	r := gjson.ParseBytes(line)
	switch {
	case r.Type == gjson.String:
		return &Fault{Kind: FaultProxy, Message: r.Str}, true
	case r.IsObject():
		kind := r.Get("kind")
		if kind.Type != gjson.String {
			return nil, false
		}
		return &Fault{
			Kind:    FaultKind(kind.Str),
			Message: r.Get("message").String(),
			Detail:  r.Get("detail").String(),
		}, true
	}
	return nil, false
}
