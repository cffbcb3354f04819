package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	data, err := EncodeRequest("BacktraceAt", []any{[]any{int64(1234), nil, -1}})
	require.NoError(t, err)
	require.JSONEq(t, `{"func":"BacktraceAt","args":[[1234,null,-1]]}`, string(data))

	data, err = EncodeRequest(KillFunc, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"func":"__kill__","args":[]}`, string(data))
}

func TestEncodeRequestRejectsBinary(t *testing.T) {
	_, err := EncodeRequest("InjectString", []any{[]byte{0xff}})
	require.ErrorIs(t, err, ErrBinaryPayload)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Request
		wantErr bool
	}{
		{
			name: "positional args",
			line: `{"func":"ThreadIds","args":[[1,null,-1]]}` + "\n",
			want: Request{Func: "ThreadIds", Args: []any{[]any{int64(1), nil, int64(-1)}}},
		},
		{
			name: "missing args",
			line: `{"func":"__kill__"}`,
			want: Request{Func: KillFunc, Args: []any{}},
		},
		{name: "missing func", line: `{"args":[]}`, wantErr: true},
		{name: "func not a string", line: `{"func":3,"args":[]}`, wantErr: true},
		{name: "args not an array", line: `{"func":"Detach","args":{}}`, wantErr: true},
		{name: "not json", line: `Traceback (most recent call last):`, wantErr: true},
		{name: "not an object", line: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(tt.line))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedRequest)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRequestPredicates(t *testing.T) {
	require.True(t, Request{Func: KillFunc}.IsKill())
	require.True(t, Request{Func: "_Inject"}.IsPrivate())
	require.False(t, Request{Func: "InjectString"}.IsPrivate())
}

func TestEncodeProxyObjectInstanceWins(t *testing.T) {
	attrs := map[string]any{"shared": "class"}
	for k, v := range map[string]any{"shared": "instance", "x": int64(1)} {
		attrs[k] = v
	}
	p := &ProxyObject{TypeName: "Foo", Address: 0x7f0010, Attrs: attrs}

	data, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	proxy, ok := got.(*ProxyObject)
	require.True(t, ok, "expected a proxy object, got %T", got)
	require.Equal(t, "Foo", proxy.TypeName)
	require.Equal(t, uint64(0x7f0010), proxy.Address)
	require.Equal(t, "instance", proxy.Attrs["shared"])
	require.Equal(t, []string{"shared", "x"}, proxy.Names())
	require.Equal(t, "<proxy of Foo object at remote 0x7f0010>", proxy.String())
}

func TestDecodeSingleTagIsPlainMap(t *testing.T) {
	got, err := Decode([]byte(`{"__pyringe_type_name__":"Foo","a":1}`))
	require.NoError(t, err)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Foo", m[TypeNameKey])

	got, err = Decode([]byte(`{"__pyringe_address__":16}`))
	require.NoError(t, err)
	_, ok = got.(map[string]any)
	require.True(t, ok)
}

func TestEncodeValues(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"null", nil, `null`},
		{"bool", true, `true`},
		{"int", 42, `42`},
		{"float", 1.5, `1.5`},
		{"nan", math.NaN(), `"nan"`},
		{"string", "héllo", `"héllo"`},
		{"nested list", []any{"a", []any{int64(1)}}, `["a",[1]]`},
		{"int keys", map[int]string{1: "one"}, `{"1":"one"}`},
		{"typed slice", []int64{1, 2}, `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEncodeBinaryFails(t *testing.T) {
	_, err := Encode([]byte("abc"))
	require.ErrorIs(t, err, ErrBinaryPayload)

	_, err = Encode(map[string]any{"k": string([]byte{0xc3, 0x28})})
	require.ErrorIs(t, err, ErrBinaryPayload)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte("not json\n"))
	require.True(t, errors.Is(err, ErrInvalidJSON))

	_, err = Decode(nil)
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestDecodeNumbers(t *testing.T) {
	got, err := Decode([]byte(`[1, -2, 2.5, 18446744073709551615]`))
	require.NoError(t, err)
	require.Equal(t, []any{int64(1), int64(-2), 2.5, uint64(18446744073709551615)}, got)
}

func TestParseFault(t *testing.T) {
	f, ok := ParseFault([]byte(`{"kind":"position_unavailable","message":"Thread 7 does not exist."}` + "\n"))
	require.True(t, ok)
	require.Equal(t, FaultPositionUnavailable, f.Kind)
	require.Equal(t, "Thread 7 does not exist.", f.Message)

	f, ok = ParseFault([]byte(`"Traceback (most recent call last):\nValueError: x"`))
	require.True(t, ok)
	require.Equal(t, FaultProxy, f.Kind)
	require.Contains(t, f.Message, "ValueError")

	_, ok = ParseFault([]byte("Traceback (most recent call last):"))
	require.False(t, ok)

	_, ok = ParseFault([]byte(`{"message":"no kind"}`))
	require.False(t, ok)
}

func TestEncodeFault(t *testing.T) {
	data, err := EncodeFault(&Fault{Message: "boom"})
	require.NoError(t, err)
	f, ok := ParseFault(data)
	require.True(t, ok)
	require.Equal(t, FaultProxy, f.Kind)
	require.Equal(t, "proxy: boom", f.Error())
}
