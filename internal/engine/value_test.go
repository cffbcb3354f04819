package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		typ  string
		text string
		want TypeCode
	}{
		{"PyObject *", "0x7f00", TypePtr},
		{"struct _frame *", "0x0", TypePtr},
		{"char [1]", `""`, TypeArray},
		{"long", "42", TypeInt},
		{"unsigned long long", "42", TypeInt},
		{"Py_ssize_t", "3", TypeInt},
		{"double", "1.5", TypeFloat},
		{"_Bool", "true", TypeBool},
		{"void", "", TypeVoid},
		{"enum why_code", "WHY_NOT", TypeEnum},
		{"PyDictEntry", "{me_hash = 1}", TypeStruct},
		{"Py_UNICODE", "97", TypeInt},
		{"PyGILState_STATE", "PyGILState_LOCKED", TypeOther},
		{"", "", TypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.typ, tt.text))
		})
	}
}

func TestValueNumbers(t *testing.T) {
	v := NewValue("c", "char", "97 'a'")
	n, err := v.Int()
	require.NoError(t, err)
	require.EqualValues(t, 97, n)

	v = NewValue("x", "unsigned long", "18446744073709551615")
	n, err = v.Int()
	require.NoError(t, err)
	require.EqualValues(t, -1, n)

	v = NewValue("f", "double", "2.25")
	f, err := v.Float()
	require.NoError(t, err)
	require.Equal(t, 2.25, f)

	_, err = NewValue("s", "char *", `0x1000 "abc"`).Float()
	require.Error(t, err)
}

func TestValueAddr(t *testing.T) {
	a, err := NewValue("p", "PyObject *", `(PyObject *) 0x7fff1234`).Addr()
	require.NoError(t, err)
	require.EqualValues(t, 0x7fff1234, a)

	a, err = NewValue("p", "char *", `0x601040 <buf> "hello"`).Addr()
	require.NoError(t, err)
	require.EqualValues(t, 0x601040, a)

	a, err = NewValue("n", "long", "4096").Addr()
	require.NoError(t, err)
	require.EqualValues(t, 4096, a)

	_, err = NewValue("e", "enum x", "FOO").Addr()
	require.Error(t, err)
}

func TestStop(t *testing.T) {
	require.True(t, Stop{Reason: "exited-normally"}.Exited())
	require.False(t, Stop{Reason: "breakpoint-hit", ThreadID: 2}.Exited())
	require.Equal(t, "breakpoint-hit in thread 2", Stop{Reason: "breakpoint-hit", ThreadID: 2}.String())
	require.Equal(t, "exited (code 3)", Stop{Reason: "exited", ExitCode: 3}.String())
}
