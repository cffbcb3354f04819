package config

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapFS map[string]string

func (m mapFS) ReadFile(path string) ([]byte, error) {
	s, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(s), nil
}

func (m mapFS) Stat(path string) (fs.FileInfo, error) {
	return nil, fs.ErrNotExist
}

func TestDefaults(t *testing.T) {
	cfg := New(WithFile(""), WithEnvPrefix(""))
	require.NoError(t, cfg.Load(context.Background()))

	s, err := cfg.Settings()
	require.NoError(t, err)
	require.Equal(t, "gdb", s.GDB.Path)
	require.Empty(t, s.GDB.Args)
	require.Equal(t, 3*time.Second, s.Session.Timeout)
	require.Equal(t, 100*time.Millisecond, s.Session.KillGrace)
	require.Equal(t, 500*time.Millisecond, s.Session.FaultGrace)
	require.True(t, s.Symbols.AutoLoad)
	require.Equal(t, "info", s.Log.Level)
}

func TestFileThenEnvThenOverride(t *testing.T) {
	fsys := mapFS{"/etc/pyringe.toml": `
[gdb]
path = "/opt/gdb/bin/gdb"
args = ["-nx"]

[session]
timeout = 10

[service]
maxItems = 20
`}
	t.Setenv("PYRINGETEST_SESSION_TIMEOUT", "7s")
	t.Setenv("PYRINGETEST_LOG_LEVEL", "debug")

	cfg := New(WithFileSystem(fsys), WithFile("/etc/pyringe.toml"), WithEnvPrefix("PYRINGETEST_"))
	require.NoError(t, cfg.Set("service.maxItems", 5))
	require.NoError(t, cfg.Load(context.Background()))

	s, err := cfg.Settings()
	require.NoError(t, err)
	require.Equal(t, "/opt/gdb/bin/gdb", s.GDB.Path)
	require.Equal(t, []string{"-nx"}, s.GDB.Args)
	require.Equal(t, 7*time.Second, s.Session.Timeout)
	require.Equal(t, "debug", s.Log.Level)
	require.Equal(t, 5, s.Service.MaxItems)
}

func TestNumericSecondsDuration(t *testing.T) {
	fsys := mapFS{"/c.yaml": "session:\n  timeout: 1.5\n"}
	cfg := New(WithFileSystem(fsys), WithFile("/c.yaml"), WithEnvPrefix(""))
	require.NoError(t, cfg.Load(context.Background()))

	d, err := cfg.GetDuration("session.timeout")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)
}

func TestSettingsRejectsBadValues(t *testing.T) {
	cfg := New(WithFile(""), WithEnvPrefix(""))

	require.NoError(t, cfg.Set("service.maxDepth", 0))
	_, err := cfg.Settings()
	require.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)

	require.NoError(t, cfg.Set("service.maxDepth", 2))
	require.NoError(t, cfg.Set("session.timeout", "soon"))
	_, err = cfg.Settings()
	var te *TypeError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "session.timeout", te.Path)
}

func TestGetters(t *testing.T) {
	cfg := New(WithFile(""), WithEnvPrefix(""))

	_, err := cfg.GetString("no.such.setting")
	require.ErrorIs(t, err, ErrSettingNotFound)

	_, err = cfg.GetInt("gdb.path")
	require.Error(t, err)

	require.NoError(t, cfg.Set("gdb.args", "-q -nx"))
	args, err := cfg.GetStringSlice("gdb.args")
	require.NoError(t, err)
	require.Equal(t, []string{"-q", "-nx"}, args)

	require.ErrorIs(t, cfg.Set("", 1), ErrInvalidPath)
	require.NoError(t, cfg.Set("log.file", "/tmp/pyringe.log"))
	require.ErrorIs(t, cfg.Set("log.file.sub", 1), ErrInvalidPath)

	merged := cfg.Merged()
	require.Equal(t, "-q -nx", merged["gdb"].(map[string]any)["args"])
}

func TestMissingFileIsNotAnError(t *testing.T) {
	cfg := New(WithFileSystem(mapFS{}), WithFile("/nowhere/config.toml"), WithEnvPrefix(""))
	require.NoError(t, cfg.Load(context.Background()))
}
