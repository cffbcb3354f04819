package config

import (
	"fmt"
	"time"
)

// Settings is the typed view of a Config.
type Settings struct {
	GDB     GDBSettings
	Session SessionSettings
	Symbols SymbolSettings
	Service ServiceSettings
	Log     LogSettings
}

// GDBSettings configures the introspection engine process.
type GDBSettings struct {
	Path string
	Args []string
	Arch string
}

// SessionSettings configures the helper process supervisor.
type SessionSettings struct {
	Timeout    time.Duration
	KillGrace  time.Duration
	FaultGrace time.Duration
	// HelperPath is the binary started as the helper. Empty means this
	// executable.
	HelperPath string
}

// SymbolSettings configures debug symbol loading.
type SymbolSettings struct {
	File     string
	AutoLoad bool
}

// ServiceSettings bounds the work the helper does per request.
type ServiceSettings struct {
	MaxChainSteps   int
	MaxStringLength int
	MaxItems        int
	MaxDepth        int
}

// LogSettings configures logging.
type LogSettings struct {
	Level string
	File  string
}

// Settings decodes every known setting, failing on the first bad one.
func (c *Config) Settings() (Settings, error) {
	var s Settings
	var err error

	str := func(path string, dst *string) {
		if err == nil {
			*dst, err = c.GetString(path)
		}
	}
	dur := func(path string, dst *time.Duration) {
		if err == nil {
			*dst, err = c.GetDuration(path)
			if err == nil && *dst <= 0 {
				err = fmt.Errorf("%w: %s must be positive", ErrInvalidValue, path)
			}
		}
	}
	num := func(path string, dst *int) {
		if err == nil {
			*dst, err = c.GetInt(path)
			if err == nil && *dst <= 0 {
				err = fmt.Errorf("%w: %s must be positive", ErrInvalidValue, path)
			}
		}
	}

	str("gdb.path", &s.GDB.Path)
	if err == nil {
		s.GDB.Args, err = c.GetStringSlice("gdb.args")
	}
	str("gdb.arch", &s.GDB.Arch)
	dur("session.timeout", &s.Session.Timeout)
	dur("session.killGrace", &s.Session.KillGrace)
	dur("session.faultGrace", &s.Session.FaultGrace)
	str("session.helperPath", &s.Session.HelperPath)
	str("symbols.file", &s.Symbols.File)
	if err == nil {
		s.Symbols.AutoLoad, err = c.GetBool("symbols.autoLoad")
	}
	num("service.maxChainSteps", &s.Service.MaxChainSteps)
	num("service.maxStringLength", &s.Service.MaxStringLength)
	num("service.maxItems", &s.Service.MaxItems)
	num("service.maxDepth", &s.Service.MaxDepth)
	str("log.level", &s.Log.Level)
	str("log.file", &s.Log.File)

	if err != nil {
		return Settings{}, err
	}
	s.Symbols.File = expandHome(s.Symbols.File)
	s.Log.File = expandHome(s.Log.File)
	return s, nil
}
