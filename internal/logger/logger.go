// Package logger builds the zap-backed logr.Logger used across pyringe.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

// Options selects where log output goes.
type Options struct {
	// Level is the initial console level ("debug", "info", "error" or a
	// positive verbosity number).
	Level string

	// File, when set, receives JSON-encoded log output at debug level.
	File string

	// NoConsole suppresses console output. The helper process sets this
	// because its stderr carries fault reports.
	NoConsole bool

	// Console overrides the console destination (default os.Stderr).
	Console io.Writer
}

// Logger is a logr.Logger with an adjustable console level.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flagged     bool
	flush       func()
	closers     []io.Closer
}

// New creates a logger named name.
func New(name string, opts Options) (*Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		l, err := StringToLevel(opts.Level, zapcore.InfoLevel)
		if err != nil {
			return nil, err
		}
		level.SetLevel(l)
	}

	var cores []zapcore.Core
	var closers []io.Closer

	if !opts.NoConsole {
		out := opts.Console
		consoleConfig := encoderConfig
		if out == nil {
			out = os.Stderr
			if term.IsTerminal(int(os.Stderr.Fd())) {
				consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			}
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.Lock(zapcore.AddSync(out)), level))
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o700); err != nil {
			return nil, fmt.Errorf("create log folder: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closers = append(closers, f)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(f), zap.NewAtomicLevelAt(zapcore.DebugLevel)))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: level,
		flush: func() {
			_ = zapLogger.Sync()
		},
		closers: closers,
	}, nil
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{
		Logger:      logr.Discard(),
		atomicLevel: zap.NewAtomicLevel(),
		flush:       func() {},
	}
}

// SetLevel changes the console level.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// SetLevelString parses and applies a level such as "debug" or "2".
func (l *Logger) SetLevelString(value string) error {
	level, err := StringToLevel(value, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	l.SetLevel(level)
	return nil
}

// LevelSet reports whether the level came from the command line.
func (l *Logger) LevelSet() bool {
	return l.flagged
}

// Level returns the console level.
func (l *Logger) Level() zapcore.Level {
	return l.atomicLevel.Level()
}

// Flush writes out buffered entries.
func (l *Logger) Flush() {
	l.flush()
}

// Close flushes and releases log files.
func (l *Logger) Close() error {
	l.flush()
	var firstErr error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}

// AddLevelFlag registers the -v/--verbosity flag on fs.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(func(level zapcore.Level) {
		l.SetLevel(level)
		l.flagged = true
	})
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). One of 'debug', 'info', 'error', or a positive integer for increasing debug verbosity.")
}
