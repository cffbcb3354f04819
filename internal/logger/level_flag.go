package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// LevelFlagValue is a pflag.Value that forwards parsed levels to a callback.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

// NewLevelFlagValue creates a flag value calling onLevelAvailable on Set.
func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) LevelFlagValue {
	return LevelFlagValue{onLevelAvailable: onLevelAvailable}
}

// StringToLevel parses a named level or a positive verbosity number.
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultLevel, fmt.Errorf("invalid log level %q", value)
	}
	// zap levels run the other way
	return zapcore.Level(int8(-n)), nil
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.onLevelAvailable(level)
	lfv.value = flagValue
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}

var _ pflag.Value = &LevelFlagValue{}
