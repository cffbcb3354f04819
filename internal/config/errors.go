package config

import (
	"errors"
	"fmt"
)

var (
	// ErrSettingNotFound indicates the setting path doesn't exist.
	ErrSettingNotFound = errors.New("setting not found")

	// ErrInvalidPath indicates an invalid setting path format.
	ErrInvalidPath = errors.New("invalid setting path")

	// ErrInvalidValue indicates a value outside the allowed range.
	ErrInvalidValue = errors.New("invalid setting value")
)

// TypeError reports a setting holding a value of the wrong type.
type TypeError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("setting %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}
