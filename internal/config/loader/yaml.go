package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// YAMLLoader loads configuration from YAML files.
type YAMLLoader struct {
	fs   FileSystem
	path string
}

// NewYAMLLoaderWithFS creates a YAML loader with a custom file system.
func NewYAMLLoaderWithFS(fs FileSystem, path string) *YAMLLoader {
	return &YAMLLoader{fs: fs, path: path}
}

func (l *YAMLLoader) Load() (map[string]any, error) {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", l.path, err)
	}
	return l.parse(l.path, data)
}

func (l *YAMLLoader) LoadFromReader(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return l.parse("<reader>", data)
}

func (l *YAMLLoader) parse(source string, data []byte) (map[string]any, error) {
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var te *yaml.TypeError
		if !errors.As(err, &te) {
			// yaml.v3 only reports "yaml: line N: ..." in the text
			_, _ = fmt.Sscanf(err.Error(), "yaml: line %d:", &pe.Line)
		}
		return nil, pe
	}
	return normalizeYAML(config), nil
}

// normalizeYAML turns yaml ints into int64 so both file formats hand back
// the same value types.
func normalizeYAML(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeYAMLValue(v)
	}
	return m
}

func normalizeYAMLValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case map[string]any:
		return normalizeYAML(val)
	case []any:
		for i := range val {
			val[i] = normalizeYAMLValue(val[i])
		}
		return val
	default:
		return v
	}
}
