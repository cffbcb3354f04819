package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dshills/pyringe/internal/config/loader"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "PYRINGE_"

// Config holds merged settings.
type Config struct {
	mu sync.RWMutex

	fs        loader.FileSystem
	file      string
	envPrefix string

	// merged is defaults <- file <- env; overrides is applied on top.
	merged    map[string]any
	overrides map[string]any
}

// Option configures a Config instance.
type Option func(*Config)

// WithFile sets the configuration file. A leading ~ expands to the home
// directory. A missing file is not an error.
func WithFile(path string) Option {
	return func(c *Config) {
		c.file = expandHome(path)
	}
}

// WithFileSystem replaces the OS file system.
func WithFileSystem(fs loader.FileSystem) Option {
	return func(c *Config) {
		c.fs = fs
	}
}

// WithEnvPrefix changes the environment prefix. An empty prefix disables
// environment overrides.
func WithEnvPrefix(prefix string) Option {
	return func(c *Config) {
		c.envPrefix = prefix
	}
}

// New creates a Config holding only defaults until Load is called.
func New(opts ...Option) *Config {
	c := &Config{
		fs:        loader.DefaultFS(),
		file:      DefaultFile(),
		envPrefix: EnvPrefix,
		overrides: make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.merged = defaultConfig()
	return c
}

// DefaultFile returns the per-user config path.
func DefaultFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "pyringe", "config.toml")
}

// Load reads the file and environment.
func (c *Config) Load(_ context.Context) error {
	merged := defaultConfig()

	if c.file != "" {
		fileConfig, err := loader.ForFile(c.fs, c.file).Load()
		if err != nil {
			return fmt.Errorf("loading %s: %w", c.file, err)
		}
		merged = loader.DeepMerge(merged, fileConfig)
	}

	if c.envPrefix != "" {
		envConfig, err := loader.NewEnvLoader(c.envPrefix).Load()
		if err != nil {
			return fmt.Errorf("loading environment: %w", err)
		}
		merged = loader.DeepMerge(merged, envConfig)
	}

	c.mu.Lock()
	c.merged = merged
	c.mu.Unlock()
	return nil
}

// Get returns the value at path.
func (c *Config) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := getPath(c.overrides, path); ok {
		return v, true
	}
	return getPath(c.merged, path)
}

// Set overrides the value at path. Overrides survive Load.
func (c *Config) Set(path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return setPath(c.overrides, path, value)
}

func (c *Config) GetString(path string) (string, error) {
	v, ok := c.Get(path)
	if !ok {
		return "", ErrSettingNotFound
	}
	s, ok := v.(string)
	if !ok {
		return "", &TypeError{Path: path, Expected: "string", Actual: typeName(v)}
	}
	return s, nil
}

func (c *Config) GetInt(path string) (int, error) {
	v, ok := c.Get(path)
	if !ok {
		return 0, ErrSettingNotFound
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case uint64:
		return int(val), nil
	case float64:
		return int(val), nil
	default:
		return 0, &TypeError{Path: path, Expected: "int", Actual: typeName(v)}
	}
}

func (c *Config) GetBool(path string) (bool, error) {
	v, ok := c.Get(path)
	if !ok {
		return false, ErrSettingNotFound
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return val != 0, nil
	default:
		return false, &TypeError{Path: path, Expected: "bool", Actual: typeName(v)}
	}
}

// GetDuration accepts a time.Duration, a Go duration string or a number of
// seconds.
func (c *Config) GetDuration(path string) (time.Duration, error) {
	v, ok := c.Get(path)
	if !ok {
		return 0, ErrSettingNotFound
	}
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, &TypeError{Path: path, Expected: "duration", Actual: fmt.Sprintf("%q", val)}
		}
		return d, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	default:
		return 0, &TypeError{Path: path, Expected: "duration", Actual: typeName(v)}
	}
}

// GetStringSlice also splits a single string on whitespace.
func (c *Config) GetStringSlice(path string) ([]string, error) {
	v, ok := c.Get(path)
	if !ok {
		return nil, ErrSettingNotFound
	}
	switch val := v.(type) {
	case []string:
		return val, nil
	case string:
		return strings.Fields(val), nil
	case []any:
		result := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, &TypeError{Path: path, Expected: "[]string", Actual: typeName(v)}
			}
			result[i] = s
		}
		return result, nil
	default:
		return nil, &TypeError{Path: path, Expected: "[]string", Actual: typeName(v)}
	}
}

// Merged returns a copy of the effective configuration.
func (c *Config) Merged() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return loader.DeepMerge(loader.Clone(c.merged), loader.Clone(c.overrides))
}

func defaultConfig() map[string]any {
	return map[string]any{
		"gdb": map[string]any{
			"path": "gdb",
			"args": []any{},
			"arch": "",
		},
		"session": map[string]any{
			"timeout":    "3s",
			"killGrace":  "100ms",
			"faultGrace": "500ms",
			"helperPath": "",
		},
		"symbols": map[string]any{
			"file":     "",
			"autoLoad": true,
		},
		"service": map[string]any{
			"maxChainSteps":   int64(100000),
			"maxStringLength": int64(4096),
			"maxItems":        int64(1000),
			"maxDepth":        int64(4),
		},
		"log": map[string]any{
			"level": "info",
			"file":  "",
		},
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func getPath(m map[string]any, path string) (any, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}

	current := any(m)
	for _, part := range parts {
		cm, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = cm[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(m map[string]any, path string, value any) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return ErrInvalidPath
	}

	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return ErrInvalidPath
		}
		current = nextMap
	}

	current[parts[len(parts)-1]] = value
	return nil
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, ".") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	switch v.(type) {
	case string:
		return "string"
	case int, int64:
		return "int"
	case float64:
		return "float64"
	case bool:
		return "bool"
	case []string:
		return "[]string"
	case []any:
		return "[]any"
	case map[string]any:
		return "map"
	default:
		return fmt.Sprintf("%T", v)
	}
}
