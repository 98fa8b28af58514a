// Package config provides circlink's directory layout and its typed, validated
// user settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/jamesainslie/circlink/pkg/circlink/logging"
)

// ErrUnknownKey is returned for a settings key that circlink does not recognize.
var ErrUnknownKey = errors.New("unknown settings key")

// ErrInvalidValue is returned when a value does not fit its key's type or range.
var ErrInvalidValue = errors.New("invalid settings value")

// Settings is the decoded settings file.
type Settings struct {
	Display DisplaySettings `mapstructure:"display"`
	Logging LoggingSettings `mapstructure:"logging"`
	Links   LinkSettings    `mapstructure:"links"`
}

// DisplaySettings control table output.
type DisplaySettings struct {
	Table struct {
		Format string `mapstructure:"format"`
	} `mapstructure:"table"`
	Info struct {
		ProcessID bool `mapstructure:"process-id"`
	} `mapstructure:"info"`
}

// LoggingSettings configure the shared log file.
type LoggingSettings struct {
	Level    string `mapstructure:"level"`
	Path     string `mapstructure:"path"`
	Rotation struct {
		MaxSize    string `mapstructure:"max_size"`
		MaxBackups int    `mapstructure:"max_backups"`
	} `mapstructure:"rotation"`
}

// LinkSettings tune the link handshakes and the sync loop.
type LinkSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

// LoggingConfig converts the logging settings for logging.Init.
func (s *Settings) LoggingConfig() (logging.Config, error) {
	cfg := logging.DefaultConfig()
	cfg.Level = s.Logging.Level
	if s.Logging.Path != "" {
		path, err := ExpandPath(s.Logging.Path)
		if err != nil {
			return cfg, err
		}
		cfg.Path = path
	}
	if s.Logging.Rotation.MaxSize != "" {
		size, err := humanize.ParseBytes(s.Logging.Rotation.MaxSize)
		if err != nil {
			return cfg, fmt.Errorf("%w: logging.rotation.max_size: %v", ErrInvalidValue, err)
		}
		cfg.Rotation.MaxSize = int64(size)
	}
	cfg.Rotation.MaxBackups = s.Logging.Rotation.MaxBackups
	return cfg, nil
}

type valueKind int

const (
	kindString valueKind = iota
	kindBool
	kindInt
	kindDuration
	kindSize
	kindLevel
	kindFormat
)

func (k valueKind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt:
		return "integer"
	case kindDuration:
		return "duration"
	case kindSize:
		return "size"
	case kindLevel:
		return "log level"
	case kindFormat:
		return "table format"
	default:
		return "string"
	}
}

type keySpec struct {
	kind valueKind
	def  interface{}
}

// keys enumerates every recognized settings key.
var keys = map[string]keySpec{
	"display.table.format":         {kindFormat, DefaultTableFormat},
	"display.info.process-id":      {kindBool, DefaultShowProcessID},
	"logging.level":                {kindLevel, DefaultLogLevel},
	"logging.path":                 {kindString, ""},
	"logging.rotation.max_size":    {kindSize, DefaultLogMaxSize},
	"logging.rotation.max_backups": {kindInt, DefaultLogMaxBackups},
	"links.poll_interval":          {kindDuration, DefaultPollInterval},
	"links.start_timeout":          {kindDuration, DefaultStartTimeout},
	"links.stop_timeout":           {kindDuration, DefaultStopTimeout},
}

// Keys returns the recognized settings keys, sorted.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Manager reads and edits the settings file.
//
// Values come from, in order of precedence: CIRCLINK_ environment variables
// (e.g. CIRCLINK_LINKS_POLL_INTERVAL), the settings file, and defaults.
type Manager struct {
	v      *viper.Viper
	path   string
	format func(string) error
}

// Open loads the settings file at path. An empty path uses
// DefaultSettingsPath. A missing file is not an error.
func Open(path string) (*Manager, error) {
	if path == "" {
		var err error
		if path, err = DefaultSettingsPath(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CIRCLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, spec := range keys {
		v.SetDefault(key, spec.def)
	}

	m := &Manager{v: v, path: path}
	if err := m.read(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) read() error {
	if _, err := os.Stat(m.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	return nil
}

// Path returns the settings file path.
func (m *Manager) Path() string { return m.path }

// SetFormatValidator installs the check applied to display.table.format.
func (m *Manager) SetFormatValidator(fn func(string) error) { m.format = fn }

// Settings decodes the current settings.
func (m *Manager) Settings() (*Settings, error) {
	var s Settings
	if err := m.v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &s, nil
}

// Get returns the value of a recognized key.
func (m *Manager) Get(key string) (interface{}, error) {
	if _, ok := keys[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return m.v.Get(key), nil
}

// AllSettings returns every recognized key with its current value.
func (m *Manager) AllSettings() map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for key := range keys {
		out[key] = m.v.Get(key)
	}
	return out
}

// Set validates value against key's type, writes it to the settings file,
// and reloads.
func (m *Manager) Set(key, value string) error {
	spec, ok := keys[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	parsed, err := m.parse(spec.kind, value)
	if err != nil {
		return fmt.Errorf("%w: %s expects a %s: %v", ErrInvalidValue, key, spec.kind, err)
	}

	// Edit only what is in the file, so environment overrides are not persisted.
	file := viper.New()
	file.SetConfigFile(m.path)
	file.SetConfigType("yaml")
	if _, err := os.Stat(m.path); err == nil {
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
	}
	file.Set(key, parsed)

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := file.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return m.read()
}

func (m *Manager) parse(kind valueKind, value string) (interface{}, error) {
	switch kind {
	case kindBool:
		return strconv.ParseBool(value)
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("must not be negative")
		}
		return n, nil
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, errors.New("must be positive")
		}
		return value, nil
	case kindSize:
		if _, err := humanize.ParseBytes(value); err != nil {
			return nil, err
		}
		return value, nil
	case kindLevel:
		if _, err := logging.ParseLevel(value); err != nil {
			return nil, err
		}
		return strings.ToLower(value), nil
	case kindFormat:
		if value == "" {
			return nil, errors.New("must not be empty")
		}
		if m.format != nil {
			if err := m.format(value); err != nil {
				return nil, err
			}
		}
		return value, nil
	default:
		return value, nil
	}
}

// Reset overwrites the settings file with the defaults.
func (m *Manager) Reset() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := defaultSettingsHeader + fmt.Sprintf(defaultSettingsTemplate,
		DefaultTableFormat, DefaultShowProcessID, DefaultLogLevel,
		DefaultLogMaxSize, DefaultLogMaxBackups,
		DefaultPollInterval, DefaultStartTimeout, DefaultStopTimeout)

	if err := os.WriteFile(m.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write default settings: %w", err)
	}
	return m.read()
}

// WriteDefault writes the default settings file if none exists.
func (m *Manager) WriteDefault() error {
	if _, err := os.Stat(m.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check settings file: %w", err)
	}
	return m.Reset()
}
