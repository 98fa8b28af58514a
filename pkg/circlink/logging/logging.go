// Package logging provides component loggers shared by the circlink CLI and
// every link worker process.
//
// All processes append to one rotating log file, so writes are serialized
// across processes with a file lock (see RotatingWriter).
//
// Basic usage:
//
//	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	log := logging.Get("mirror").With("link", 3)
//	log.Info("copied file", "path", dst)
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Level represents a logging level.
type Level int

// Log levels from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) toCharmLevel() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ErrInvalidLevel is returned when an invalid log level string is provided.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses a string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
	}
}

// Config configures the logging system.
type Config struct {
	// Level is the default log level (debug, info, warn, error).
	Level string

	// Path is the log file path. Empty uses DefaultLogPath().
	Path string

	// Rotation configures log file rotation.
	Rotation RotationConfig

	// Components maps component names to their own log levels.
	Components map[string]string

	// ConsoleLevel mirrors logs at or above this level to stderr.
	// Empty disables console output.
	ConsoleLevel string
}

// Logger writes leveled, structured messages for one component.
//
// A Logger resolves its backend on every call, so loggers obtained before
// Init start writing to the file as soon as Init runs.
type Logger struct {
	component string
	fields    []interface{}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) { l.log(LevelInfo, msg, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) { l.log(LevelWarn, msg, args...) }

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

// With returns a logger that adds the given key/value pairs to every message.
func (l *Logger) With(args ...interface{}) *Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(args))
	fields = append(fields, l.fields...)
	fields = append(fields, args...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	b := globalState.backend(l.component)
	if len(l.fields) > 0 {
		args = append(append([]interface{}{}, l.fields...), args...)
	}
	logTo(b.file, level, msg, args...)
	if b.console != nil {
		logTo(b.console, level, msg, args...)
	}
}

func logTo(logger *log.Logger, level Level, msg string, args ...interface{}) {
	switch level {
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelInfo:
		logger.Info(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError:
		logger.Error(msg, args...)
	}
}

// backend is the pair of charm loggers behind a component.
type backend struct {
	file    *log.Logger
	console *log.Logger
}

type state struct {
	mu          sync.RWMutex
	initialized bool
	writer      *RotatingWriter
	level       Level
	components  map[string]Level
	backends    map[string]*backend

	consoleEnabled bool
	consoleLevel   Level
	console        io.Writer
}

var globalState = &state{
	components: make(map[string]Level),
	backends:   make(map[string]*backend),
	console:    os.Stderr,
}

// Init initializes the logging system. Before Init, all loggers discard output.
func Init(cfg Config) error {
	globalState.mu.Lock()
	defer globalState.mu.Unlock()

	if globalState.initialized && globalState.writer != nil {
		if err := globalState.writer.Close(); err != nil {
			return fmt.Errorf("closing existing writer: %w", err)
		}
	}
	globalState.backends = make(map[string]*backend)
	globalState.components = make(map[string]Level)

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	globalState.level = level

	for comp, lvl := range cfg.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", comp, err)
		}
		globalState.components[comp] = parsed
	}

	globalState.consoleEnabled = false
	if cfg.ConsoleLevel != "" {
		consoleLevel, err := ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
		globalState.consoleLevel = consoleLevel
		globalState.consoleEnabled = true
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}

	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("creating log writer: %w", err)
	}
	globalState.writer = writer
	globalState.initialized = true

	return nil
}

// Get returns the logger for a component.
func Get(component string) *Logger {
	return &Logger{component: component}
}

// backend returns the cached charm loggers for a component, creating them on
// first use.
func (s *state) backend(component string) *backend {
	s.mu.RLock()
	b, ok := s.backends[component]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backends[component]; ok {
		return b
	}
	b = s.newBackend(component)
	s.backends[component] = b
	return b
}

// newBackend must be called with s.mu held.
func (s *state) newBackend(component string) *backend {
	level := s.level
	if compLevel, ok := s.components[component]; ok {
		level = compLevel
	}

	if !s.initialized {
		return &backend{file: log.NewWithOptions(io.Discard, log.Options{Prefix: component})}
	}

	b := &backend{
		file: log.NewWithOptions(s.writer, log.Options{
			Level:           level.toCharmLevel(),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          fmt.Sprintf("%s[%d]", component, os.Getpid()),
		}),
	}

	if s.consoleEnabled {
		b.console = log.NewWithOptions(s.console, log.Options{
			Level:           s.consoleLevel.toCharmLevel(),
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Prefix:          component,
		})
	}

	return b
}

// Close flushes and closes the log file.
func Close() error {
	globalState.mu.Lock()
	defer globalState.mu.Unlock()

	if !globalState.initialized {
		return nil
	}

	globalState.initialized = false
	globalState.backends = make(map[string]*backend)

	if globalState.writer != nil {
		err := globalState.writer.Close()
		globalState.writer = nil
		if err != nil {
			return fmt.Errorf("closing log writer: %w", err)
		}
	}
	return nil
}

// DefaultLogPath returns $XDG_STATE_HOME/circlink/circlink.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "circlink", "circlink.log")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
