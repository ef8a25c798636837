// Package logging provides structured logging with console and file output.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(l LogLevel) zerolog.Level {
	switch LogLevel(strings.ToLower(string(l))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Entry is one warning or error kept in memory for run's /status.
type Entry struct {
	Time      time.Time `json:"time" yaml:"time"`
	Level     string    `json:"level" yaml:"level"`
	Component string    `json:"component,omitempty" yaml:"component,omitempty"`
	Message   string    `json:"message" yaml:"message"`
}

// Logger wraps zerolog with optional file output and a warning history.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu      sync.RWMutex
	history []Entry
	maxHist int
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files; empty disables the file
	Level      LogLevel // Minimum log level (default: info)
	MaxHistory int      // Warnings and errors kept in memory (default: 200)
	Console    bool     // Also log to console (default: true)
	Out        io.Writer
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		MaxHistory: 200,
		Console:    true,
		Out:        os.Stderr,
	}
}

// New creates a Logger. The console writer goes to cfg.Out.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{maxHist: cfg.MaxHistory}
	if l.maxHist <= 0 {
		l.maxHist = 200
	}

	var writers []io.Writer
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFileName := fmt.Sprintf("mannequin_%s.log", time.Now().Format("2006-01-02"))
		l.logPath = filepath.Join(cfg.LogDir, logFileName)

		file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}
	writers = append(writers, historyWriter{l})

	l.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", "mannequin").
		Logger()

	l.zlog.Debug().Str("file", l.logPath).Str("level", string(cfg.Level)).Msg("Logger initialized")
	return l, nil
}

// historyWriter records warnings and errors.
type historyWriter struct{ l *Logger }

func (h historyWriter) Write(p []byte) (int, error) { return len(p), nil }

func (h historyWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	h.l.record(level, p)
	return len(p), nil
}

func (l *Logger) record(level zerolog.Level, p []byte) {
	var fields struct {
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	// Lines are zerolog JSON; a malformed one is kept by level only.
	_ = json.Unmarshal(p, &fields)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = append(l.history, Entry{
		Time:      time.Now(),
		Level:     level.String(),
		Component: fields.Component,
		Message:   fields.Message,
	})
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// History returns up to limit recent warnings and errors, oldest first.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	result := make([]Entry, limit)
	copy(result, l.history[len(l.history)-limit:])
	return result
}

// LogPath returns the current log file path, empty without a file.
func (l *Logger) LogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a zerolog.Logger with the component field set
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
