// Package logging provides structured logging with file and console output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
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

// Entry is a single log record kept in the in-memory history for
// diagnostics dumps.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files (default: ~/.reflexagent/logs)
	Level      LogLevel // Minimum log level (default: info)
	MaxHistory int      // Max entries to keep in memory (default: 500)
	Console    bool     // Also log to console (default: true)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".reflexagent", "logs"),
		Level:      LevelInfo,
		MaxHistory: 500,
		Console:    true,
	}
}

// Logger wraps zerolog with file output and bounded log history.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu      sync.RWMutex
	history []Entry
	maxHist int
}

// New creates a Logger with file and console output.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFileName := fmt.Sprintf("reflexagent_%s.log", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(cfg.LogDir, logFileName)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	var writers []io.Writer
	writers = append(writers, file)
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
	multi := io.MultiWriter(writers...)

	zerolog.SetGlobalLevel(zerologLevel(cfg.Level))

	zlog := zerolog.New(multi).With().
		Timestamp().
		Str("app", "reflexagent").
		Logger()

	l := &Logger{
		zlog:    zlog,
		file:    file,
		logPath: logPath,
		history: make([]Entry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	zl := l.Zerolog()
	zl.Info().Str("logFile", logPath).Str("level", string(cfg.Level)).Msg("Logger initialized")
	return l, nil
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
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

// SetLevel changes the minimum log level at runtime. Used by the config
// watcher to apply logging.level from a reloaded file.
func (l *Logger) SetLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerologLevel(level))
	zl := l.Zerolog()
	zl.Info().Str("level", string(level)).Msg("Log level updated")
}

// historyHook records each emitted event in the bounded history,
// tagged with the component the logger was scoped to.
func (l *Logger) historyHook(component string) zerolog.Hook {
	return zerolog.HookFunc(func(e *zerolog.Event, lvl zerolog.Level, msg string) {
		l.addToHistory(Entry{
			Timestamp: time.Now().Format("15:04:05.000"),
			Level:     lvl.String(),
			Component: component,
			Message:   msg,
		})
	})
}

// addToHistory adds an entry to the in-memory log history
func (l *Logger) addToHistory(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// History returns up to limit recent log entries, newest last.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	start := len(l.history) - limit

	result := make([]Entry, limit)
	copy(result, l.history[start:])
	return result
}

// LogPath returns the current log file path
func (l *Logger) LogPath() string {
	return l.logPath
}

// Component returns a zerolog.Logger with the component field set; its
// entries land in the history tagged with that component.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger().Hook(l.historyHook(name))
}

// Zerolog returns the underlying zerolog.Logger, feeding the history
// without a component tag.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog.Hook(l.historyHook(""))
}

// Close closes the log file
func (l *Logger) Close() error {
	zl := l.Zerolog()
	zl.Info().Msg("Logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
