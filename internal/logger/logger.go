// Package logger wraps a process-wide slog.Logger. Output is discarded until
// Init routes it to a file (or SetOutput to any writer).
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/canopy/internal/paths"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	// LevelDebug is for verbose debugging information
	LevelDebug LogLevel = iota
	// LevelInfo is for general operational information
	LevelInfo
	// LevelWarn is for warning conditions
	LevelWarn
	// LevelError is for error conditions
	LevelError
)

func (l LogLevel) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFileName is the name of the main log file inside the log directory.
const LogFileName = "canopy.log"

var (
	mu       sync.Mutex
	levelVar = new(slog.LevelVar)
	format   = "text"
	out      io.Writer = io.Discard
	logFile  *os.File
	logPath  string
	base     = newLogger()
)

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// DefaultLogPath returns the log file used when no path is given.
func DefaultLogPath() (string, error) {
	dir, err := paths.LogDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogFileName), nil
}

// SetLevel sets the minimum log level to output
func SetLevel(level LogLevel) {
	levelVar.Set(level.toSlogLevel())
}

// SetDebug enables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		SetLevel(LevelDebug)
	} else {
		SetLevel(LevelInfo)
	}
}

// SetFormat selects the handler: "json" or "text" (the default).
func SetFormat(f string) error {
	if f != "json" && f != "text" {
		return fmt.Errorf("unknown log format %q", f)
	}
	mu.Lock()
	defer mu.Unlock()
	format = f
	base = newLogger()
	return nil
}

// SetOutput routes log output to w. Any file opened by Init is closed.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	out = w
	base = newLogger()
}

// Init opens path for appending and routes log output to it. An empty path
// uses DefaultLogPath. Calling Init again switches to the new file.
func Init(path string) error {
	if path == "" {
		p, err := DefaultLogPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	mu.Lock()
	closeFileLocked()
	logFile = f
	logPath = path
	out = f
	base = newLogger()
	l := base
	mu.Unlock()

	l.Info("logger initialized", "path", path)
	return nil
}

func closeFileLocked() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

// WithComponent returns a logger with the component attribute pre-attached.
//
//	log := logger.WithComponent("initializer")
//	log.Info("job started", "node", id)
func WithComponent(component string) *slog.Logger {
	return Get().With(slog.String("component", component))
}

// WithNode returns a logger with the node ID pre-attached.
func WithNode(nodeID string) *slog.Logger {
	return Get().With(slog.String("node", nodeID))
}

func logf(level slog.Level, msg string, args ...any) {
	l := Get()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(msg, args...))
}

// Debug writes a printf-style debug message.
func Debug(msg string, args ...any) { logf(slog.LevelDebug, msg, args...) }

// Info writes a printf-style info message.
func Info(msg string, args ...any) { logf(slog.LevelInfo, msg, args...) }

// Warn writes a printf-style warning.
func Warn(msg string, args ...any) { logf(slog.LevelWarn, msg, args...) }

// Error writes a printf-style error message.
func Error(msg string, args ...any) { logf(slog.LevelError, msg, args...) }

// Log is an alias for Debug.
func Log(msg string, args ...any) { logf(slog.LevelDebug, msg, args...) }

// Close closes the log file, if any, and discards further output.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	out = io.Discard
	base = newLogger()
}

// Reset restores the initial state. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
	logPath = ""
	format = "text"
	out = io.Discard
	levelVar.Set(slog.LevelInfo)
	base = newLogger()
}

// ClearLogs removes every *.log file in the log directory and returns how
// many were removed. The file currently open for writing is kept.
func ClearLogs() (int, error) {
	dir, err := paths.LogDir()
	if err != nil {
		return 0, err
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return 0, err
	}

	mu.Lock()
	current := logPath
	mu.Unlock()

	count := 0
	for _, p := range matches {
		if p == current {
			continue
		}
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}
	return count, nil
}
