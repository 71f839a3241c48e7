package common

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogEntry represents a buffered log entry
type LogEntry struct {
	Level   LogLevel
	Message string
}

// LogBuffer buffers log messages emitted before the policy file has
// been loaded and the real log level is known
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewLogBuffer creates a new log buffer
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{}
}

// Debug adds a debug message to the buffer
func (b *LogBuffer) Debug(format string, args ...interface{}) {
	b.append(LogLevelDebug, format, args...)
}

// Info adds an info message to the buffer
func (b *LogBuffer) Info(format string, args ...interface{}) {
	b.append(LogLevelInfo, format, args...)
}

// Warn adds a warning message to the buffer
func (b *LogBuffer) Warn(format string, args ...interface{}) {
	b.append(LogLevelWarn, format, args...)
}

// Error adds an error message to the buffer
func (b *LogBuffer) Error(format string, args ...interface{}) {
	b.append(LogLevelError, format, args...)
}

func (b *LogBuffer) append(level LogLevel, format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, LogEntry{
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}

// Flush writes every buffered entry at or above minLevel to w and
// empties the buffer
func (b *LogBuffer) Flush(w io.Writer, minLevel LogLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.entries {
		if entry.Level < minLevel {
			continue
		}
		var prefix string
		switch entry.Level {
		case LogLevelDebug:
			prefix = "DEBUG"
		case LogLevelInfo:
			prefix = "INFO"
		case LogLevelWarn:
			prefix = "WARN"
		default:
			prefix = "ERROR"
		}
		fmt.Fprintf(w, "%s: %s\n", prefix, entry.Message)
	}
	b.entries = nil
}

// Len returns the number of buffered entries
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
