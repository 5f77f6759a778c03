// Package logger provides component-scoped structured logging on top of zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the minimum severity that is written.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	base  = newLogger(os.Stderr, false)
	level = INFO
)

func newLogger(w io.Writer, console bool) zerolog.Logger {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel changes the global minimum level.
func SetLevel(l LogLevel) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Unknown names fall back to INFO.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// SetOutput redirects log output. format "console" selects the human
// readable writer, anything else writes JSON lines.
func SetOutput(w io.Writer, format string) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	base = newLogger(w, strings.EqualFold(format, "console"))
	mu.Unlock()
}

func emit(l LogLevel, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	min := level
	zl := base
	mu.RUnlock()
	if l < min {
		return
	}

	var ev *zerolog.Event
	switch l {
	case DEBUG:
		ev = zl.Debug()
	case WARN:
		ev = zl.Warn()
	case ERROR:
		ev = zl.Error()
	default:
		ev = zl.Info()
	}
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

func DebugC(component, msg string) { emit(DEBUG, component, msg, nil) }
func InfoC(component, msg string) { emit(INFO, component, msg, nil) }
func WarnC(component, msg string) { emit(WARN, component, msg, nil) }
func ErrorC(component, msg string) { emit(ERROR, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(ERROR, component, msg, fields)
}
