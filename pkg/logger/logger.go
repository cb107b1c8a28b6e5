// Package logger is a thin component-tagged facade over log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	levelVar = new(slog.LevelVar)
	current  atomic.Pointer[slog.Logger]
)

func init() {
	Configure(os.Stderr, "text")
}

// Configure replaces the output sink. format is "text" or "json".
func Configure(w io.Writer, format string) {
	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(slog.New(h))
}

func SetLevel(level LogLevel) {
	levelVar.Set(toSlogLevel(level))
}

func GetLevel() LogLevel {
	switch l := levelVar.Level(); {
	case l <= slog.LevelDebug:
		return DEBUG
	case l <= slog.LevelInfo:
		return INFO
	case l <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// ParseLevel maps a config string to a level, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Slog exposes the underlying logger for libraries that want one.
func Slog() *slog.Logger {
	return current.Load()
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logC(level LogLevel, component, msg string, fields map[string]interface{}) {
	l := current.Load()
	lvl := toSlogLevel(level)
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func Debug(msg string) { logC(DEBUG, "", msg, nil) }
func Info(msg string)  { logC(INFO, "", msg, nil) }
func Warn(msg string)  { logC(WARN, "", msg, nil) }
func Error(msg string) { logC(ERROR, "", msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	logC(DEBUG, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	logC(INFO, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	logC(WARN, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	logC(ERROR, component, msg, fields)
}
