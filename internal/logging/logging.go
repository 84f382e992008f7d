// ABOUTME: Builds slog loggers from config strings and agent trace levels.
// ABOUTME: Loggers are constructed here and passed down; nothing is stored globally.

package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrUnknownTraceLevel is returned by ParseTraceLevel for unrecognized names.
var ErrUnknownTraceLevel = errors.New("unknown trace level")

// TraceLevel is the agent's --trace setting.
type TraceLevel int

const (
	TraceOff TraceLevel = iota
	TraceError
	TraceWarning
	TraceInfo
	TraceDebug
)

// TraceVerbose is accepted as a synonym of TraceDebug.
const TraceVerbose = TraceDebug

var traceNames = map[string]TraceLevel{
	"off":     TraceOff,
	"error":   TraceError,
	"warning": TraceWarning,
	"info":    TraceInfo,
	"debug":   TraceDebug,
	"verbose": TraceVerbose,
}

// ParseTraceLevel parses a trace level name, ignoring case.
func ParseTraceLevel(s string) (TraceLevel, error) {
	if lvl, ok := traceNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return TraceOff, fmt.Errorf("%w: %q", ErrUnknownTraceLevel, s)
}

func (t TraceLevel) String() string {
	switch t {
	case TraceOff:
		return "Off"
	case TraceError:
		return "Error"
	case TraceWarning:
		return "Warning"
	case TraceInfo:
		return "Info"
	case TraceDebug:
		return "Debug"
	default:
		return fmt.Sprintf("TraceLevel(%d)", int(t))
	}
}

// SlogLevel maps t onto slog. TraceOff has no slog equivalent and maps to
// a level above Error.
func (t TraceLevel) SlogLevel() slog.Level {
	switch t {
	case TraceError:
		return slog.LevelError
	case TraceWarning:
		return slog.LevelWarn
	case TraceInfo:
		return slog.LevelInfo
	case TraceDebug:
		return slog.LevelDebug
	default:
		return slog.LevelError + 4
	}
}

// ParseLevel converts a config level ("debug", "info", "warn", "error") to
// a slog level. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to w. format is "json" or "text".
func New(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ForTrace creates the agent logger for a trace level. TraceOff discards
// everything.
func ForTrace(level TraceLevel, w io.Writer) *slog.Logger {
	if level == TraceOff {
		return Discard()
	}
	return New(level.SlogLevel(), "text", w)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
