// Package logattr provides the slog attributes shared by flowfiber loggers so
// every component names the same field the same way.
package logattr

import (
	"io"
	"log/slog"
	"os"
)

func FlowID[T ~string](id T) slog.Attr {
	return slog.String("flow_id", string(id))
}

func EventType[T ~string](typ T) slog.Attr {
	return slog.String("event_type", string(typ))
}

func Request[T ~string](kind T) slog.Attr {
	return slog.String("request", string(kind))
}

func RequestID[T ~string](id T) slog.Attr {
	return slog.String("request_id", string(id))
}

func SessionID[T ~string](id T) slog.Attr {
	return slog.String("session_id", string(id))
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Partition(n int) slog.Attr {
	return slog.Int("partition", n)
}

func Topic[T ~string](topic T) slog.Attr {
	return slog.String("topic", string(topic))
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

// New constructs a slog.Logger writing to stderr at lvl, JSON or text.
func New(service string, json bool, lvl slog.Level) *slog.Logger {
	return NewWriter(os.Stderr, service, json, lvl)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, service string, json bool, lvl slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", service))
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level,
// defaulting to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
