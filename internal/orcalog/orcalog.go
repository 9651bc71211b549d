// Package orcalog provides the structured logger every component holds as
// an explicit dependency (no global logger instance). Write failures are
// swallowed: logging is best-effort and must never be the reason a tick
// or a run fails.
package orcalog

import (
	"context"
	"io"
	"log/slog"
)

// Logger is the leveled logging interface components depend on.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a JSON-structured Logger writing to w at the given level.
func New(w io.Writer, level slog.Level) Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return &slogLogger{l: slog.New(&swallowingHandler{Handler: h})}
}

func (s *slogLogger) Debug(msg string, kv ...any) { s.l.Debug(msg, kv...) }
func (s *slogLogger) Info(msg string, kv ...any)  { s.l.Info(msg, kv...) }
func (s *slogLogger) Warn(msg string, kv ...any)  { s.l.Warn(msg, kv...) }
func (s *slogLogger) Error(msg string, kv ...any) { s.l.Error(msg, kv...) }

func (s *slogLogger) With(kv ...any) Logger {
	return &slogLogger{l: s.l.With(kv...)}
}

// swallowingHandler wraps an slog.Handler so that a write failure (e.g. a
// full disk or a closed log file) never propagates to the caller.
type swallowingHandler struct {
	slog.Handler
}

func (h *swallowingHandler) Handle(ctx context.Context, r slog.Record) error {
	_ = h.Handler.Handle(ctx, r)
	return nil
}

func (h *swallowingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &swallowingHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *swallowingHandler) WithGroup(name string) slog.Handler {
	return &swallowingHandler{Handler: h.Handler.WithGroup(name)}
}

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() Logger { return New(io.Discard, slog.LevelError+1) }
