// Package logger defines the minimal logging surface shared by all
// sync components, with slog- and zerolog-backed implementations.
package logger

import "log/slog"

// Logger accepts a message and alternating key/value pairs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogHandler adapts a log/slog handler to Logger.
type SlogHandler struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

type nop struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

func (nop) Error(msg string, args ...any) {}
func (nop) Warn(msg string, args ...any)  {}
func (nop) Info(msg string, args ...any)  {}
func (nop) Debug(msg string, args ...any) {}
