package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const permission = 0664

// ZeroLogger is a zerolog-backed Logger.
type ZeroLogger struct {
	logger  zerolog.Logger
	logFile *os.File
}

// NewZero returns a zerolog-backed Logger writing JSON lines to w.
// A nil writer defaults to stdout.
func NewZero(w io.Writer) *ZeroLogger {
	if w == nil {
		w = os.Stdout
	}
	return &ZeroLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// NewZeroFile returns a zerolog-backed Logger appending to the file at
// path, creating it if needed.
func NewZeroFile(path string) (*ZeroLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
	if err != nil {
		return nil, err
	}
	return &ZeroLogger{
		logger:  zerolog.New(zerolog.SyncWriter(f)).With().Timestamp().Logger(),
		logFile: f,
	}, nil
}

// Close closes the log file, if any.
func (z *ZeroLogger) Close() error {
	if z.logFile == nil {
		return nil
	}
	return z.logFile.Close()
}

func (z *ZeroLogger) Error(msg string, args ...any) {
	emit(z.logger.Error(), msg, args)
}

func (z *ZeroLogger) Warn(msg string, args ...any) {
	emit(z.logger.Warn(), msg, args)
}

func (z *ZeroLogger) Info(msg string, args ...any) {
	emit(z.logger.Info(), msg, args)
}

func (z *ZeroLogger) Debug(msg string, args ...any) {
	emit(z.logger.Debug(), msg, args)
}

func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		ev = ev.Interface(fmt.Sprint(args[i]), args[i+1])
	}
	ev.Msg(msg)
}
