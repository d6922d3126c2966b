package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	rawslog "log/slog"

	"github.com/stretchr/testify/require"
)

type logLine struct {
	Level   string `json:"level"`
	Msg     string `json:"msg"`
	Event   string `json:"event"`
	Attempt int    `json:"attempt"`
}

func TestSlogHandler(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})

	// level needs to be debug so every method emits
	handler := rawslog.NewJSONHandler(buffer, &rawslog.HandlerOptions{Level: rawslog.LevelDebug})
	log := New(handler)

	methods := []struct {
		fn    func(msg string, args ...any)
		level rawslog.Level
	}{
		{fn: log.Error, level: rawslog.LevelError},
		{fn: log.Warn, level: rawslog.LevelWarn},
		{fn: log.Info, level: rawslog.LevelInfo},
		{fn: log.Debug, level: rawslog.LevelDebug},
	}

	for _, m := range methods {
		t.Run(fmt.Sprintf("testing %s", m.level.String()), func(t *testing.T) {
			buffer.Reset()
			m.fn("event enqueued", "event", "01ARZ3NDEKTSV4RRFFQ69G5FAV", "attempt", 2)

			var line logLine
			require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
			require.Equal(t, m.level.String(), line.Level)
			require.Equal(t, "event enqueued", line.Msg)
			require.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", line.Event)
			require.Equal(t, 2, line.Attempt)
		})
	}
}

func TestZeroLogger(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	log := NewZero(buffer)

	log.Info("drain pass claimed events", "events", 3, "subjects", 1)

	var line struct {
		Level    string `json:"level"`
		Message  string `json:"message"`
		Events   int    `json:"events"`
		Subjects int    `json:"subjects"`
	}
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
	require.Equal(t, "info", line.Level)
	require.Equal(t, "drain pass claimed events", line.Message)
	require.Equal(t, 3, line.Events)
	require.Equal(t, 1, line.Subjects)
}

func TestZeroLoggerOddArgsDropped(t *testing.T) {
	buffer := bytes.NewBuffer([]byte{})
	log := NewZero(buffer)

	log.Warn("partial context", "event")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buffer.Bytes(), &line))
	require.Equal(t, "partial context", line["message"])
	require.NotContains(t, line, "event")
}

func TestZeroLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")

	log, err := NewZeroFile(path)
	require.NoError(t, err)
	log.Info("engine started")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "engine started")
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Error("ignored")
	log.Warn("ignored")
	log.Info("ignored")
	log.Debug("ignored")
}
