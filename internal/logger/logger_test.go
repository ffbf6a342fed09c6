package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"none", LevelNone},
		{"off", LevelNone},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "flowsync.log")

	l, err := New(LevelInfo, logPath, "test")
	require.NoError(t, err)

	l.Info("test message")
	l.Debug("should not appear")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	assert.Contains(t, string(content), "[INFO] [test] test message")
	assert.NotContains(t, string(content), "should not appear")
}

func TestWithPrefixSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(LevelInfo, &buf, "web")
	child := parent.WithPrefix("client")

	child.Debug("hidden")
	parent.SetLevel(LevelDebug)
	child.Debug("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[web:client] visible")
	assert.Equal(t, LevelDebug, child.GetLevel())
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", "test")
	require.NoError(t, err)

	l.Debug("debug")
	l.Error("error")
	assert.NoError(t, l.Close())
}

func TestStderrSink(t *testing.T) {
	l, err := New(LevelWarn, StderrPath, "")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, l.GetLevel())
	assert.NoError(t, l.Close())
}

func TestGlobalLoggerWithoutInit(t *testing.T) {
	require.NotNil(t, Global())

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
}

func TestSlogHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelInfo, &buf, "")

	sl := slog.New(NewSlogHandler(l)).WithGroup("http").With("addr", ":8080")
	sl.Warn("listen failed", "attempt", 2)
	sl.Debug("dropped")

	out := buf.String()
	assert.Contains(t, out, "[WARN] listen failed http.addr=:8080 http.attempt=2")
	assert.NotContains(t, out, "dropped")
}

func TestStdLoggerBridge(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(LevelDebug, &buf, "http")

	NewStdLogger(l, slog.LevelError).Printf("tls handshake error from %s", "10.0.0.1")

	assert.Contains(t, buf.String(), "[ERROR] [http] tls handshake error from 10.0.0.1")
}
