package jcore

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Interface(t *testing.T) {
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()
	require.NotNil(t, logger)
	assert.Equal(t, Logger(slog.Default()), logger)
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

// mockLogger records entries; it is written to from the receive loop.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *mockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

// find returns the first entry with msg.
func (l *mockLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func TestWithAttrs(t *testing.T) {
	base := &mockLogger{}

	logger := withAttrs(base, "conn", 7)
	logger.Info("hello", "key", "value")

	e, ok := base.find("hello")
	require.True(t, ok)
	assert.Equal(t, "info", e.level)
	assert.Equal(t, []any{"conn", 7, "key", "value"}, e.args)
}

func TestWithAttrs_Nested(t *testing.T) {
	base := &mockLogger{}

	logger := withAttrs(withAttrs(base, "conn", 1), "transport", "stream")
	logger.Warn("nested")

	e, ok := base.find("nested")
	require.True(t, ok)
	assert.Equal(t, []any{"conn", 1, "transport", "stream"}, e.args)

	_, isAttr := logger.(*attrLogger).Logger.(*attrLogger)
	assert.False(t, isAttr, "nested attrLoggers should be flattened")
}

func TestWithAttrs_NoAttrs(t *testing.T) {
	base := &mockLogger{}
	assert.Same(t, base, withAttrs(base).(*mockLogger))
}
