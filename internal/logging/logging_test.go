package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewStructuredLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	logger.Info("fix accepted", slog.String("vehicle_id", "BUS001"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "fix accepted", entry["msg"])
	assert.Equal(t, "BUS001", entry["vehicle_id"])
}

func TestLogErrorAddsErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	LogError(logger, "insert failed", errors.New("disk full"), slog.String("table", "bus_positions"))

	entry := decodeLine(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "disk full", entry["error"])
	assert.Equal(t, "bus_positions", entry["table"])
}

func TestLogOperationSkipsZeroDuration(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	LogOperation(logger, "routes_loaded", slog.Duration("duration", 0), slog.Int("vertices", 12))

	entry := decodeLine(t, &buf)
	_, hasDuration := entry["duration"]
	assert.False(t, hasDuration)
	assert.EqualValues(t, 12, entry["vertices"])

	buf.Reset()
	LogOperation(logger, "routes_loaded", slog.Duration("duration", time.Second))
	entry = decodeLine(t, &buf)
	assert.Contains(t, entry, "duration")
}

func TestNonCriticalLogsAndContinues(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo)

	NonCritical(context.Background(), logger, "cache_latest", func(context.Context) error {
		return errors.New("redis down")
	})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "cache_latest", entry["operation"])
	assert.Equal(t, "redis down", entry["error"])

	buf.Reset()
	NonCritical(context.Background(), logger, "cache_latest", func(context.Context) error { return nil })
	assert.Zero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestContextLogger(t *testing.T) {
	logger := Discard()
	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
