package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecords(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "fleet-test", func(context.Context) string { return "abc" },
		Events{}, map[string]string{"hostname": "h1", "pod": ""})

	log.Debug(context.Background(), "dropped")
	log.With("machine_id", "m-1").Info(context.Background(), "channel opened", "port", 22)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "channel opened", rec["msg"])
	assert.Equal(t, "fleet-test", rec["service"])
	assert.Equal(t, "h1", rec["hostname"])
	assert.Equal(t, "m-1", rec["machine_id"])
	assert.Equal(t, "abc", rec["trace_id"])
	assert.EqualValues(t, 22, rec["port"])
	assert.NotContains(t, rec, "pod")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	t.Parallel()

	var got Record
	log := NewWithEvents(&bytes.Buffer{}, LevelDebug, "fleet-test", nil, Events{
		Error: func(_ context.Context, r Record) { got = r },
	})

	log.Error(context.Background(), "install failed", "service", "docker")

	assert.Equal(t, "install failed", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "docker", got.Attributes["service"])
}

func TestLoggerContext_Add(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelInfo, "fleet-test", nil))
	lc.Add("task_id", "init-1234abcd")
	lc.Info(context.Background(), "task started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "init-1234abcd", rec["task_id"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		Noop().With("k", "v").Error(context.Background(), "nothing")
	})
}
