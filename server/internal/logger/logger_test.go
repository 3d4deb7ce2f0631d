package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.Info("hello", "key", "value")

	assert.Contains(t, buf.String(), "hello")
	assert.Contains(t, buf.String(), "key=value")
}

func TestNewFiltersDebugUnlessEnabled(t *testing.T) {
	var buf bytes.Buffer
	New(WithWriter(&buf)).Debug("hidden")
	assert.Empty(t, buf.String())

	New(WithWriter(&buf), WithDebug(true)).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithJSON(true))
	l.With("component", "ocr").Info("structured", "count", 42)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "structured", parsed["msg"])
	assert.Equal(t, "ocr", parsed["component"])
	assert.EqualValues(t, 42, parsed["count"])
}

func TestNewPrettyLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithPretty(true))
	l.Info("pretty output")

	assert.Contains(t, buf.String(), "pretty output")
}

func TestWithLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithLevel("warn"))
	l.Info("dropped")
	l.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	assert.False(t, l.Handler().Enabled(context.Background(), slog.LevelError))
	assert.NotNil(t, OrNop(nil))
}

func TestFromFormatWritesToAllWriters(t *testing.T) {
	var a, b bytes.Buffer
	l := FromFormat("json", "info", &a, &b)
	l.Info("fan out")

	assert.Contains(t, a.String(), `"msg":"fan out"`)
	assert.Equal(t, a.String(), b.String())
}
