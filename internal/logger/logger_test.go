package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Level Tests
// ============================================================================

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugSuppressedAtInfo", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		Debug("hidden message")
		Info("visible message")

		out := buf.String()
		assert.NotContains(t, out, "hidden message")
		assert.Contains(t, out, "visible message")
	})

	t.Run("DebugEmittedAtDebug", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "DEBUG", "text", false)

		Debug("now visible")

		assert.Contains(t, buf.String(), "now visible")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		SetLevel("NOISY")
		Info("still works")

		assert.Contains(t, buf.String(), "still works")
	})
}

// ============================================================================
// Format Tests
// ============================================================================

func TestTextFormat(t *testing.T) {
	t.Run("IncludesAttributes", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		Info("export progress", KeyPath, "/tmp/disk.raw", KeyPercent, 42)

		out := buf.String()
		assert.Contains(t, out, "export progress")
		assert.Contains(t, out, "path=/tmp/disk.raw")
		assert.Contains(t, out, "percent=42")
	})

	t.Run("NoColorCodesWhenDisabled", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", false)

		Info("plain output")

		assert.NotContains(t, buf.String(), "\033[")
	})

	t.Run("ColorCodesWhenEnabled", func(t *testing.T) {
		var buf bytes.Buffer
		InitWithWriter(&buf, "INFO", "text", true)

		Info("colored output")

		assert.Contains(t, buf.String(), "\033[")
	})
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)

	Info("export finished", KeyErrorCode, 0)

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))

	assert.Equal(t, "export finished", record["msg"])
	assert.Equal(t, float64(0), record[KeyErrorCode])
}

// ============================================================================
// Field Constructor Tests
// ============================================================================

func TestFieldConstructors(t *testing.T) {
	t.Run("SessionID", func(t *testing.T) {
		attr := SessionID("abc-123")
		assert.Equal(t, KeySessionID, attr.Key)
		assert.Equal(t, "abc-123", attr.Value.String())
	})

	t.Run("Percent", func(t *testing.T) {
		attr := Percent(73)
		assert.Equal(t, KeyPercent, attr.Key)
		assert.Equal(t, int64(73), attr.Value.Int64())
	})

	t.Run("ErrNil", func(t *testing.T) {
		attr := Err(nil)
		assert.True(t, attr.Equal(Err(nil)))
		assert.Empty(t, attr.Key)
	})

	t.Run("ErrNonNil", func(t *testing.T) {
		attr := Err(assert.AnError)
		assert.Equal(t, KeyError, attr.Key)
		assert.Equal(t, assert.AnError.Error(), attr.Value.String())
	})
}
