package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: DebugLevel, Output: &buf, JSON: true}).
		WithFields(map[string]interface{}{"session_id": "s-1"})

	l.Warn("guard rejected", "step", "schedule")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "schedule", entry["step"])
	assert.Equal(t, "guard rejected", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: ErrorLevel, Output: &buf, JSON: true})

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.Error(errors.New("boom"), "kept")
	assert.Contains(t, buf.String(), "boom")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
}
