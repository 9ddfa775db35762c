package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("debug", "json", &buf)
	require.NoError(t, err)

	logger.WithFields(F("component", "store")).Info("update stored", F("execution_id", "e1"), Err(errors.New("boom")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "update stored", entry["msg"])
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "e1", entry["execution_id"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter("warn", "text", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.True(t, strings.Contains(buf.String(), "shown"))
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewWithWriter("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New(LogConfig{Output: "file"})
	assert.Error(t, err)
}
