package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	WithComponent("session").Info().Msg("connected")
	WithHostID(42).Warn().Msg("silent")
	WithTaskID("task-1").Info().Msg("dispatched")

	logger := WithComponent("batch")
	logger.Info().Str("child_id", "c1").Msg("bound first")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "connected", entry["message"])

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, float64(42), entry["host_id"])
	assert.Equal(t, "warn", entry["level"])

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	assert.Equal(t, "task-1", entry["task_id"])

	entry = map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &entry))
	assert.Equal(t, "batch", entry["component"])
	assert.Equal(t, "c1", entry["child_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("shouting"))
}
