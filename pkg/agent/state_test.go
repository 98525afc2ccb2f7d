package agent

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	s, err := OpenState(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStateConfigRoundTrip(t *testing.T) {
	s := openTestState(t)

	version, raw, err := s.LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, version)
	assert.Nil(t, raw)

	require.NoError(t, s.SaveConfig("v-123", []byte(`{"log_level":"debug"}`)))
	version, raw, err = s.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "v-123", version)
	assert.JSONEq(t, `{"log_level":"debug"}`, string(raw))

	require.NoError(t, s.SaveConfig("v-124", []byte(`{"log_level":"info"}`)))
	version, raw, err = s.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "v-124", version)
	assert.JSONEq(t, `{"log_level":"info"}`, string(raw))
}

func TestStateNetBaseline(t *testing.T) {
	s := openTestState(t)

	_, _, ok, err := s.LoadNetBaseline()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveNetBaseline(123456, 654321))
	rx, tx, ok, err := s.LoadNetBaseline()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(123456), rx)
	assert.Equal(t, uint64(654321), tx)
}
