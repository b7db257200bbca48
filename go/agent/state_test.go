package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestLoadStateGeneratesAndPersistsIdentity(t *testing.T) {
	var dir = filepath.Join(t.TempDir(), "nested", "state")

	var state, err = LoadState(dir)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, state.ID)

	// The file exists and holds the same id.
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var onDisk State
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, state.ID, onDisk.ID)

	// Reloading is stable.
	reloaded, err := LoadState(dir)
	require.NoError(t, err)
	require.Equal(t, state.ID, reloaded.ID)
}

func TestLoadStateRejectsCorruptFile(t *testing.T) {
	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{"), 0o600))

	var _, err = LoadState(dir)
	require.Error(t, err)
}

func TestSessionEndpoint(t *testing.T) {
	require.Equal(t, "ws://localhost:8080/api/v1/agent/ws",
		sessionEndpoint("http://localhost:8080"))
	require.Equal(t, "wss://nxy.example.com/api/v1/agent/ws",
		sessionEndpoint("https://nxy.example.com/"))
	require.Equal(t, "ws://10.0.0.1:8080/api/v1/agent/ws",
		sessionEndpoint("ws://10.0.0.1:8080"))
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	var d = initialBackoff
	var seen []time.Duration
	for i := 0; i != 6; i++ {
		seen = append(seen, d)
		d = nextBackoff(d)
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, seen)
}
