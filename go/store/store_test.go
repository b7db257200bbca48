package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	var s, err = Open(filepath.Join(t.TempDir(), "nxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var tsZero = time.Unix(1700000000, 0).UTC()

func TestOpenIsIdempotent(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "nxy.db")

	var s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Re-opening finds migrations already applied.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestFlakeRegistrationAndListing(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)

	var flake, err = s.InsertFlake(ctx, "github:x/y", "rev-1", tsZero,
		"github:x/y/rev-1", json.RawMessage(`{"revision":"rev-1"}`))
	require.NoError(t, err)
	require.Equal(t, "github:x/y", flake.FlakeURL)
	require.Equal(t, "rev-1", flake.LatestRevision.Revision)

	// flake_url is unique.
	_, err = s.InsertFlake(ctx, "github:x/y", "rev-1", tsZero, "github:x/y/rev-1", nil)
	require.Error(t, err)

	// A second revision supersedes the first in the listing.
	_, err = s.InsertRevision(ctx, flake.FlakeID, "rev-2", tsZero.Add(time.Hour),
		"github:x/y/rev-2", json.RawMessage(`{}`))
	require.NoError(t, err)

	flakes, err := s.ListFlakes(ctx)
	require.NoError(t, err)
	require.Len(t, flakes, 1)
	require.Equal(t, "rev-2", flakes[0].LatestRevision.Revision)
	require.Equal(t, tsZero.Add(time.Hour), flakes[0].LatestRevision.LastModified)

	flakeID, url, err := s.RevisionURL(ctx, flakes[0].LatestRevision.FlakeRevisionID)
	require.NoError(t, err)
	require.Equal(t, flake.FlakeID, flakeID)
	require.Equal(t, "github:x/y/rev-2", url)
}

func TestConfigurationUpsertIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)

	var flake, err = s.InsertFlake(ctx, "github:x/y", "rev-1", tsZero, "u", nil)
	require.NoError(t, err)

	id1, err := s.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)
	id2, err := s.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	idBeta, err := s.UpsertConfiguration(ctx, flake.FlakeID, "beta")
	require.NoError(t, err)
	require.NotEqual(t, id1, idBeta)

	configs, err := s.ListConfigurations(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	require.Equal(t, "github:x/y", configs[0].FlakeURL)
}

func TestEvaluationIsAppendOnlyAndUnique(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)

	var flake, err = s.InsertFlake(ctx, "github:x/y", "rev-1", tsZero, "u", nil)
	require.NoError(t, err)
	configID, err := s.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)

	var revID = flake.LatestRevision.FlakeRevisionID
	require.NoError(t, s.InsertEvaluation(ctx, revID, configID, "/nix/store/AAA-alpha"))
	// Duplicate inserts are ignored, first write wins.
	require.NoError(t, s.InsertEvaluation(ctx, revID, configID, "/nix/store/ZZZ-other"))

	storePath, err := s.EvaluationStorePath(ctx, revID, configID)
	require.NoError(t, err)
	require.Equal(t, "/nix/store/AAA-alpha", storePath)
}

func TestAgentLifecycle(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)
	var id = uuid.New()

	known, err := s.EnsureAgent(ctx, id)
	require.NoError(t, err)
	require.False(t, known)

	known, err = s.EnsureAgent(ctx, id)
	require.NoError(t, err)
	require.True(t, known)

	require.NoError(t, s.UpdateAgentSystem(ctx, id, "/nix/store/AAA-alpha"))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, id, agents[0].ID)
	require.Equal(t, "/nix/store/AAA-alpha", *agents[0].CurrentSystem)
	require.Nil(t, agents[0].ConfigurationID)
}

func TestMatchAgentsBySystem(t *testing.T) {
	var ctx = context.Background()
	var s = testStore(t)

	var flake, err = s.InsertFlake(ctx, "github:x/y", "rev-1", tsZero, "u", nil)
	require.NoError(t, err)
	alphaID, err := s.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)
	betaID, err := s.UpsertConfiguration(ctx, flake.FlakeID, "beta")
	require.NoError(t, err)

	var revID = flake.LatestRevision.FlakeRevisionID
	require.NoError(t, s.InsertEvaluation(ctx, revID, alphaID, "/nix/store/AAA-alpha"))
	require.NoError(t, s.InsertEvaluation(ctx, revID, betaID, "/nix/store/BBB-beta"))

	var matched, unmatched, assigned = uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{matched, unmatched, assigned} {
		var _, err = s.EnsureAgent(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateAgentSystem(ctx, matched, "/nix/store/AAA-alpha"))
	require.NoError(t, s.UpdateAgentSystem(ctx, unmatched, "/nix/store/XXX-elsewhere"))
	// Pre-assigned agents are left alone even if their system matches.
	require.NoError(t, s.UpdateAgentSystem(ctx, assigned, "/nix/store/AAA-alpha"))
	require.NoError(t, s.AssignConfiguration(ctx, assigned, betaID))

	require.NoError(t, s.MatchAgentsBySystem(ctx))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	var byID = map[uuid.UUID]Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	require.Equal(t, alphaID, *byID[matched].ConfigurationID)
	require.Nil(t, byID[unmatched].ConfigurationID)
	require.Equal(t, betaID, *byID[assigned].ConfigurationID)

	agentID, ok, err := s.AgentForConfiguration(ctx, alphaID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, matched, agentID)

	_, ok, err = s.AgentForConfiguration(ctx, 999)
	require.NoError(t, err)
	require.False(t, ok)
}
