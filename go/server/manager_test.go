package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestManagerHandshakePersistsAgent(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	var fake = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}
	var peer = connectFake(ctx, fake)

	require.NoError(t, m.OnConnect(ctx, peer))

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, fake.id, agents[0].ID)
	require.Equal(t, "/nix/store/AAA-alpha", *agents[0].CurrentSystem)

	got, ok := m.Get(fake.id)
	require.True(t, ok)
	require.Equal(t, peer, got)
}

func TestManagerRehandshakeReplacesPeer(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	var fake = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}

	var first = connectFake(ctx, fake)
	require.NoError(t, m.OnConnect(ctx, first))

	var second = connectFake(ctx, fake)
	require.NoError(t, m.OnConnect(ctx, second))

	// Exactly one peer is installed, and it is the new one; the previous
	// session was discarded.
	got, ok := m.Get(fake.id)
	require.True(t, ok)
	require.Equal(t, second, got)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("previous peer was not discarded")
	}

	// The agents table still holds a single row.
	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestManagerHandshakeAutoBindsConfiguration(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	// Configurations alpha and beta are already evaluated.
	flake, err := st.InsertFlake(ctx, "github:x/y", "rev-1", time.Unix(1700000000, 0), "u", nil)
	require.NoError(t, err)
	alphaID, err := st.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)
	require.NoError(t, st.InsertEvaluation(ctx,
		flake.LatestRevision.FlakeRevisionID, alphaID, "/nix/store/AAA-alpha"))

	var fake = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}
	require.NoError(t, m.OnConnect(ctx, connectFake(ctx, fake)))

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.NotNil(t, agents[0].ConfigurationID)
	require.Equal(t, alphaID, *agents[0].ConfigurationID)
}

func TestManagerHandshakeFailsWithoutStatus(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	// The session is already closed by the time the handshake runs.
	var peer = connectFake(ctx, &fakeAgent{id: uuid.New()})
	peer.Close()

	require.Error(t, m.OnConnect(ctx, peer))

	agents, err := st.ListAgents(context.Background())
	require.NoError(t, err)
	require.Empty(t, agents)
}

func TestHeartbeatEvictsClosedPeer(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	var healthy = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}
	var dying = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/BBB-beta"}

	require.NoError(t, m.OnConnect(ctx, connectFake(ctx, healthy)))
	var dyingPeer = connectFake(ctx, dying)
	require.NoError(t, m.OnConnect(ctx, dyingPeer))

	// The dying agent's session closes out-of-band.
	dyingPeer.Close()

	m.heartbeat(ctx)

	require.Eventually(t, func() bool {
		var _, ok = m.Get(dying.id)
		return !ok
	}, time.Second, 10*time.Millisecond, "closed peer was not evicted")

	// The healthy agent is unaffected.
	var _, ok = m.Get(healthy.id)
	require.True(t, ok)
}

func TestOnConfigurationUpdateDispatchesDownload(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	flake, err := st.InsertFlake(ctx, "github:x/y", "rev-1", time.Unix(1700000000, 0), "u", nil)
	require.NoError(t, err)
	alphaID, err := st.UpsertConfiguration(ctx, flake.FlakeID, "alpha")
	require.NoError(t, err)
	var revID = flake.LatestRevision.FlakeRevisionID
	require.NoError(t, st.InsertEvaluation(ctx, revID, alphaID, "/nix/store/AAA-alpha"))

	var fake = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}
	require.NoError(t, m.OnConnect(ctx, connectFake(ctx, fake)))

	// The handshake auto-bound the agent to alpha.
	require.NoError(t, m.OnConfigurationUpdate(ctx, alphaID, revID))

	var downloads = fake.downloaded()
	require.Len(t, downloads, 1)
	require.Equal(t, "/nix/store/AAA-alpha", downloads[0].StorePath)
	require.Equal(t, "http://server:8080", downloads[0].From)

	// No assigned agent: dispatch is a no-op, not an error.
	otherID, err := st.UpsertConfiguration(ctx, flake.FlakeID, "unassigned")
	require.NoError(t, err)
	require.NoError(t, st.InsertEvaluation(ctx, revID, otherID, "/nix/store/CCC-gamma"))
	require.NoError(t, m.OnConfigurationUpdate(ctx, otherID, revID))
	require.Len(t, fake.downloaded(), 1)
}

func TestManagerDownloadAndActivate(t *testing.T) {
	var ctx = context.Background()
	var st = testStore(t)
	var m = NewManager(st, "http://server:8080")

	var fake = &fakeAgent{id: uuid.New(), currentSystem: "/nix/store/AAA-alpha"}
	require.NoError(t, m.OnConnect(ctx, connectFake(ctx, fake)))

	require.NoError(t, m.Download(ctx, fake.id, "/nix/store/BBB-beta"))
	require.NoError(t, m.Activate(ctx, fake.id, "/nix/store/BBB-beta"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.downloads, 1)
	require.Equal(t, "/nix/store/BBB-beta", fake.downloads[0].StorePath)
	require.Len(t, fake.activates, 1)
	require.Equal(t, "/nix/store/BBB-beta", fake.activates[0].StorePath)

	// Calls to agents without a live session fail.
	require.Error(t, m.Download(ctx, uuid.New(), "/nix/store/BBB-beta"))
	require.Error(t, m.Activate(ctx, uuid.New(), "/nix/store/BBB-beta"))
}
