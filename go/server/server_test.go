package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nxy-sh/nxy/go/agent"
	"github.com/nxy-sh/nxy/go/nix"
	"github.com/nxy-sh/nxy/go/rpc"
	"github.com/nxy-sh/nxy/go/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	var st, err = store.Open(filepath.Join(t.TempDir(), "nxy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeAgent answers the agent verbs in-process and records download and
// activate parameters.
type fakeAgent struct {
	id            uuid.UUID
	currentSystem string

	mu        sync.Mutex
	downloads []agent.DownloadParams
	activates []agent.ActivateParams
}

func (f *fakeAgent) handle(ctx context.Context, req *rpc.Message) *rpc.Message {
	switch req.Method {
	case "$/ping":
		return rpc.NewResponse(*req.ID, "pong")
	case "$/status":
		return rpc.NewResponse(*req.ID, agent.Status{
			ID:      f.id,
			System:  agent.System{Current: f.currentSystem, Booted: f.currentSystem},
			Version: "test",
		})
	case "$/download":
		var params agent.DownloadParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidParams, err.Error())
		}
		f.mu.Lock()
		f.downloads = append(f.downloads, params)
		f.mu.Unlock()
		return rpc.NewResponse(*req.ID, nil)
	case "$/activate":
		var params agent.ActivateParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidParams, err.Error())
		}
		f.mu.Lock()
		f.activates = append(f.activates, params)
		f.mu.Unlock()
		return rpc.NewResponse(*req.ID, nil)
	default:
		return rpc.NewErrorResponse(*req.ID, rpc.CodeMethodNotFound, "unknown method")
	}
}

func (f *fakeAgent) downloaded() []agent.DownloadParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.DownloadParams(nil), f.downloads...)
}

// pipe couples two peers back-to-back with in-memory pumps, standing in
// for a live websocket. Closing either peer tears both down.
func pipe(ctx context.Context, a, b *rpc.Peer) {
	var pump = func(from, to *rpc.Peer) {
		for {
			select {
			case m := <-from.Outbox():
				to.Handle(ctx, m)
			case <-from.Done():
				to.Close()
				return
			case <-to.Done():
				from.Close()
				return
			}
		}
	}
	go pump(a, b)
	go pump(b, a)
}

// connectFake builds the server-side peer of |f| and couples it to an
// in-process agent peer.
func connectFake(ctx context.Context, f *fakeAgent) *rpc.Peer {
	var serverPeer = rpc.NewPeer(nil)
	var agentPeer = rpc.NewPeer(f.handle)
	pipe(ctx, serverPeer, agentPeer)
	return serverPeer
}

// stubEvaluator serves canned flake metadata and evaluations.
type stubEvaluator struct {
	mu       sync.Mutex
	metadata map[string]nix.Metadata       // flake URL → metadata
	configs  map[string][]string           // pinned URL → configuration names
	paths    map[string]map[string]string  // pinned URL → name → store path
	err      error
}

func (s *stubEvaluator) FlakeMetadata(ctx context.Context, flakeURL string) (nix.Metadata, json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nix.Metadata{}, nil, s.err
	}
	var meta, ok = s.metadata[flakeURL]
	if !ok {
		return nix.Metadata{}, nil, errUnknownFlake
	}
	var raw, _ = json.Marshal(meta)
	return meta, raw, nil
}

func (s *stubEvaluator) ListConfigurations(ctx context.Context, flakeURL string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[flakeURL], nil
}

func (s *stubEvaluator) ConfigStorePath(ctx context.Context, flakeURL, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[flakeURL][name], nil
}

var errUnknownFlake = &flakeError{"flake does not exist"}

type flakeError struct{ msg string }

func (e *flakeError) Error() string { return e.msg }
