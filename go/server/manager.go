// Package server implements the nxy control plane: the registry of live
// agent sessions, the reconciliation engine which turns flake revisions
// into per-agent work, and the admin HTTP surface.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/nxy-sh/nxy/go/agent"
	"github.com/nxy-sh/nxy/go/rpc"
	"github.com/nxy-sh/nxy/go/store"
)

const heartbeatInterval = 5 * time.Second

// Manager is the registry of live agent sessions, keyed by durable agent
// id. It performs the identity handshake when a session arrives, probes
// liveness on a fixed cadence, and brokers server-initiated calls to named
// agents.
type Manager struct {
	store       *store.Store
	externalURL string

	// Shortened by tests.
	interval time.Duration

	mu     sync.Mutex
	agents map[uuid.UUID]*rpc.Peer
}

// NewManager returns a Manager persisting through |st|. Download calls
// direct agents at the substituter reachable at |externalURL|.
func NewManager(st *store.Store, externalURL string) *Manager {
	return &Manager{
		store:       st,
		externalURL: externalURL,
		interval:    heartbeatInterval,
		agents:      make(map[uuid.UUID]*rpc.Peer),
	}
}

// OnConnect performs the identity handshake on a freshly arrived session:
// it requests $/status, persists the reported identity and current system,
// attempts auto-binding of unassigned agents, and installs the peer in the
// registry, replacing and discarding any previous session of the same
// agent.
func (m *Manager) OnConnect(ctx context.Context, peer *rpc.Peer) error {
	var status agent.Status
	if err := m.call(ctx, peer, "$/status", nil, &status); err != nil {
		handshakeCounter.WithLabelValues("error").Inc()
		return fmt.Errorf("requesting agent status: %w", err)
	}

	known, err := m.store.EnsureAgent(ctx, status.ID)
	if err != nil {
		handshakeCounter.WithLabelValues("error").Inc()
		return err
	}
	if known {
		log.WithField("id", status.ID).Info("known agent connected")
	} else {
		log.WithField("id", status.ID).Info("new agent established a connection")
	}

	if err = m.store.UpdateAgentSystem(ctx, status.ID, status.System.Current); err != nil {
		return err
	}
	if err = m.store.MatchAgentsBySystem(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	var old = m.agents[status.ID]
	m.agents[status.ID] = peer
	connectedAgentsGauge.Set(float64(len(m.agents)))
	m.mu.Unlock()

	if old != nil && old != peer {
		log.WithField("id", status.ID).Info("replacing previous session of agent")
		old.Close()
	}
	handshakeCounter.WithLabelValues("ok").Inc()
	return nil
}

// Get returns the live peer of |agentID|, if any.
func (m *Manager) Get(agentID uuid.UUID) (*rpc.Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var peer, ok = m.agents[agentID]
	return peer, ok
}

// QueueTasks queues the heartbeat loop, which probes every registered
// session each interval and evicts sessions whose ping fails. The loop
// runs until the task group is cancelled.
func (m *Manager) QueueTasks(tasks *task.Group) {
	tasks.Queue("agentHeartbeat", func() error {
		m.heartbeatLoop(tasks.Context())
		return nil
	})
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	var ticker = time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat pings a snapshot of the registry. Pings run concurrently and
// are not awaited: a ping still outstanding at the next cycle is a
// separate outstanding call, not a cancellation.
func (m *Manager) heartbeat(ctx context.Context) {
	m.mu.Lock()
	var snapshot = make(map[uuid.UUID]*rpc.Peer, len(m.agents))
	for id, peer := range m.agents {
		snapshot[id] = peer
	}
	m.mu.Unlock()

	for id, peer := range snapshot {
		var id, peer = id, peer
		go func() {
			if err := m.call(ctx, peer, "$/ping", nil, nil); err != nil {
				log.WithFields(log.Fields{"id": id, "err": err}).Warn("agent failed heartbeat")
				heartbeatFailureCounter.Inc()
				m.evict(id, peer)
			}
		}()
	}
}

// evict removes |peer| from the registry, unless a newer session has
// already replaced it.
func (m *Manager) evict(agentID uuid.UUID, peer *rpc.Peer) {
	m.mu.Lock()
	if m.agents[agentID] == peer {
		delete(m.agents, agentID)
		connectedAgentsGauge.Set(float64(len(m.agents)))
	}
	m.mu.Unlock()
	peer.Close()
}

// OnConfigurationUpdate reacts to a fresh evaluation of |configID| at
// |flakeRevisionID|: if an agent is assigned that configuration and has a
// live session, it is told to download the evaluated store path. Activation
// remains an explicit admin action.
func (m *Manager) OnConfigurationUpdate(ctx context.Context, configID, flakeRevisionID int64) error {
	var agentID, ok, err = m.store.AgentForConfiguration(ctx, configID)
	if err != nil {
		return err
	} else if !ok {
		return nil
	}

	storePath, err := m.store.EvaluationStorePath(ctx, flakeRevisionID, configID)
	if err != nil {
		return err
	}

	peer, live := m.Get(agentID)
	if !live {
		log.WithField("id", agentID).Info("assigned agent is offline, skipping download dispatch")
		return nil
	}

	log.WithFields(log.Fields{"id": agentID, "storePath": storePath}).
		Info("updating configuration on agent")
	return m.call(ctx, peer, "$/download",
		agent.DownloadParams{StorePath: storePath, From: m.externalURL}, nil)
}

// Download tells |agentID| to fetch |storePath| from the server.
func (m *Manager) Download(ctx context.Context, agentID uuid.UUID, storePath string) error {
	var peer, ok = m.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no live session", agentID)
	}
	return m.call(ctx, peer, "$/download",
		agent.DownloadParams{StorePath: storePath, From: m.externalURL}, nil)
}

// Activate tells |agentID| to activate |storePath| as its system profile.
// The agent may be restarted by the activation before it responds.
func (m *Manager) Activate(ctx context.Context, agentID uuid.UUID, storePath string) error {
	var peer, ok = m.Get(agentID)
	if !ok {
		return fmt.Errorf("agent %s has no live session", agentID)
	}
	return m.call(ctx, peer, "$/activate", agent.ActivateParams{StorePath: storePath}, nil)
}

func (m *Manager) call(ctx context.Context, peer *rpc.Peer, method string, params, out interface{}) error {
	var err = peer.CallResult(ctx, method, params, out)
	if err != nil {
		agentRPCCounter.WithLabelValues(method, "error").Inc()
	} else {
		agentRPCCounter.WithLabelValues(method, "ok").Inc()
	}
	return err
}
