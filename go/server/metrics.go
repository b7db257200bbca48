package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedAgentsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "nxy_connected_agents",
	Help: "number of agents with a live session",
})

var handshakeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nxy_agent_handshakes_total",
	Help: "counter of agent session handshakes",
}, []string{"status"})

var heartbeatFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nxy_heartbeat_failures_total",
	Help: "counter of heartbeat pings which failed and evicted their agent",
})

var agentRPCCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nxy_agent_rpcs_total",
	Help: "counter of server-initiated RPCs to agents",
}, []string{"method", "status"})
