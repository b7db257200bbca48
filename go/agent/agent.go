package agent

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nxy-sh/nxy/go/rpc"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 4 * time.Second
)

// Run is the agent's connect loop: dial the server's session endpoint,
// serve the session until the transport ends, reconnect. Dial failures
// back off exponentially from 500ms to a 4s cap; a successful session
// resets the backoff. Run returns only when |ctx| is cancelled.
func Run(ctx context.Context, serverURL, stateDir string) error {
	var state, err = LoadState(stateDir)
	if err != nil {
		return err
	}
	var handler = NewHandler(state)
	var endpoint = sessionEndpoint(serverURL)

	var retry = initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var conn, err = rpc.Dial(ctx, endpoint)
		if err != nil {
			log.WithFields(log.Fields{"err": err, "retry": retry}).
				Warn("unable to establish connection to server")
			select {
			case <-time.After(retry):
			case <-ctx.Done():
				return ctx.Err()
			}
			retry = nextBackoff(retry)
			continue
		}
		retry = initialBackoff

		log.WithField("endpoint", endpoint).Info("connected to server")
		var peer = rpc.NewPeer(handler.Handle)
		if err = rpc.ServeConn(ctx, conn, peer); err != nil {
			log.WithField("err", err).Warn("session ended")
		} else {
			log.Info("session closed")
		}
	}
}

// sessionEndpoint maps the server's base URL onto its websocket session
// endpoint. The server is addressed as http(s); the session dials ws(s).
func sessionEndpoint(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		serverURL = "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		serverURL = "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return strings.TrimSuffix(serverURL, "/") + "/api/v1/agent/ws"
}

func nextBackoff(d time.Duration) time.Duration {
	if d >= maxBackoff {
		return maxBackoff
	}
	return d * 2
}
