package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nxy-sh/nxy/go/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveAgentSession upgrades an inbound request to the agent session
// transport and serves it until either side closes. The handshake runs
// concurrently with the session pumps: it issues $/status on the new peer
// and installs it in the registry once the agent answers.
func (s *API) serveAgentSession(w http.ResponseWriter, r *http.Request) {
	var conn, err = upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade agent session request")
		return
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		log.WithFields(log.Fields{"userAgent": ua, "client": r.RemoteAddr}).
			Info("agent connected")
	}

	var peer = rpc.NewPeer(s.warnOnRequest)

	go func() {
		if err := s.manager.OnConnect(r.Context(), peer); err != nil {
			log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
				Warn("agent handshake failed, dropping session")
			peer.Close()
		}
	}()

	if err = rpc.ServeConn(r.Context(), conn, peer); err != nil {
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("agent session ended with error")
	} else {
		log.WithField("client", r.RemoteAddr).Debug("agent disconnected")
	}
}

// warnOnRequest is the server peer's handler: agents are not expected to
// issue requests, so log and answer InvalidRequest rather than terminate.
func (s *API) warnOnRequest(ctx context.Context, req *rpc.Message) *rpc.Message {
	log.WithField("method", req.Method).Warn("agent sent a request, this should not happen")
	return rpc.NewErrorResponse(*req.ID, rpc.CodeInvalidRequest, "server does not accept requests")
}
