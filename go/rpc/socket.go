package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Maximum time we'll wait for a write we initiate to complete.
// We don't use websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const wsWriteTimeout = 10 * time.Second

// ServeConn pumps envelopes between |conn| and |peer| until the connection
// or the peer closes. Text frames are decoded and dispatched; a frame that
// fails to decode is answered with a synthesized ParseError response and
// the session continues. A binary frame is a client protocol error and
// terminates the session. Control frames (ping/pong) are handled by the
// websocket layer; a close frame ends both halves cleanly. Closing the
// peer closes the connection: the remote observes a close frame and the
// blocked read returns.
//
// On return the peer is closed and every outstanding call has been
// abandoned.
func ServeConn(ctx context.Context, conn *websocket.Conn, peer *Peer) error {
	defer peer.Close()
	defer conn.Close()

	// Writer pump: drain the peer's outbox onto the wire. On teardown it
	// also closes the connection, which unblocks the inbound pump.
	var writeErr = make(chan error, 1)
	go func() {
		for {
			select {
			case m := <-peer.Outbox():
				var data, err = Encode(m)
				if err != nil {
					writeErr <- fmt.Errorf("encoding envelope: %w", err)
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
					writeErr <- fmt.Errorf("writing frame: %w", err)
					return
				}
			case <-peer.Done():
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				writeErr <- nil
				return
			case <-ctx.Done():
				conn.Close()
				writeErr <- ctx.Err()
				return
			}
		}
	}()

	// Inbound pump: read frames until the stream ends.
	var readErr error
readLoop:
	for {
		var mt, data, err = conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
				websocket.CloseGoingAway) {
				err = nil // Clean end-of-stream.
			}
			select {
			case <-peer.Done():
				err = nil // Teardown was initiated on our side.
			default:
			}
			readErr = err
			break readLoop
		}

		switch mt {
		case websocket.TextMessage:
			var msg, err = Decode(data)
			if err != nil {
				log.WithFields(log.Fields{"err": err, "frame": string(data)}).
					Warn("failed to decode frame")
				peer.SendParseError(ctx, err)
				continue
			}
			peer.Handle(ctx, msg)
		case websocket.BinaryMessage:
			readErr = fmt.Errorf("unexpected binary frame (expected text)")
			break readLoop
		}
	}

	// Unblock and join the writer.
	peer.Close()
	var wErr = <-writeErr

	if readErr != nil {
		return readErr
	}
	return wErr
}

// Dial establishes a websocket session to |url| and returns the connection.
func Dial(ctx context.Context, url string) (*websocket.Conn, error) {
	var conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return conn, nil
}
