package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Depth of the outbound channel. Sends block only once this many envelopes
// are queued and un-drained by the writer pump.
const outboxDepth = 4096

// ErrPeerClosed is returned by Call when the session ends before (or while)
// a response is outstanding.
var ErrPeerClosed = errors.New("session closed")

// Handler is invoked for each inbound request envelope, and returns the
// response envelope to route back to the caller. Handlers run on the
// inbound pump; a nil return suppresses the response.
type Handler func(ctx context.Context, req *Message) *Message

// Peer is one end of a live session. It is symmetric: the same type serves
// the server side (issuing $/ping, $/status, ... to an agent) and the agent
// side (answering them). A Peer owns the outbound request id counter, the
// map of outstanding calls, and the outbound envelope channel drained by
// the session's writer.
type Peer struct {
	handler Handler
	logger  *log.Entry

	nextID uint64 // Atomically incremented; ids start at 0.

	mu      sync.Mutex
	pending map[uint64]chan *Message

	outbox    chan *Message
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewPeer returns a Peer dispatching inbound requests to |handler|.
func NewPeer(handler Handler) *Peer {
	return &Peer{
		handler: handler,
		logger:  log.WithField("session", uuid.NewString()),
		pending: make(map[uint64]chan *Message),
		outbox:  make(chan *Message, outboxDepth),
		closeCh: make(chan struct{}),
	}
}

// Outbox is the channel of envelopes awaiting the session writer.
func (p *Peer) Outbox() <-chan *Message { return p.outbox }

// Done closes when the Peer is torn down.
func (p *Peer) Done() <-chan struct{} { return p.closeCh }

// Call issues an outbound request and blocks until its response arrives,
// |ctx| is cancelled, or the session closes. Responses are matched by id;
// callers must not assume FIFO ordering between distinct calls. Call
// imposes no timeout of its own.
func (p *Peer) Call(ctx context.Context, method string, params interface{}) (*Message, error) {
	var id = atomic.AddUint64(&p.nextID, 1) - 1

	var req, err = NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	var slot = make(chan *Message, 1)

	// Insert into pending before enqueueing the request, so a response
	// racing the send always finds its slot.
	p.mu.Lock()
	p.pending[id] = slot
	p.mu.Unlock()

	if err = p.send(ctx, req); err != nil {
		p.abandon(id)
		return nil, err
	}

	select {
	case resp, ok := <-slot:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-ctx.Done():
		p.abandon(id)
		return nil, ctx.Err()
	}
}

// CallResult issues a request and unmarshals its successful result into
// |out|. A response carrying an error member is returned as *Error.
func (p *Peer) CallResult(ctx context.Context, method string, params, out interface{}) error {
	var resp, err = p.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

// Handle dispatches one decoded inbound envelope. Requests run the
// installed handler and route its response outbound. Responses fulfil the
// matching pending slot; a response whose id is unknown is logged and
// dropped, and never escapes the peer. Notifications are logged.
func (p *Peer) Handle(ctx context.Context, m *Message) {
	switch {
	case m.IsRequest():
		if resp := p.handler(ctx, m); resp != nil {
			if err := p.send(ctx, resp); err != nil {
				p.logger.WithField("err", err).Warn("failed to enqueue response")
			}
		}
	case m.IsResponse():
		p.mu.Lock()
		var slot, ok = p.pending[*m.ID]
		delete(p.pending, *m.ID)
		p.mu.Unlock()

		if ok {
			slot <- m
		} else {
			p.logger.WithField("id", *m.ID).Warn("received response for unknown request id")
		}
	case m.IsNotification():
		p.logger.WithField("method", m.Method).Info("received notification")
	}
}

// SendParseError routes a synthesized ParseError response outbound, used by
// the inbound pump when a frame fails to decode. The reserved NoID marker
// stands in for the frame's unknowable id; the receiving side's pending map
// does not contain it, so the response is logged and ignored there.
func (p *Peer) SendParseError(ctx context.Context, cause error) {
	var resp = NewErrorResponse(NoID, CodeParseError, cause.Error())
	if err := p.send(ctx, resp); err != nil {
		p.logger.WithField("err", err).Warn("failed to enqueue parse error response")
	}
}

// Close tears the Peer down. Every outstanding call is abandoned: its slot
// is closed without fulfilment and its waiter observes ErrPeerClosed.
// Close is idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)

		p.mu.Lock()
		for id, slot := range p.pending {
			close(slot)
			delete(p.pending, id)
		}
		p.mu.Unlock()
	})
}

func (p *Peer) send(ctx context.Context, m *Message) error {
	select {
	case p.outbox <- m:
		return nil
	case <-p.closeCh:
		return ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Peer) abandon(id uint64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}
