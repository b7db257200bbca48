package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerCallCorrelation(t *testing.T) {
	var ctx = context.Background()
	var peer = NewPeer(nil)

	type result struct {
		resp *Message
		err  error
	}
	var results = make(chan result, 2)

	go func() {
		var resp, err = peer.Call(ctx, "$/ping", nil)
		results <- result{resp, err}
	}()
	go func() {
		var resp, err = peer.Call(ctx, "$/status", nil)
		results <- result{resp, err}
	}()

	// Collect both outbound requests, then answer them out of order.
	var reqs []*Message
	for len(reqs) != 2 {
		select {
		case m := <-peer.Outbox():
			reqs = append(reqs, m)
		case <-time.After(time.Second):
			t.Fatal("requests were not enqueued")
		}
	}
	require.NotEqual(t, *reqs[0].ID, *reqs[1].ID)

	peer.Handle(ctx, NewResponse(*reqs[1].ID, "second"))
	peer.Handle(ctx, NewResponse(*reqs[0].ID, "first"))

	for i := 0; i != 2; i++ {
		var r = <-results
		require.NoError(t, r.err)
		require.NotNil(t, r.resp.Result)
	}
}

func TestPeerIDAllocationIsUnique(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	var peer = NewPeer(nil)

	// Drain the outbox so calls never block on enqueue.
	go func() {
		for {
			select {
			case <-peer.Outbox():
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i != 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var callCtx, callCancel = context.WithTimeout(ctx, 50*time.Millisecond)
			defer callCancel()
			_, _ = peer.Call(callCtx, "$/ping", nil) // Times out; we only care about ids.
		}()
	}
	wg.Wait()
	cancel()

	// 64 calls were abandoned by timeout: pending must be empty and the
	// counter must have advanced once per call.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Empty(t, peer.pending)
	require.Equal(t, uint64(64), peer.nextID)
}

func TestPeerUnknownResponseIsDropped(t *testing.T) {
	var peer = NewPeer(nil)
	// Must not panic or fulfil anything.
	peer.Handle(context.Background(), NewResponse(999, "nobody asked"))

	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Empty(t, peer.pending)
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	var ctx = context.Background()
	var peer = NewPeer(nil)

	var errCh = make(chan error, 1)
	go func() {
		var _, err = peer.Call(ctx, "$/ping", nil)
		errCh <- err
	}()
	<-peer.Outbox() // Request is in flight.

	peer.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call did not resolve after close")
	}

	// Close is idempotent, and calls after close fail immediately.
	peer.Close()
	var _, err = peer.Call(ctx, "$/ping", nil)
	require.ErrorIs(t, err, ErrPeerClosed)
}

func TestPeerDispatchesRequestsToHandler(t *testing.T) {
	var ctx = context.Background()
	var peer = NewPeer(func(ctx context.Context, req *Message) *Message {
		require.Equal(t, "$/ping", req.Method)
		return NewResponse(*req.ID, "pong")
	})

	var req, err = NewRequest(3, "$/ping", nil)
	require.NoError(t, err)
	peer.Handle(ctx, req)

	select {
	case resp := <-peer.Outbox():
		require.True(t, resp.IsResponse())
		require.Equal(t, uint64(3), *resp.ID)
	case <-time.After(time.Second):
		t.Fatal("handler response was not routed outbound")
	}
}

func TestPeerCallResultUnwrapsErrors(t *testing.T) {
	var ctx = context.Background()
	var peer = NewPeer(nil)

	go func() {
		var req = <-peer.Outbox()
		peer.Handle(ctx, NewErrorResponse(*req.ID, CodeMethodNotFound, "no such method"))
	}()

	var err = peer.CallResult(ctx, "$/bogus", nil, nil)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeMethodNotFound, rpcErr.Code)
}
