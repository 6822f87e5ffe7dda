package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	logpkg "github.com/rzbill/flare/pkg/log"
)

type recDeliver struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recDeliver) deliver(payload []byte) {
	r.mu.Lock()
	r.got = append(r.got, append([]byte(nil), payload...))
	r.mu.Unlock()
}

func (r *recDeliver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	ctx := context.Background()

	var upA, upB atomic.Int32

	ta := NewWebsocketTransport(WebsocketOptions{ListenAddr: "127.0.0.1:0", Logger: logpkg.Discard()})
	ta.OnPeerUp(func() { upA.Add(1) })
	ra := &recDeliver{}
	if err := ta.Start(ctx, ra.deliver); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer ta.Close()

	tb := NewWebsocketTransport(WebsocketOptions{
		ListenAddr: "127.0.0.1:0",
		Peers:      []string{"ws://" + ta.Addr() + PeerPath},
		Logger:     logpkg.Discard(),
	})
	tb.OnPeerUp(func() { upB.Add(1) })
	rb := &recDeliver{}
	if err := tb.Start(ctx, rb.deliver); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer tb.Close()

	// The dial loop connects asynchronously; send until the link is up.
	waitFor(t, "b to a payload", func() bool {
		_ = tb.Broadcast(ctx, []byte("from-b"))
		return ra.count() > 0
	})

	// The accepted link is bidirectional, so a reaches b over it too.
	waitFor(t, "a to b payload", func() bool {
		_ = ta.Broadcast(ctx, []byte("from-a"))
		return rb.count() > 0
	})

	// Both ends saw the link come up, the trigger for state sync.
	if upA.Load() == 0 || upB.Load() == 0 {
		t.Fatalf("peer-up callbacks: a=%d b=%d, want both > 0", upA.Load(), upB.Load())
	}
}
