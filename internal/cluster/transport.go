package cluster

import (
	"context"
	"sync"
)

// Transport moves opaque message payloads between this node and its peers.
// Delivery is at-least-once; ordering is per peer. The dispatcher's
// sequence numbers make redelivery harmless.
type Transport interface {
	// Start begins accepting inbound payloads, passing each to deliver.
	Start(ctx context.Context, deliver func(payload []byte)) error
	// Broadcast sends a payload to every connected peer.
	Broadcast(ctx context.Context, payload []byte) error
	Close() error
}

// PeerNotifier is implemented by transports that can report a peer link
// coming up. The dispatcher registers its state-sync trigger through it
// before Start; links established later invoke the callback each time.
type PeerNotifier interface {
	OnPeerUp(fn func())
}

// LoopbackHub connects in-process transports, used by tests and single
// binary multi-node setups. Delivery is synchronous.
type LoopbackHub struct {
	mu      sync.RWMutex
	members []*loopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub { return &LoopbackHub{} }

// Join adds a member transport to the hub.
func (h *LoopbackHub) Join() Transport {
	t := &loopbackTransport{hub: h}
	h.mu.Lock()
	h.members = append(h.members, t)
	h.mu.Unlock()
	return t
}

type loopbackTransport struct {
	hub *LoopbackHub

	mu       sync.RWMutex
	deliver  func(payload []byte)
	onPeerUp func()
	closed   bool
}

func (t *loopbackTransport) OnPeerUp(fn func()) {
	t.mu.Lock()
	t.onPeerUp = fn
	t.mu.Unlock()
}

func (t *loopbackTransport) Start(ctx context.Context, deliver func(payload []byte)) error {
	t.mu.Lock()
	t.deliver = deliver
	up := t.onPeerUp
	t.mu.Unlock()

	// Starting completes the link to every member already running, in both
	// directions, mirroring a websocket dial succeeding.
	t.hub.mu.RLock()
	members := append([]*loopbackTransport(nil), t.hub.members...)
	t.hub.mu.RUnlock()
	for _, m := range members {
		if m == t {
			continue
		}
		m.mu.RLock()
		started := m.deliver != nil && !m.closed
		peerUp := m.onPeerUp
		m.mu.RUnlock()
		if !started {
			continue
		}
		if peerUp != nil {
			peerUp()
		}
		if up != nil {
			up()
		}
	}
	return nil
}

func (t *loopbackTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.hub.mu.RLock()
	members := append([]*loopbackTransport(nil), t.hub.members...)
	t.hub.mu.RUnlock()
	for _, m := range members {
		if m == t {
			continue
		}
		m.mu.RLock()
		deliver := m.deliver
		closed := m.closed
		m.mu.RUnlock()
		if deliver != nil && !closed {
			deliver(payload)
		}
	}
	return nil
}

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
