package cluster

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/rzbill/flare/pkg/id"
	logpkg "github.com/rzbill/flare/pkg/log"

	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
)

// Handler applies messages received from peers. Implemented by the
// realtime service.
type Handler interface {
	HandleRoomCreated(node, id, index, collection string, rawFilter json.RawMessage, createdAt int64)
	HandleRoomDestroyed(node, roomID string)
	HandleSubscriberDelta(node, roomID string, delta int)
	HandleNotify(node, roomID, kind string, payload []byte)
	HandleStateSync(node string, states []RoomState)
}

// Options configures a Dispatcher.
type Options struct {
	// DB persists per-peer watermarks across restarts. May be nil.
	DB     *pebblestore.DB
	Logger logpkg.Logger
	// OutboxBuffer is the queued broadcast capacity. Defaults to 1024.
	OutboxBuffer int
	// Snapshot reports this node's room state. Broadcast whenever a peer
	// link comes up, so peers that missed earlier broadcasts converge.
	Snapshot func() []RoomState
}

// Dispatcher broadcasts local mutations to peers and applies peer messages
// exactly once. Local state commits before the broadcast is queued; the
// outbox goroutine flushes asynchronously so callers never block on the
// network.
type Dispatcher struct {
	node      string
	seq       *id.Generator
	handler   Handler
	transport Transport
	db        *pebblestore.DB
	logger    logpkg.Logger
	snapshot  func() []RoomState

	outbox chan Message
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	wmMu       sync.Mutex
	watermarks map[string]id.Sequence
}

// New creates a Dispatcher for node, sending through transport and applying
// inbound messages via handler.
func New(node string, transport Transport, handler Handler, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("cluster"))
	}
	buf := opts.OutboxBuffer
	if buf <= 0 {
		buf = 1024
	}
	return &Dispatcher{
		node:       node,
		seq:        id.NewGenerator(),
		handler:    handler,
		transport:  transport,
		db:         opts.DB,
		logger:     logger,
		snapshot:   opts.Snapshot,
		outbox:     make(chan Message, buf),
		done:       make(chan struct{}),
		watermarks: make(map[string]id.Sequence),
	}
}

// Start restores persisted watermarks, begins receiving from the transport,
// and launches the outbox flusher. On every peer link coming up the node's
// room state is broadcast, so a peer that was down while mutations flushed
// still converges.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.loadWatermarks(); err != nil {
		return err
	}
	if pn, ok := d.transport.(PeerNotifier); ok && d.snapshot != nil {
		pn.OnPeerUp(func() {
			d.enqueue(Message{Kind: KindStateSync, Rooms: d.snapshot()})
		})
	}
	if err := d.transport.Start(ctx, d.receive); err != nil {
		return err
	}
	d.wg.Add(1)
	go d.flushLoop(ctx)
	return nil
}

// Close stops the outbox and the transport. Queued messages not yet flushed
// are dropped; peers reconcile on the next mutation.
func (d *Dispatcher) Close() error {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
	return d.transport.Close()
}

func (d *Dispatcher) flushLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case msg := <-d.outbox:
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := d.transport.Broadcast(ctx, b); err != nil {
				d.logger.Warn("broadcast failed",
					logpkg.Str("kind", msg.Kind),
					logpkg.Err(err))
			}
		}
	}
}

func (d *Dispatcher) enqueue(msg Message) {
	msg.Node = d.node
	msg.Seq = d.seq.Next()
	select {
	case d.outbox <- msg:
	default:
		d.logger.Warn("outbox full, dropping broadcast", logpkg.Str("kind", msg.Kind))
	}
}

// RoomCreated broadcasts a room replica to peers.
func (d *Dispatcher) RoomCreated(roomID, index, collection string, rawFilter json.RawMessage, createdAt int64) {
	d.enqueue(Message{
		Kind:       KindRoomCreated,
		Room:       roomID,
		Index:      index,
		Collection: collection,
		Filter:     rawFilter,
		CreatedAt:  createdAt,
	})
}

// RoomDestroyed broadcasts removal of a room.
func (d *Dispatcher) RoomDestroyed(roomID string) {
	d.enqueue(Message{Kind: KindRoomDestroyed, Room: roomID})
}

// SubscriberJoined broadcasts a +1 subscriber delta.
func (d *Dispatcher) SubscriberJoined(roomID string) {
	d.enqueue(Message{Kind: KindSubscriberJoined, Room: roomID, Delta: 1})
}

// SubscriberLeft broadcasts a -1 subscriber delta.
func (d *Dispatcher) SubscriberLeft(roomID string) {
	d.enqueue(Message{Kind: KindSubscriberLeft, Room: roomID, Delta: -1})
}

// Notify relays a built notification envelope to peers.
func (d *Dispatcher) Notify(roomID, kind string, payload []byte) {
	d.enqueue(Message{Kind: KindNotify, Room: roomID, PayloadKind: kind, Payload: payload})
}

// receive applies one inbound payload. Messages from this node, and
// messages at or below the peer's watermark, are dropped.
func (d *Dispatcher) receive(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.logger.Warn("undecodable cluster message", logpkg.Err(err))
		return
	}
	if msg.Node == "" || msg.Node == d.node {
		return
	}
	if !d.advance(msg.Node, msg.Seq) {
		return
	}
	switch msg.Kind {
	case KindRoomCreated:
		d.handler.HandleRoomCreated(msg.Node, msg.Room, msg.Index, msg.Collection, msg.Filter, msg.CreatedAt)
	case KindRoomDestroyed:
		d.handler.HandleRoomDestroyed(msg.Node, msg.Room)
	case KindSubscriberJoined, KindSubscriberLeft:
		d.handler.HandleSubscriberDelta(msg.Node, msg.Room, msg.Delta)
	case KindNotify:
		d.handler.HandleNotify(msg.Node, msg.Room, msg.PayloadKind, msg.Payload)
	case KindStateSync:
		d.handler.HandleStateSync(msg.Node, msg.Rooms)
	default:
		d.logger.Warn("unknown cluster message kind", logpkg.Str("kind", msg.Kind))
	}
}

// advance moves the peer's watermark to seq, reporting false for a
// duplicate or stale sequence.
func (d *Dispatcher) advance(node string, seq id.Sequence) bool {
	d.wmMu.Lock()
	defer d.wmMu.Unlock()
	if seq <= d.watermarks[node] {
		return false
	}
	d.watermarks[node] = seq
	if d.db != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(seq))
		_ = d.db.Set(peerKey(node), buf[:])
	}
	return true
}

func (d *Dispatcher) loadWatermarks() error {
	if d.db == nil {
		return nil
	}
	d.wmMu.Lock()
	defer d.wmMu.Unlock()
	return d.db.ScanPrefix(peerKeyPrefix, func(key, value []byte) bool {
		if len(value) != 8 {
			return true
		}
		node := string(key[len(peerKeyPrefix):])
		d.watermarks[node] = id.Sequence(binary.BigEndian.Uint64(value))
		return true
	})
}
