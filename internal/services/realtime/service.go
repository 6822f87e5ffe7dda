package realtimesvc

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/flare/internal/cluster"
	"github.com/rzbill/flare/internal/notify"
	"github.com/rzbill/flare/internal/rooms"
	"github.com/rzbill/flare/internal/runtime"
	logpkg "github.com/rzbill/flare/pkg/log"
)

// Service provides subscribe/notify operations built on the room Registry.
// Document events are evaluated once, on the node that receives them;
// resulting envelopes are delivered to local sinks and relayed to peers
// holding subscribers of the same rooms.
type Service struct {
	rt       *runtime.Runtime
	logger   logpkg.Logger
	registry *rooms.Registry
	builder  *notify.Builder
	// evalLimit bounds the number of rooms evaluated in parallel per event.
	evalLimit int

	relayMu sync.RWMutex
	relay   Relay

	sinkMu sync.RWMutex
	sinks  map[string]Sink

	debugMu    sync.RWMutex
	debugConns map[string]struct{}
}

// New returns a Service using a default logger.
func New(rt *runtime.Runtime) *Service {
	return NewWithLogger(rt, nil)
}

// NewWithLogger constructs the service with an injected logger.
func NewWithLogger(rt *runtime.Runtime, logger logpkg.Logger) *Service {
	if logger == nil {
		logger = logpkg.NewLogger().With(logpkg.Component("realtime"))
	}
	limit := rt.Config().Realtime.EvalConcurrency
	if limit <= 0 {
		limit = 8
	}
	return &Service{
		rt:         rt,
		logger:     logger,
		registry:   rooms.NewRegistry(rt.DB()),
		builder:    notify.NewBuilder(rt.NodeID()),
		evalLimit:  limit,
		sinks:      make(map[string]Sink),
		debugConns: make(map[string]struct{}),
	}
}

// Load restores persisted rooms. Call once before serving.
func (s *Service) Load() error { return s.registry.Load() }

// SetRelay attaches the cluster relay. Pass nil for standalone operation.
func (s *Service) SetRelay(r Relay) {
	s.relayMu.Lock()
	s.relay = r
	s.relayMu.Unlock()
}

func (s *Service) getRelay() Relay {
	s.relayMu.RLock()
	defer s.relayMu.RUnlock()
	return s.relay
}

// Registry exposes the room registry for introspection.
func (s *Service) Registry() *rooms.Registry { return s.registry }

// RegisterSink binds a delivery sink to a connection. Notifications for any
// subscription of the connection flow through it.
func (s *Service) RegisterSink(connection string, sink Sink) {
	s.sinkMu.Lock()
	s.sinks[connection] = sink
	s.sinkMu.Unlock()
}

// DropSink detaches a connection's sink and releases every subscription the
// connection holds. Use on connection loss.
func (s *Service) DropSink(connection string) {
	s.sinkMu.Lock()
	delete(s.sinks, connection)
	s.sinkMu.Unlock()
	s.debugMu.Lock()
	delete(s.debugConns, connection)
	s.debugMu.Unlock()
	s.UnsubscribeConnection(connection)
}

func (s *Service) sinkFor(connection string) (Sink, bool) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	sk, ok := s.sinks[connection]
	return sk, ok
}

// Subscribe registers the filter (reusing the room for an equivalent one)
// and attaches the connection to it.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	scope, err := normalizeScope(req.Scope)
	if err != nil {
		return nil, err
	}
	users, err := normalizeUsers(req.Users)
	if err != nil {
		return nil, err
	}

	room, created, err := s.registry.Register(req.Index, req.Collection, req.Filter)
	if err != nil {
		return nil, err
	}
	relay := s.getRelay()
	if created && relay != nil {
		relay.RoomCreated(room.ID, room.Index, room.Collection, room.RawFilter, room.CreatedAt)
	}

	sub := rooms.Subscriber{
		Connection: req.Connection,
		Volatile:   req.Volatile,
		Scope:      scope,
		Users:      users,
	}
	_, count, err := s.registry.Subscribe(room.ID, sub)
	if err != nil {
		return nil, err
	}
	if relay != nil {
		relay.SubscriberJoined(room.ID)
	}

	ctxInfo := req.Context
	ctxInfo.Volatile = req.Volatile
	s.notifyUser(room, ctxInfo, rooms.ScopeIn, count, req.Connection)

	s.logger.Debug("subscribed",
		logpkg.Str("room", room.ID),
		logpkg.Str("connection", req.Connection),
		logpkg.Int("count", count))
	return &SubscribeResult{Room: room.ID, Count: count, Created: created}, nil
}

// Unsubscribe detaches a connection from a room. The room is destroyed
// when its cluster-wide count reaches zero. info is echoed into the leave
// notification sent to the remaining subscribers.
func (s *Service) Unsubscribe(ctx context.Context, connection, roomID string, info notify.Context) error {
	h, ok := s.registry.HandleFor(connection, roomID)
	if !ok {
		return rooms.ErrHandleNotFound
	}
	return s.release(h, info)
}

// UnsubscribeConnection releases every subscription of a connection. There
// is no request behind a connection drop, so leave notifications carry no
// controller attributes.
func (s *Service) UnsubscribeConnection(connection string) {
	for _, h := range s.registry.ConnectionHandles(connection) {
		_ = s.release(h, notify.Context{})
	}
}

func (s *Service) release(h rooms.Handle, info notify.Context) error {
	sub, room, destroyed, err := s.registry.Unsubscribe(h)
	if err != nil {
		return err
	}
	relay := s.getRelay()
	if room == nil {
		return nil
	}
	if destroyed {
		if relay != nil {
			relay.RoomDestroyed(room.ID)
		}
		s.logger.Debug("room destroyed", logpkg.Str("room", room.ID))
		return nil
	}
	if relay != nil {
		relay.SubscriberLeft(room.ID)
	}
	// The leaving subscriber's volatile wins over the request's.
	info.Volatile = sub.Volatile
	s.notifyUser(room, info, rooms.ScopeOut, room.SubscriberCount(), sub.Connection)
	return nil
}

// NotifyDocument evaluates a document change against every room registered
// for its index+collection and delivers the resulting scope transitions.
// A delete forces the document out of scope regardless of the filter.
func (s *Service) NotifyDocument(ctx context.Context, ev Event) error {
	candidates := s.registry.RoomsFor(ev.Index, ev.Collection)
	if len(candidates) == 0 {
		return nil
	}
	doc := ev.document()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.evalLimit)
	for _, room := range candidates {
		room := room
		g.Go(func() error {
			nowIn := ev.Event != notify.EventDelete && room.Filter.Matches(doc)
			scope, emit := room.Transition(ev.ID, nowIn)
			if !emit {
				return nil
			}
			n := s.builder.Document(room.ID, ev.Index, ev.Collection, ev.Context, ev.Event, scope, documentResult(ev, scope))
			s.deliverDocument(room, n)
			s.relayDocument(room, n)
			return nil
		})
	}
	return g.Wait()
}

// Publish delivers an ephemeral message to every matching room. No scope
// entry is recorded; the notification always carries scope "in".
func (s *Service) Publish(ctx context.Context, ev Event) error {
	candidates := s.registry.RoomsFor(ev.Index, ev.Collection)
	if len(candidates) == 0 {
		return nil
	}
	ev.Event = notify.EventPublish
	doc := ev.document()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.evalLimit)
	for _, room := range candidates {
		room := room
		g.Go(func() error {
			if !room.Filter.Matches(doc) {
				return nil
			}
			n := s.builder.Document(room.ID, ev.Index, ev.Collection, ev.Context, notify.EventPublish, rooms.ScopeIn, documentResult(ev, rooms.ScopeIn))
			s.deliverDocument(room, n)
			s.relayDocument(room, n)
			return nil
		})
	}
	return g.Wait()
}

// documentResult shapes the notification payload for a transition. A
// document leaving scope carries its id only; content is for subscribers
// that can still see it.
func documentResult(ev Event, scope string) notify.DocumentResult {
	res := notify.DocumentResult{ID: ev.ID}
	if scope == rooms.ScopeIn {
		res.Source = ev.Source
		res.UpdatedFields = ev.UpdatedFields
	}
	return res
}

// NotifyServer sends an out-of-band notification to one connection, once
// per room it subscribes to. No filter evaluation happens.
func (s *Service) NotifyServer(connection, typ, message string) {
	sink, ok := s.sinkFor(connection)
	if !ok {
		return
	}
	n := s.builder.Server(typ, message)
	seen := map[string]struct{}{}
	for _, h := range s.registry.ConnectionHandles(connection) {
		sub, ok := s.registry.SubscriberAt(h)
		if !ok {
			continue
		}
		if _, dup := seen[sub.Room]; dup {
			continue
		}
		seen[sub.Room] = struct{}{}
		sink.Deliver(sub.Room, n)
	}
}

// SubscribeDebugger attaches a connection to the debug event room.
func (s *Service) SubscribeDebugger(connection string) {
	s.debugMu.Lock()
	s.debugConns[connection] = struct{}{}
	s.debugMu.Unlock()
}

// UnsubscribeDebugger detaches a connection from the debug event room.
func (s *Service) UnsubscribeDebugger(connection string) {
	s.debugMu.Lock()
	delete(s.debugConns, connection)
	s.debugMu.Unlock()
}

// NotifyDebugger passes a debug event through to debug-room listeners.
func (s *Service) NotifyDebugger(event string, result json.RawMessage) {
	n := s.builder.Debugger(event, result)
	s.debugMu.RLock()
	conns := make([]string, 0, len(s.debugConns))
	for c := range s.debugConns {
		conns = append(conns, c)
	}
	s.debugMu.RUnlock()
	for _, c := range conns {
		if sink, ok := s.sinkFor(c); ok {
			sink.Deliver(notify.DebuggerRoom, n)
		}
	}
}

// Count returns the cluster-wide subscriber count of a room.
func (s *Service) Count(roomID string) (int, error) {
	room, ok := s.registry.Get(roomID)
	if !ok {
		return 0, rooms.ErrRoomNotFound
	}
	return room.SubscriberCount(), nil
}

// List returns subscriber counts per index, collection, and room.
func (s *Service) List() map[string]map[string]map[string]int {
	out := make(map[string]map[string]map[string]int)
	for _, room := range s.registry.Rooms() {
		byColl := out[room.Index]
		if byColl == nil {
			byColl = make(map[string]map[string]int)
			out[room.Index] = byColl
		}
		byRoom := byColl[room.Collection]
		if byRoom == nil {
			byRoom = make(map[string]int)
			byColl[room.Collection] = byRoom
		}
		byRoom[room.ID] = room.SubscriberCount()
	}
	return out
}

// deliverDocument fans a document notification out to the room's local
// subscribers, honoring each subscriber's scope option.
func (s *Service) deliverDocument(room *rooms.Room, n *notify.Document) {
	for _, sub := range s.registry.RoomSubscribers(room.ID) {
		if !scopeDelivers(sub.Scope, n.Scope) {
			continue
		}
		if sink, ok := s.sinkFor(sub.Connection); ok {
			sink.Deliver(room.ID, n)
		}
	}
}

// relayDocument forwards a built envelope to peers holding subscribers of
// the room. Peers deliver it as-is, never re-evaluating the filter.
func (s *Service) relayDocument(room *rooms.Room, n *notify.Document) {
	relay := s.getRelay()
	if relay == nil || !room.HasRemoteSubscribers() {
		return
	}
	if b, err := json.Marshal(n); err == nil {
		relay.Notify(room.ID, n.Kind(), b)
	}
}

// notifyUser fans a join/leave notification out to the room's local
// subscribers that opted into user notifications, skipping the subscriber
// that triggered it, and relays it to peers.
func (s *Service) notifyUser(room *rooms.Room, ctx notify.Context, user string, count int, origin string) {
	n := s.builder.User(room.ID, room.Index, room.Collection, ctx, user, count)
	for _, sub := range s.registry.RoomSubscribers(room.ID) {
		if sub.Users != UsersAll || sub.Connection == origin {
			continue
		}
		if sink, ok := s.sinkFor(sub.Connection); ok {
			sink.Deliver(room.ID, n)
		}
	}
	relay := s.getRelay()
	if relay != nil && room.HasRemoteSubscribers() {
		if b, err := json.Marshal(n); err == nil {
			relay.Notify(room.ID, n.Kind(), b)
		}
	}
}

// HandleRoomCreated installs a replica of a room created on a peer.
func (s *Service) HandleRoomCreated(node, id, index, collection string, rawFilter json.RawMessage, createdAt int64) {
	if _, err := s.registry.ApplyRemoteRoom(id, index, collection, rawFilter, createdAt); err != nil {
		s.logger.Warn("invalid replicated room filter",
			logpkg.Str("room", id),
			logpkg.Str("node", node),
			logpkg.Err(err))
	}
}

// HandleRoomDestroyed removes the local replica of a room destroyed on a
// peer, unless local subscribers raced in.
func (s *Service) HandleRoomDestroyed(node, roomID string) {
	s.registry.DestroyReplica(roomID)
}

// HandleSubscriberDelta applies a remote subscriber count change.
func (s *Service) HandleSubscriberDelta(node, roomID string, delta int) {
	s.registry.ApplyRemoteDelta(roomID, node, delta)
}

// StateSnapshot reports every room this node holds subscribers in, for the
// state sync broadcast when a peer link comes up.
func (s *Service) StateSnapshot() []cluster.RoomState {
	var out []cluster.RoomState
	for _, room := range s.registry.Rooms() {
		count := room.LocalSubscriberCount()
		if count == 0 {
			continue
		}
		out = append(out, cluster.RoomState{
			Room:       room.ID,
			Index:      room.Index,
			Collection: room.Collection,
			Filter:     room.RawFilter,
			CreatedAt:  room.CreatedAt,
			Count:      count,
		})
	}
	return out
}

// HandleStateSync replaces this node's view of a peer with the peer's own
// report: missing rooms are installed, counts are pinned to the reported
// values, and phantom contributions from missed broadcasts are cleared.
func (s *Service) HandleStateSync(node string, states []cluster.RoomState) {
	counts := make(map[string]int, len(states))
	for _, st := range states {
		if _, err := s.registry.ApplyRemoteRoom(st.Room, st.Index, st.Collection, st.Filter, st.CreatedAt); err != nil {
			s.logger.Warn("invalid filter in state sync",
				logpkg.Str("room", st.Room),
				logpkg.Str("node", node),
				logpkg.Err(err))
			continue
		}
		counts[st.Room] = st.Count
	}
	for _, room := range s.registry.ReconcileRemote(node, counts) {
		s.logger.Debug("room dropped by state sync",
			logpkg.Str("room", room.ID),
			logpkg.Str("node", node))
	}
}

// HandleNotify delivers an envelope built on a peer to local subscribers of
// the room. Document envelopes also update the replica's scope entries so a
// later event arriving here transitions correctly.
func (s *Service) HandleNotify(node, roomID, kind string, payload []byte) {
	room, ok := s.registry.Get(roomID)
	if !ok {
		return
	}
	switch kind {
	case "document":
		var n notify.Document
		if err := json.Unmarshal(payload, &n); err != nil {
			s.logger.Warn("bad relayed notification", logpkg.Str("node", node), logpkg.Err(err))
			return
		}
		if n.Event != notify.EventPublish && n.Result.ID != "" {
			room.ApplyScope(n.Result.ID, n.Scope == rooms.ScopeIn)
		}
		s.deliverDocument(room, &n)
	case "user":
		var n notify.User
		if err := json.Unmarshal(payload, &n); err != nil {
			s.logger.Warn("bad relayed notification", logpkg.Str("node", node), logpkg.Err(err))
			return
		}
		for _, sub := range s.registry.RoomSubscribers(roomID) {
			if sub.Users != UsersAll {
				continue
			}
			if sink, ok := s.sinkFor(sub.Connection); ok {
				sink.Deliver(roomID, &n)
			}
		}
	}
}
