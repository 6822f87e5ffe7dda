package rooms

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/rzbill/flare/internal/filters"
	pebblestore "github.com/rzbill/flare/internal/storage/pebble"
)

var (
	// ErrRoomNotFound is returned when a room id is stale, typically a
	// subscribe racing a concurrent destroy. Callers retry Register.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrHandleNotFound is returned for unknown or already-released handles.
	ErrHandleNotFound = errors.New("rooms: subscription handle not found")
)

// Subscriber is one attachment of a connection to a room.
type Subscriber struct {
	Connection string
	Room       string
	Volatile   json.RawMessage
	// Scope filters which document notifications the subscriber receives:
	// "all" (default), "in", "out", or "none".
	Scope string
	// Users controls user join/leave notifications: "all" or "none"
	// (default).
	Users string
}

// Handle identifies a Subscriber record in the registry arena.
type Handle int

type subSlot struct {
	used bool
	sub  Subscriber
}

// persistedRoom is the stored form of a room.
type persistedRoom struct {
	ID         string          `json:"id"`
	Index      string          `json:"index"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
	CreatedAt  int64           `json:"createdAt"`
}

// Registry owns every room and subscriber known to this node. Subscribers
// live in an arena indexed by integer handles with room and connection
// secondary indexes; rooms are additionally persisted so registered
// subscriptions survive a restart.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	byScope map[string]map[string]*Room
	slots   []subSlot
	free    []Handle
	byRoom  map[string]map[Handle]struct{}
	byConn  map[string]map[Handle]struct{}
	db      *pebblestore.DB
}

// NewRegistry creates a Registry. db may be nil to disable persistence.
func NewRegistry(db *pebblestore.DB) *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		byScope: make(map[string]map[string]*Room),
		byRoom:  make(map[string]map[Handle]struct{}),
		byConn:  make(map[string]map[Handle]struct{}),
		db:      db,
	}
}

// Load restores persisted rooms with zero subscribers. Filters that no
// longer parse are dropped from storage rather than failing startup.
func (g *Registry) Load() error {
	if g.db == nil {
		return nil
	}
	var stale [][]byte
	err := g.db.ScanPrefix(roomKeyPrefix, func(key, value []byte) bool {
		var rec persistedRoom
		if json.Unmarshal(value, &rec) != nil {
			stale = append(stale, append([]byte(nil), key...))
			return true
		}
		f, err := filters.Parse(rec.Filter)
		if err != nil {
			stale = append(stale, append([]byte(nil), key...))
			return true
		}
		room := newRoom(rec.ID, rec.Index, rec.Collection, f, rec.Filter, rec.CreatedAt)
		g.mu.Lock()
		g.insertLocked(room)
		g.mu.Unlock()
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		_ = g.db.Delete(k)
	}
	return nil
}

// RoomID derives the cluster-wide room identity from the subscription
// scope and the filter's canonical hash.
func RoomID(index, collection, filterHash string) string {
	sum := blake3.Sum256([]byte(index + "\x00" + collection + "\x00" + filterHash))
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 32)
	for i := 0; i < 16; i++ {
		out[i*2] = hexdigits[sum[i]>>4]
		out[i*2+1] = hexdigits[sum[i]&0x0f]
	}
	return string(out)
}

// Register normalizes and compiles the filter, returning the existing room
// for an equivalent filter or creating a new one. created reports whether
// the room is new on this node (callers broadcast creation cluster-wide).
func (g *Registry) Register(index, collection string, rawFilter json.RawMessage) (room *Room, created bool, err error) {
	if index == "" || collection == "" {
		return nil, false, fmt.Errorf("%w: index and collection are required", filters.ErrInvalidFilter)
	}
	f, err := filters.Parse(rawFilter)
	if err != nil {
		return nil, false, err
	}
	id := RoomID(index, collection, f.Hash())

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.rooms[id]; ok {
		return existing, false, nil
	}
	room = newRoom(id, index, collection, f, rawFilter, time.Now().UnixMilli())
	g.insertLocked(room)
	if g.db != nil {
		rec := persistedRoom{ID: id, Index: index, Collection: collection, Filter: rawFilter, CreatedAt: room.CreatedAt}
		if b, err := json.Marshal(rec); err == nil {
			_ = g.db.Set(roomKey(id), b)
		}
	}
	return room, true, nil
}

// ApplyRemoteRoom installs a replica of a room created on a peer. It is
// idempotent; an existing room is returned unchanged.
func (g *Registry) ApplyRemoteRoom(id, index, collection string, rawFilter json.RawMessage, createdAt int64) (*Room, error) {
	f, err := filters.Parse(rawFilter)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.rooms[id]; ok {
		return existing, nil
	}
	room := newRoom(id, index, collection, f, rawFilter, createdAt)
	g.insertLocked(room)
	return room, nil
}

func (g *Registry) insertLocked(room *Room) {
	g.rooms[room.ID] = room
	key := room.Index + "/" + room.Collection
	scope := g.byScope[key]
	if scope == nil {
		scope = make(map[string]*Room)
		g.byScope[key] = scope
	}
	scope[room.ID] = room
}

// Get returns the room for id.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

// RoomsFor returns a snapshot of the rooms registered for index+collection.
// The slice is stable for the duration of one event-evaluation pass: rooms
// created afterwards are not retroactively evaluated.
func (g *Registry) RoomsFor(index, collection string) []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	scope := g.byScope[index+"/"+collection]
	if len(scope) == 0 {
		return nil
	}
	out := make([]*Room, 0, len(scope))
	for _, r := range scope {
		out = append(out, r)
	}
	return out
}

// Rooms returns a snapshot of every known room.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	return out
}

// Subscribe attaches a subscriber to a room and returns its handle. The
// room's new cluster-wide count is returned for the user notification. The
// handle insertion and the count increment commit under one lock, so a
// concurrent last-unsubscribe either sees the new subscriber or completes
// before it; it can never destroy the room in between.
func (g *Registry) Subscribe(roomID string, sub Subscriber) (Handle, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[roomID]
	if !ok {
		return 0, 0, ErrRoomNotFound
	}
	sub.Room = roomID
	var h Handle
	if n := len(g.free); n > 0 {
		h = g.free[n-1]
		g.free = g.free[:n-1]
		g.slots[h] = subSlot{used: true, sub: sub}
	} else {
		h = Handle(len(g.slots))
		g.slots = append(g.slots, subSlot{used: true, sub: sub})
	}
	if g.byRoom[roomID] == nil {
		g.byRoom[roomID] = make(map[Handle]struct{})
	}
	g.byRoom[roomID][h] = struct{}{}
	if g.byConn[sub.Connection] == nil {
		g.byConn[sub.Connection] = make(map[Handle]struct{})
	}
	g.byConn[sub.Connection][h] = struct{}{}

	total := room.addLocal(1)
	return h, total, nil
}

// Unsubscribe releases a handle. destroyed reports that the room's
// cluster-wide count reached zero and the room was removed along with its
// scope entries.
func (g *Registry) Unsubscribe(h Handle) (Subscriber, *Room, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(h) >= len(g.slots) || !g.slots[h].used {
		return Subscriber{}, nil, false, ErrHandleNotFound
	}
	sub := g.slots[h].sub
	g.slots[h] = subSlot{}
	g.free = append(g.free, h)
	delete(g.byRoom[sub.Room], h)
	if len(g.byRoom[sub.Room]) == 0 {
		delete(g.byRoom, sub.Room)
	}
	delete(g.byConn[sub.Connection], h)
	if len(g.byConn[sub.Connection]) == 0 {
		delete(g.byConn, sub.Connection)
	}
	room := g.rooms[sub.Room]
	if room == nil {
		return sub, nil, false, nil
	}

	if total := room.addLocal(-1); total <= 0 {
		g.destroyLocked(room)
		return sub, room, true, nil
	}
	return sub, room, false, nil
}

// ApplyRemoteDelta applies a subscriber-count change from a peer. destroyed
// reports that the room reached zero cluster-wide and was removed locally.
func (g *Registry) ApplyRemoteDelta(roomID, node string, delta int) (room *Room, destroyed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room = g.rooms[roomID]
	if room == nil {
		return nil, false
	}
	if total := room.addRemote(node, delta); total <= 0 {
		g.destroyLocked(room)
		return room, true
	}
	return room, false
}

// ReconcileRemote pins node's subscriber contribution to exactly the counts
// in states, keyed by room id. Rooms the peer no longer reports lose that
// node's count; rooms that reach zero cluster-wide are destroyed and
// returned. Rooms the peer never contributed to are left alone.
func (g *Registry) ReconcileRemote(node string, states map[string]int) []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	var destroyed []*Room
	for _, room := range g.rooms {
		count, listed := states[room.ID]
		if !listed && !room.hasRemote(node) {
			continue
		}
		if room.setRemote(node, count) <= 0 {
			g.destroyLocked(room)
			destroyed = append(destroyed, room)
		}
	}
	return destroyed
}

// DestroyReplica removes a room destroyed by a peer, unless local
// subscribers still exist (a race with a local subscribe; the local node
// will re-broadcast its creation).
func (g *Registry) DestroyReplica(roomID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil || room.LocalSubscriberCount() > 0 {
		return false
	}
	g.destroyLocked(room)
	return true
}

func (g *Registry) destroyLocked(room *Room) {
	delete(g.rooms, room.ID)
	key := room.Index + "/" + room.Collection
	if scope := g.byScope[key]; scope != nil {
		delete(scope, room.ID)
		if len(scope) == 0 {
			delete(g.byScope, key)
		}
	}
	if g.db != nil {
		_ = g.db.Delete(roomKey(room.ID))
	}
}

// RoomSubscribers returns the local subscribers of a room.
func (g *Registry) RoomSubscribers(roomID string) []Subscriber {
	g.mu.RLock()
	defer g.mu.RUnlock()
	handles := g.byRoom[roomID]
	out := make([]Subscriber, 0, len(handles))
	for h := range handles {
		out = append(out, g.slots[h].sub)
	}
	return out
}

// ConnectionHandles returns every handle held by a connection, across rooms.
func (g *Registry) ConnectionHandles(connection string) []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	handles := g.byConn[connection]
	out := make([]Handle, 0, len(handles))
	for h := range handles {
		out = append(out, h)
	}
	return out
}

// SubscriberAt returns the subscriber record behind a live handle.
func (g *Registry) SubscriberAt(h Handle) (Subscriber, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(h) >= len(g.slots) || !g.slots[h].used {
		return Subscriber{}, false
	}
	return g.slots[h].sub, true
}

// HandleFor returns the handle binding a connection to a room.
func (g *Registry) HandleFor(connection, roomID string) (Handle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for h := range g.byConn[connection] {
		if g.slots[h].sub.Room == roomID {
			return h, true
		}
	}
	return 0, false
}
