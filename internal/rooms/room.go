package rooms

import (
	"encoding/json"
	"sync"

	"github.com/rzbill/flare/internal/filters"
)

// Scope transition values carried by document notifications.
const (
	ScopeIn  = "in"
	ScopeOut = "out"
)

// Room is one registered subscription: a compiled filter scoped to an
// index+collection, shared by every subscriber whose filter normalizes to
// the same hash. A Room may be replicated on several nodes; counts track
// local and per-peer subscribers separately.
type Room struct {
	ID         string
	Index      string
	Collection string
	Filter     *filters.Filter
	RawFilter  json.RawMessage
	CreatedAt  int64

	// mu serializes scope entries and counts for this room only, so events
	// touching different rooms never contend.
	mu      sync.Mutex
	inScope map[string]struct{}
	local   int
	remote  map[string]int
}

func newRoom(id, index, collection string, f *filters.Filter, raw json.RawMessage, createdAt int64) *Room {
	return &Room{
		ID:         id,
		Index:      index,
		Collection: collection,
		Filter:     f,
		RawFilter:  raw,
		CreatedAt:  createdAt,
		inScope:    make(map[string]struct{}),
		remote:     make(map[string]int),
	}
}

// Transition records the new scope membership of a document and reports the
// transition to notify. emit is false only for the never-in case
// (wasIn=false, nowIn=false); a document that stays in scope still emits so
// subscribers see updated content.
func (r *Room) Transition(docID string, nowIn bool) (scope string, emit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, wasIn := r.inScope[docID]
	switch {
	case nowIn:
		r.inScope[docID] = struct{}{}
		return ScopeIn, true
	case wasIn:
		delete(r.inScope, docID)
		return ScopeOut, true
	default:
		return "", false
	}
}

// ApplyScope records a scope membership decided elsewhere, typically by the
// node that evaluated the triggering event. Replicas use it to stay
// consistent without re-running the filter.
func (r *Room) ApplyScope(docID string, in bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in {
		r.inScope[docID] = struct{}{}
	} else {
		delete(r.inScope, docID)
	}
}

// InScope reports whether the document is currently tracked as matching.
func (r *Room) InScope(docID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inScope[docID]
	return ok
}

// ScopeSize returns the number of tracked documents, for introspection.
func (r *Room) ScopeSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inScope)
}

// SubscriberCount returns the cluster-wide subscriber count.
func (r *Room) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked()
}

// LocalSubscriberCount returns the count of subscribers owned by this node.
func (r *Room) LocalSubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local
}

// HasRemoteSubscribers reports whether any peer owns subscribers of this
// room.
func (r *Room) HasRemoteSubscribers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked() > r.local
}

func (r *Room) totalLocked() int {
	n := r.local
	for _, c := range r.remote {
		if c > 0 {
			n += c
		}
	}
	return n
}

func (r *Room) addLocal(delta int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local += delta
	if r.local < 0 {
		r.local = 0
	}
	return r.totalLocked()
}

func (r *Room) addRemote(node string, delta int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[node] += delta
	if r.remote[node] <= 0 {
		delete(r.remote, node)
	}
	return r.totalLocked()
}

func (r *Room) setRemote(node string, count int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if count <= 0 {
		delete(r.remote, node)
	} else {
		r.remote[node] = count
	}
	return r.totalLocked()
}

func (r *Room) hasRemote(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remote[node] > 0
}
