package realtimesvc

import (
	"encoding/json"
	"fmt"

	"github.com/rzbill/flare/internal/filters"
	"github.com/rzbill/flare/internal/notify"
)

// Subscription option values.
const (
	ScopeAll  = "all"
	ScopeIn   = "in"
	ScopeOut  = "out"
	ScopeNone = "none"

	UsersAll  = "all"
	UsersNone = "none"
)

// SubscribeRequest asks to attach a connection to the room identified by
// index+collection+filter, creating the room if needed.
type SubscribeRequest struct {
	Index      string
	Collection string
	// Filter is the raw filter document; empty or {} matches everything.
	Filter json.RawMessage
	// Connection identifies the client connection owning the subscription.
	Connection string
	// Scope filters delivered document notifications: all|in|out|none.
	// Empty means all.
	Scope string
	// Users controls join/leave notifications: all|none. Empty means none.
	Users string
	// Volatile is echoed in this subscriber's own user notifications.
	Volatile json.RawMessage
	// Context carries request attributes echoed into notifications.
	Context notify.Context
}

// SubscribeResult reports the room joined and the cluster-wide subscriber
// count after the join.
type SubscribeResult struct {
	Room    string
	Count   int
	Created bool
}

// Event is a document change or an ephemeral message to evaluate against
// registered rooms.
type Event struct {
	Index      string
	Collection string
	// ID is the document id. Ephemeral publishes may leave it empty.
	ID     string
	Source map[string]any
	// Event is one of notify.EventWrite, EventDelete, EventPublish.
	Event         string
	UpdatedFields []string
	Context       notify.Context
}

func (e Event) document() *filters.Document {
	return &filters.Document{ID: e.ID, Source: e.Source}
}

// Sink receives notifications for one connection. Implementations must be
// safe for concurrent use and must tolerate Deliver after the connection
// has gone away; late deliveries are dropped, not errors.
type Sink interface {
	Deliver(room string, n notify.Notification)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(room string, n notify.Notification)

func (f SinkFunc) Deliver(room string, n notify.Notification) { f(room, n) }

// Relay broadcasts local mutations and notifications to cluster peers. The
// service calls it after committing the local change; implementations queue
// and send asynchronously. A nil relay runs the node standalone.
type Relay interface {
	RoomCreated(id, index, collection string, rawFilter json.RawMessage, createdAt int64)
	RoomDestroyed(roomID string)
	SubscriberJoined(roomID string)
	SubscriberLeft(roomID string)
	Notify(roomID, kind string, payload []byte)
}

func normalizeScope(s string) (string, error) {
	switch s {
	case "":
		return ScopeAll, nil
	case ScopeAll, ScopeIn, ScopeOut, ScopeNone:
		return s, nil
	}
	return "", fmt.Errorf("%w: invalid scope option %q", filters.ErrInvalidFilter, s)
}

func normalizeUsers(s string) (string, error) {
	switch s {
	case "":
		return UsersNone, nil
	case UsersAll, UsersNone:
		return s, nil
	}
	return "", fmt.Errorf("%w: invalid users option %q", filters.ErrInvalidFilter, s)
}

// scopeDelivers reports whether a subscriber with the given scope option
// receives a document notification carrying scope.
func scopeDelivers(option, scope string) bool {
	switch option {
	case ScopeAll:
		return true
	case ScopeNone:
		return false
	default:
		return option == scope
	}
}
