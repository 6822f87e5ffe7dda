package notify

import (
	"encoding/json"
	"time"
)

// Event values carried by document notifications.
const (
	EventWrite   = "write"
	EventDelete  = "delete"
	EventPublish = "publish"
)

// DebuggerRoom is the fixed room identifier debugger notifications are
// delivered on.
const DebuggerRoom = "kuzzle-debugger-event"

// TokenExpired is the server notification type sent when an authentication
// token expires.
const TokenExpired = "TokenExpired"

// Notification is any envelope deliverable to a connection sink.
type Notification interface {
	// Kind discriminates the envelope variant: "document", "user",
	// "server", or "debugger".
	Kind() string
}

// Context captures the request attributes echoed into document and user
// notifications.
type Context struct {
	Controller string
	Action     string
	Protocol   string
	Volatile   json.RawMessage
}

// DocumentResult is the result payload of a document notification.
type DocumentResult struct {
	ID            string         `json:"_id,omitempty"`
	Source        map[string]any `json:"_source,omitempty"`
	UpdatedFields []string       `json:"_updatedFields,omitempty"`
}

// Document is the envelope for a document entering, staying in, or leaving
// a room's scope. It is immutable once built.
type Document struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Controller string          `json:"controller"`
	Event      string          `json:"event"`
	Index      string          `json:"index"`
	Node       string          `json:"node"`
	Protocol   string          `json:"protocol"`
	Room       string          `json:"room"`
	Scope      string          `json:"scope"`
	Timestamp  int64           `json:"timestamp"`
	Type       string          `json:"type"`
	Volatile   json.RawMessage `json:"volatile,omitempty"`
	Result     DocumentResult  `json:"result"`
}

func (Document) Kind() string { return "document" }

// UserResult carries the cluster-wide subscriber count after a join/leave.
type UserResult struct {
	Count int `json:"count"`
}

// User is the envelope for a subscriber joining or leaving a room.
type User struct {
	Action     string          `json:"action"`
	Collection string          `json:"collection"`
	Controller string          `json:"controller"`
	Index      string          `json:"index"`
	Node       string          `json:"node"`
	Protocol   string          `json:"protocol"`
	Room       string          `json:"room"`
	Timestamp  int64           `json:"timestamp"`
	Type       string          `json:"type"`
	User       string          `json:"user"`
	Volatile   json.RawMessage `json:"volatile,omitempty"`
	Result     UserResult      `json:"result"`
}

func (User) Kind() string { return "user" }

// Server is the envelope for out-of-band global events, delivered to every
// subscription of one connection without filter evaluation.
type Server struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (Server) Kind() string { return "server" }

// Debugger is the pass-through envelope for externally sourced debug
// events.
type Debugger struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Result json.RawMessage `json:"result"`
}

func (Debugger) Kind() string { return "debugger" }

// Builder stamps envelopes with this node's identity.
type Builder struct {
	node string
}

// NewBuilder returns a Builder for the given node id.
func NewBuilder(node string) *Builder { return &Builder{node: node} }

// Node returns the node id stamped on built envelopes.
func (b *Builder) Node() string { return b.node }

// now is swapped in tests for deterministic timestamps.
var now = func() int64 { return time.Now().UnixMilli() }

// Document builds a document notification for a scope transition.
func (b *Builder) Document(room, index, collection string, ctx Context, event, scope string, result DocumentResult) *Document {
	return &Document{
		Action:     ctx.Action,
		Collection: collection,
		Controller: ctx.Controller,
		Event:      event,
		Index:      index,
		Node:       b.node,
		Protocol:   ctx.Protocol,
		Room:       room,
		Scope:      scope,
		Timestamp:  now(),
		Type:       "document",
		Volatile:   ctx.Volatile,
		Result:     result,
	}
}

// User builds a user join/leave notification. user is "in" or "out"; count
// is the cluster-wide subscriber count after the change.
func (b *Builder) User(room, index, collection string, ctx Context, user string, count int) *User {
	return &User{
		Action:     ctx.Action,
		Collection: collection,
		Controller: ctx.Controller,
		Index:      index,
		Node:       b.node,
		Protocol:   ctx.Protocol,
		Room:       room,
		Timestamp:  now(),
		Type:       "user",
		User:       user,
		Volatile:   ctx.Volatile,
		Result:     UserResult{Count: count},
	}
}

// Server builds a server notification.
func (b *Builder) Server(typ, message string) *Server {
	return &Server{Message: message, Type: typ}
}

// Debugger builds a debugger notification on the fixed debug room.
func (b *Builder) Debugger(event string, result json.RawMessage) *Debugger {
	return &Debugger{Room: DebuggerRoom, Event: event, Result: result}
}
