package cluster

import (
	"encoding/json"

	"github.com/rzbill/flare/pkg/id"
)

// Message kinds.
const (
	KindRoomCreated      = "roomCreated"
	KindRoomDestroyed    = "roomDestroyed"
	KindSubscriberJoined = "subscriberJoined"
	KindSubscriberLeft   = "subscriberLeft"
	KindNotify           = "notify"
	KindStateSync        = "stateSync"
)

// RoomState is one room in a state-sync message: the room's identity plus
// the sending node's own subscriber count for it. A peer coming up after
// missing broadcasts rebuilds its view of the sender from these.
type RoomState struct {
	Room       string          `json:"room"`
	Index      string          `json:"index"`
	Collection string          `json:"collection"`
	Filter     json.RawMessage `json:"filter"`
	CreatedAt  int64           `json:"createdAt"`
	Count      int             `json:"count"`
}

// Message is the wire unit exchanged between peers.
type Message struct {
	Node string      `json:"node"`
	Seq  id.Sequence `json:"seq"`
	Kind string      `json:"kind"`
	Room string      `json:"room,omitempty"`

	// Room replication fields, set for KindRoomCreated.
	Index      string          `json:"index,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	CreatedAt  int64           `json:"createdAt,omitempty"`

	// Delta is +1 or -1 for subscriber join/leave.
	Delta int `json:"delta,omitempty"`

	// Relayed notification, set for KindNotify. PayloadKind discriminates
	// the envelope ("document" or "user"); Payload is the envelope as
	// built on the origin node.
	PayloadKind string          `json:"payloadKind,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// Rooms is the sender's full room state, set for KindStateSync.
	Rooms []RoomState `json:"rooms,omitempty"`
}
