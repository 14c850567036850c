// Package wire defines the messages exchanged over the subscription
// protocol: frames published by the projector/bus, and the client→server
// subscribe/unsubscribe control messages.
package wire

// Op tags the variant of a Frame.
type Op string

const (
	OpCreate     Op = "create"
	OpUpsert     Op = "upsert"
	OpPatch      Op = "patch"
	OpDelete     Op = "delete"
	OpSnapshot   Op = "snapshot"
	OpSubscribed Op = "subscribed"
)

// Frame is the unit sent on the bus and, ultimately, the wire. timestamp is
// always Unix milliseconds (the §9 open-question decision — see
// DESIGN.md). For a Snapshot frame, Entity is the view path being
// batched and Data is a []SnapshotEntry rather than a single entity's
// field map.
type Frame struct {
	Op        Op       `json:"op"`
	Entity    string   `json:"entity"`
	Key       string   `json:"key"`
	Data      any      `json:"data,omitempty"`
	Append    []string `json:"append,omitempty"`
	Slot      uint64   `json:"slot"`
	Timestamp int64    `json:"timestamp"`
}

// SnapshotEntry is one member of a Snapshot frame's batch: a bare
// key/data pair, with no per-entry op or entity since those are implied
// by the enclosing frame.
type SnapshotEntry struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data"`
}

// SortConfig is the server-determined sort order for a latest/top view,
// echoed back in the Subscribed frame so the client reducer knows how to
// maintain its own sorted key list.
type SortConfig struct {
	Field string `json:"field"`
	Order string `json:"order"` // "asc" | "desc"
}

// Subscribed acknowledges a subscription, optionally carrying the sort
// configuration of a latest/top view.
type Subscribed struct {
	SubscriptionID string      `json:"subscription_id"`
	View           string      `json:"view"`
	Sort           *SortConfig `json:"sort,omitempty"`
}

// Subscription is a client's request to tail a view.
type Subscription struct {
	View      string         `json:"view"`
	Key       string         `json:"key,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Take      int            `json:"take,omitempty"`
	Skip      int            `json:"skip,omitempty"`
	Partition string         `json:"partition,omitempty"`

	// SinceSlot is a reconnecting client's local cursor (internal/reducer's
	// View.Cursor()): the server may use it to skip re-sending state-view
	// entries the client has already seen at or past this slot. Servers
	// that don't support resume simply ignore it and send the full
	// snapshot, which is always correct, just not minimal.
	SinceSlot uint64 `json:"since_slot,omitempty"`
}

// SubscribeMsg is the client→server envelope requesting a new
// subscription.
type SubscribeMsg struct {
	Type         string       `json:"type"` // "subscribe"
	Subscription Subscription `json:"subscription"`
}

// UnsubscribeMsg is the client→server envelope ending a subscription.
type UnsubscribeMsg struct {
	Type           string `json:"type"` // "unsubscribe"
	SubscriptionID string `json:"subscription_id"`
}

// PingMsg/PongMsg are JSON keep-alive envelopes. The wire server does not
// send or read them: its 15s/30s keep-alive uses WebSocket control
// ping/pong frames.
type PingMsg struct {
	Type string `json:"type"` // "ping"
}

type PongMsg struct {
	Type string `json:"type"` // "pong"
}
