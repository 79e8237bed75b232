package schema

import "encoding/json"

// EventKind classifies a change notification.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is an asynchronous, possibly partial notification of a remote
// mutation. Delivery is at-least-once and not ordered by commit; consumers
// must treat the payload as untrusted hints and the id as the only reliable
// field. Row may be nil or carry only a subset of columns.
type ChangeEvent struct {
	Kind       EventKind       `json:"kind"`
	Collection string          `json:"collection"`
	ID         int64           `json:"id"`
	Row        json.RawMessage `json:"row,omitempty"`
}

// FeedState describes the health of the change-event subscription as
// reported by the transport.
type FeedState string

const (
	FeedConnected FeedState = "connected"
	FeedDegraded  FeedState = "degraded"
	FeedClosed    FeedState = "closed"
)
