package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Origin identifies who produced an event.
type Origin struct {
	Service    string `json:"service"`
	NodeID     string `json:"node_id"`
	InstanceID string `json:"instance_id"`
	Actor      string `json:"actor,omitempty"`

	// Via is the provenance tag of an event ingested from an external bus,
	// e.g. "bridge:orders-in". Outbound bridge rules never forward events
	// that carry it.
	Via string `json:"via,omitempty"`
}

// Bridged reports whether the event entered the log through the bridge.
func (o Origin) Bridged() bool { return o.Via != "" }

// Event is an immutable entry of the append-only log, mirroring what is
// published to the bus.
type Event struct {
	ID             uuid.UUID       `json:"id"`
	Subject        string          `json:"subject"`
	Origin         Origin          `json:"origin"`
	CorrelationID  uuid.UUID       `json:"correlation_id"`
	Payload        json.RawMessage `json:"payload"`
	PayloadVersion int             `json:"payload_version,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`

	// Seq is the store-assigned append sequence, used to order events that
	// share a timestamp. It is not part of the wire format.
	Seq int64 `json:"-"`
}

// Less orders events by timestamp, then append sequence, then id.
func (e *Event) Less(o *Event) bool {
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	if e.Seq != o.Seq {
		return e.Seq < o.Seq
	}
	return e.ID.String() < o.ID.String()
}
