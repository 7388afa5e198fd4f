package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultQueryLimit caps queries that do not set a limit.
const DefaultQueryLimit = 1000

// MaxQueryLimit is the largest limit a query may request.
const MaxQueryLimit = 10000

// EventFilter holds criteria for querying the event log. All set fields are
// combined with AND.
type EventFilter struct {
	Subject       string     `json:"subject,omitempty"`        // wildcard pattern; empty = any subject
	CorrelationID uuid.UUID  `json:"correlation_id,omitempty"` // uuid.Nil = any
	Since         *time.Time `json:"since,omitempty"`          // inclusive
	Until         *time.Time `json:"until,omitempty"`          // inclusive
	Limit         int        `json:"limit,omitempty"`          // 0 = DefaultQueryLimit

	// After resumes a paged read: only events ordered strictly after this
	// position are returned.
	After *Position `json:"-"`
}

// Position is a point in the (timestamp, seq) order stores return.
type Position struct {
	Timestamp time.Time
	Seq       int64
}

// PositionOf returns the position of e.
func PositionOf(e *Event) *Position {
	return &Position{Timestamp: e.Timestamp, Seq: e.Seq}
}

// Before reports whether p sorts before e.
func (p *Position) Before(e *Event) bool {
	if !p.Timestamp.Equal(e.Timestamp) {
		return p.Timestamp.Before(e.Timestamp)
	}
	return p.Seq < e.Seq
}

// EffectiveLimit returns the limit a store should apply.
func (f EventFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	default:
		return f.Limit
	}
}

// Matches reports whether e satisfies every set criterion except Limit.
// Stores use SQL for this; the in-memory paths (SSE live tail, follow) use
// Matches directly.
func (f EventFilter) Matches(e *Event, match func(subject, pattern string) bool) bool {
	if f.Subject != "" && !match(e.Subject, f.Subject) {
		return false
	}
	if f.CorrelationID != uuid.Nil && e.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.After != nil && !f.After.Before(e) {
		return false
	}
	return true
}
