// Package store defines the append-only persistence interface for the event log.
package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/eventhub/internal/model"
)

// ErrDuplicateID is returned when an event id has already been appended.
var ErrDuplicateID = errors.New("store: duplicate event id")

// EventStore is a durable, append-only event log. There is no update or
// delete: once Append returns, the event is immutable.
type EventStore interface {
	// Append durably records e before returning and sets e.Seq to the
	// store-assigned append sequence.
	Append(ctx context.Context, e *model.Event) error

	// Query returns events matching filter, ordered by timestamp ascending
	// with append sequence as tie-break.
	Query(ctx context.Context, filter model.EventFilter) ([]*model.Event, error)

	// ReadFrom returns up to limit events with a sequence greater than
	// afterSeq, in append order. Used for incremental export.
	ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]*model.Event, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
