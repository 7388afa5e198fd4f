package postgres

import (
	"database/sql"

	"github.com/alfredjeanlab/eventhub/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEvent scans a single row into a model.Event.
// The row must contain columns in the order defined by eventColumns.
func scanEvent(row scannable) (*model.Event, error) {
	var (
		e       model.Event
		payload []byte
	)
	err := row.Scan(
		&e.Seq,
		&e.ID,
		&e.Subject,
		&e.Origin.Service,
		&e.Origin.NodeID,
		&e.Origin.InstanceID,
		&e.Origin.Actor,
		&e.Origin.Via,
		&e.CorrelationID,
		&payload,
		&e.PayloadVersion,
		&e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
