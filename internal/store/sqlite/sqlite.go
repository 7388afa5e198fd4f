// Package sqlite implements store.EventStore on an embedded SQLite database,
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/store"
	"github.com/alfredjeanlab/eventhub/internal/subject"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	subject TEXT NOT NULL,
	origin_service TEXT NOT NULL,
	origin_node_id TEXT NOT NULL DEFAULT '',
	origin_instance_id TEXT NOT NULL DEFAULT '',
	origin_actor TEXT NOT NULL DEFAULT '',
	origin_via TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_version INTEGER NOT NULL DEFAULT 0,
	ts_unix_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_subject_ts ON events(subject, ts_unix_ns, seq);
CREATE INDEX IF NOT EXISTS idx_events_correlation_ts ON events(correlation_id, ts_unix_ns, seq);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_ns, seq);

CREATE TRIGGER IF NOT EXISTS trg_events_no_update
BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_events_no_delete
BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'events are append-only: DELETE forbidden');
END;
`

const eventColumns = `seq, id, subject, origin_service, origin_node_id, origin_instance_id,
	origin_actor, origin_via, correlation_id, payload, payload_version, ts_unix_ns`

var registerOnce sync.Once
var registerErr error

// registerFunctions installs subject_match(subject, pattern) on the driver.
// Registration is process-wide, so it runs once.
func registerFunctions() error {
	registerOnce.Do(func() {
		registerErr = sqlite.RegisterDeterministicScalarFunction("subject_match", 2,
			func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				s, _ := args[0].(string)
				p, _ := args[1].(string)
				if subject.Match(s, p) {
					return int64(1), nil
				}
				return int64(0), nil
			})
	})
	return registerErr
}

// Store implements store.EventStore on SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ store.EventStore = (*Store)(nil)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("sqlite: store closed")

// New opens (creating if needed) the database at path. Use ":memory:" for
// an ephemeral database.
func New(path string) (*Store, error) {
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("register functions: %w", err)
	}

	dsn := path
	memory := path == ":memory:"
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// Every in-memory connection is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) Append(ctx context.Context, e *model.Event) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			id, subject, origin_service, origin_node_id, origin_instance_id,
			origin_actor, origin_via, correlation_id, payload, payload_version, ts_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(),
		e.Subject,
		e.Origin.Service,
		e.Origin.NodeID,
		e.Origin.InstanceID,
		e.Origin.Actor,
		e.Origin.Via,
		e.CorrelationID.String(),
		string(e.Payload),
		e.PayloadVersion,
		e.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("append %s: %w", e.ID, store.ErrDuplicateID)
		}
		return fmt.Errorf("append %s: %w", e.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("append %s: %w", e.ID, err)
	}
	e.Seq = seq
	return nil
}

func (s *Store) Query(ctx context.Context, filter model.EventFilter) ([]*model.Event, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	var (
		where []string
		args  []any
	)
	if filter.Subject != "" {
		p, err := subject.Compile(filter.Subject)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		if p.Literal() {
			where = append(where, "subject = ?")
			args = append(args, p.String())
		} else {
			// Byte-order range over "prefix." so the subject index applies.
			// '/' is the byte after '.'.
			if prefix := p.Prefix(); prefix != "" {
				where = append(where, "subject >= ? AND subject < ?")
				args = append(args, prefix+subject.Separator, prefix+"/")
			}
			where = append(where, "subject_match(subject, ?) = 1")
			args = append(args, p.String())
		}
	}
	if filter.CorrelationID != uuid.Nil {
		where = append(where, "correlation_id = ?")
		args = append(args, filter.CorrelationID.String())
	}
	if filter.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if filter.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, filter.Until.UTC().UnixNano())
	}
	if filter.After != nil {
		where = append(where, "(ts_unix_ns, seq) > (?, ?)")
		args = append(args, filter.After.Timestamp.UTC().UnixNano(), filter.After.Seq)
	}

	q := "SELECT " + eventColumns + " FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_unix_ns ASC, seq ASC LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	return s.queryEvents(ctx, q, args...)
}

func (s *Store) ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]*model.Event, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?",
		afterSeq, limit)
}

func (s *Store) queryEvents(ctx context.Context, q string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var (
			e       model.Event
			id      string
			corr    string
			payload string
			tsNanos int64
		)
		if err := rows.Scan(
			&e.Seq, &id, &e.Subject,
			&e.Origin.Service, &e.Origin.NodeID, &e.Origin.InstanceID,
			&e.Origin.Actor, &e.Origin.Via,
			&corr, &payload, &e.PayloadVersion, &tsNanos,
		); err != nil {
			return nil, fmt.Errorf("scan events: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("scan events: id %q: %w", id, err)
		}
		if e.CorrelationID, err = uuid.Parse(corr); err != nil {
			return nil, fmt.Errorf("scan events: correlation_id %q: %w", corr, err)
		}
		e.Payload = []byte(payload)
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}
