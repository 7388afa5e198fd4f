package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/store"
	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// eventColumns is the column list used for SELECT statements on the events table.
const eventColumns = `seq, id, subject, origin_service, origin_node_id, origin_instance_id,
	origin_actor, origin_via, correlation_id, payload, payload_version, ts`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const pqUniqueViolation = "23505"

func queryAppendEvent(ctx context.Context, db executor, e *model.Event) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO events (
			id, subject, origin_service, origin_node_id, origin_instance_id,
			origin_actor, origin_via, correlation_id, payload, payload_version, ts
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		RETURNING seq`,
		e.ID,
		e.Subject,
		e.Origin.Service,
		e.Origin.NodeID,
		e.Origin.InstanceID,
		e.Origin.Actor,
		e.Origin.Via,
		e.CorrelationID,
		[]byte(e.Payload),
		e.PayloadVersion,
		e.Timestamp,
	).Scan(&e.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("append %s: %w", e.ID, store.ErrDuplicateID)
		}
		return fmt.Errorf("append %s: %w", e.ID, err)
	}
	return nil
}

func queryEvents(ctx context.Context, db executor, filter model.EventFilter) ([]*model.Event, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.Subject != "" {
		p, err := subject.Compile(filter.Subject)
		if err != nil {
			return nil, fmt.Errorf("query events: %w", err)
		}
		if p.Literal() {
			whereClauses = append(whereClauses, "subject = "+nextArg())
			args = append(args, p.String())
		} else {
			// The LIKE prefix lets the planner use the text_pattern_ops
			// index; the regex does the token-exact match.
			if prefix := p.Prefix(); prefix != "" {
				whereClauses = append(whereClauses, "subject LIKE "+nextArg())
				args = append(args, likeEscape(prefix)+".%")
			}
			whereClauses = append(whereClauses, "subject ~ "+nextArg())
			args = append(args, p.Regexp())
		}
	}

	if filter.CorrelationID != uuid.Nil {
		whereClauses = append(whereClauses, "correlation_id = "+nextArg())
		args = append(args, filter.CorrelationID)
	}

	if filter.Since != nil {
		whereClauses = append(whereClauses, "ts >= "+nextArg())
		args = append(args, filter.Since.UTC())
	}

	if filter.Until != nil {
		whereClauses = append(whereClauses, "ts <= "+nextArg())
		args = append(args, filter.Until.UTC())
	}

	if filter.After != nil {
		whereClauses = append(whereClauses, "(ts, seq) > ("+nextArg()+", "+nextArg()+")")
		args = append(args, filter.After.Timestamp.UTC(), filter.After.Seq)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	dataQuery := "SELECT " + eventColumns + " FROM events" + whereSQL + " ORDER BY ts ASC, seq ASC LIMIT " + nextArg()
	args = append(args, filter.EffectiveLimit())

	rows, err := db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

func queryEventsFrom(ctx context.Context, db executor, afterSeq int64, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = model.DefaultQueryLimit
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return events, nil
}

// likeEscape escapes LIKE metacharacters using the default backslash escape.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
