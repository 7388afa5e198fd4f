// Package archive periodically exports newly appended events as JSONL
// chunks to one or more destinations (S3, a git repository). Export is a
// read-only copy: nothing is ever deleted from the log or the destination.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/store"
)

// DefaultBatchSize is the maximum number of events in one chunk.
const DefaultBatchSize = 5000

// header is the first JSONL record of every chunk.
type header struct {
	Version    string    `json:"version"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	FirstSeq   int64     `json:"first_seq"`
	LastSeq    int64     `json:"last_seq"`
	EventCount int       `json:"event_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string       `json:"type"`
	Data *model.Event `json:"data"`
	Seq  int64        `json:"seq"`
}

// Chunk is one exported batch of events.
type Chunk struct {
	FirstSeq int64
	LastSeq  int64
	Count    int
}

// Name returns the chunk's file name. It depends only on FirstSeq, so a
// retried export overwrites the earlier partial chunk with a superset.
func (c Chunk) Name() string {
	return fmt.Sprintf("events-%012d.jsonl", c.FirstSeq)
}

// ExportJSONL writes up to limit events appended after afterSeq to w as
// JSONL: a header line followed by one line per event in append order.
// It returns a zero Chunk and writes nothing when there are no new events.
func ExportJSONL(ctx context.Context, s store.EventStore, afterSeq int64, limit int, w io.Writer) (Chunk, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	evts, err := s.ReadFrom(ctx, afterSeq, limit)
	if err != nil {
		return Chunk{}, fmt.Errorf("read events after %d: %w", afterSeq, err)
	}
	if len(evts) == 0 {
		return Chunk{}, nil
	}

	c := Chunk{FirstSeq: evts[0].Seq, LastSeq: evts[len(evts)-1].Seq, Count: len(evts)}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:    "1",
		Type:       "header",
		Timestamp:  time.Now().UTC(),
		FirstSeq:   c.FirstSeq,
		LastSeq:    c.LastSeq,
		EventCount: c.Count,
	}); err != nil {
		return Chunk{}, fmt.Errorf("encode header: %w", err)
	}

	for _, e := range evts {
		if err := enc.Encode(record{Type: "event", Data: e, Seq: e.Seq}); err != nil {
			return Chunk{}, fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}
	return c, nil
}
