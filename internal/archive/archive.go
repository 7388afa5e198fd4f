package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/store"
)

// Destination is the interface for an archive target (S3, git, etc.).
type Destination interface {
	// Write stores one JSONL chunk under name. Writing the same name again
	// replaces the earlier content.
	Write(ctx context.Context, name string, data []byte) error
}

// Scheduler runs periodic incremental exports to one or more destinations.
type Scheduler struct {
	store        store.EventStore
	destinations []Destination
	cursor       Cursor
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports newly appended events from
// the store to the given destinations at the specified interval. A nil
// cursor keeps the position in memory.
func NewScheduler(s store.EventStore, destinations []Destination, cursor Cursor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if cursor == nil {
		cursor = &MemoryCursor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		cursor:       cursor,
		interval:     interval,
		batchSize:    DefaultBatchSize,
		logger:       logger,
	}
}

// Start begins periodic export. It runs an initial export immediately,
// then on each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current export (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("archive export failed", "err", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("archive export failed", "err", err)
			}
		}
	}
}

// RunOnce exports every event appended since the cursor, one chunk at a
// time, and returns the number of events exported. The cursor advances
// only after a chunk reached every destination.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	after, err := s.cursor.Load()
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var buf bytes.Buffer
		chunk, err := ExportJSONL(ctx, s.store, after, s.batchSize, &buf)
		if err != nil {
			return total, err
		}
		if chunk.Count == 0 {
			break
		}

		data := buf.Bytes()
		var failed int
		for i, dest := range s.destinations {
			if err := dest.Write(ctx, chunk.Name(), data); err != nil {
				failed++
				s.logger.Error("archive destination write failed", "destination", fmt.Sprintf("%d", i), "chunk", chunk.Name(), "err", err)
			}
		}
		if failed > 0 {
			return total, fmt.Errorf("chunk %s: %d of %d destination(s) failed", chunk.Name(), failed, len(s.destinations))
		}
		if err := s.cursor.Save(chunk.LastSeq); err != nil {
			return total, fmt.Errorf("save cursor: %w", err)
		}
		s.logger.Info("archive chunk exported", "chunk", chunk.Name(), "events", chunk.Count, "bytes", len(data))

		total += chunk.Count
		after = chunk.LastSeq
		if chunk.Count < s.batchSize {
			break
		}
	}
	return total, nil
}
