package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/events"
)

// DefaultInterval is the heartbeat period when none is configured.
const DefaultInterval = 30 * time.Second

// Beat is the presence message a node publishes.
type Beat struct {
	NodeID     string    `json:"node_id"`
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service"`
	Project    string    `json:"project,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_secs"`
}

// Heartbeat periodically publishes this node's Beat.
type Heartbeat struct {
	pub      events.Publisher
	subject  string
	beat     Beat
	interval time.Duration
	logger   *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewHeartbeat creates a heartbeat that publishes beat on subj every interval.
func NewHeartbeat(pub events.Publisher, subj string, beat Beat, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if beat.StartedAt.IsZero() {
		beat.StartedAt = time.Now().UTC()
	}
	return &Heartbeat{pub: pub, subject: subj, beat: beat, interval: interval, logger: logger}
}

// Run publishes one beat immediately and then one per interval until ctx
// is done. Publish failures are logged and the loop keeps its schedule.
func (h *Heartbeat) Run(ctx context.Context) {
	h.logger.Info("presence: heartbeat started", "subject", h.subject, "interval", h.interval)
	h.beatOnce(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beatOnce(ctx)
		}
	}
}

func (h *Heartbeat) beatOnce(ctx context.Context) {
	// Each beat is its own unit of work with its own correlation id.
	corrID := uuid.New()
	ctx = correlation.WithID(ctx, corrID)
	defer correlation.Clear(ctx)

	b := h.beat
	b.UptimeSecs = time.Since(b.StartedAt).Seconds()
	data, _ := json.Marshal(b)

	msg := &events.Message{
		Subject: h.subject,
		Data:    data,
		Header:  map[string]string{events.HeaderCorrelationID: corrID.String()},
	}

	if err := h.pub.Publish(ctx, msg); err != nil {
		n := h.failed.Add(1)
		h.logger.Warn("presence: heartbeat publish failed", "subject", h.subject, "failures", n, "error", err, correlation.Attr(ctx))
		return
	}
	h.sent.Add(1)
}

// Stats returns the number of beats sent and failed.
func (h *Heartbeat) Stats() (sent, failed int64) {
	return h.sent.Load(), h.failed.Load()
}
