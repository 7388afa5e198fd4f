// Package presence announces this node on the bus and tracks the other
// nodes that do the same.
//
// A Heartbeat publishes a Beat on <prefix>.presence.<project> at a fixed
// interval. A Tracker consumes those beats into an in-memory roster, and a
// background reaper marks nodes dead after several missed beats.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/events"
)

// Entry represents a single node's live presence state.
type Entry struct {
	NodeID     string    `json:"node_id"`
	InstanceID string    `json:"instance_id"`
	Service    string    `json:"service"`
	Project    string    `json:"project,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	LastSeen   time.Time `json:"last_seen"`
	FirstSeen  time.Time `json:"first_seen"`
	IdleSecs   float64   `json:"idle_secs"`   // seconds since last beat
	UptimeSecs float64   `json:"uptime_secs"` // as reported by the node
	BeatCount  int64     `json:"beat_count"`  // total beats seen
	Reaped     bool      `json:"reaped,omitempty"`
	ReapedAt   time.Time `json:"reaped_at,omitempty"`
}

// ReaperConfig configures the background dead-node reaper.
type ReaperConfig struct {
	// DeadThreshold is how long a node may go without a beat before being
	// marked dead. Default: 3 heartbeat intervals (90 seconds).
	DeadThreshold time.Duration

	// EvictAfter is how long after being reaped before a node is permanently
	// removed from the roster. Default: 30 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans for dead nodes.
	// Default: 15 seconds.
	SweepInterval time.Duration

	// OnDead is called for each node newly marked as dead.
	// Called outside the lock, so it may block.
	OnDead func(e Entry)
}

// Tracker maintains an in-memory roster of live nodes.
type Tracker struct {
	mu    sync.RWMutex
	nodes map[string]*nodeState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type nodeState struct {
	beat      Beat
	firstSeen time.Time
	lastSeen  time.Time
	count     int64
	reaped    bool
	reapedAt  time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[string]*nodeState)}
}

func nodeKey(b Beat) string {
	return b.NodeID + "/" + b.InstanceID
}

// RecordBeat updates the roster from one heartbeat.
func (t *Tracker) RecordBeat(b Beat) {
	if b.NodeID == "" {
		return
	}
	now := time.Now()
	key := nodeKey(b)

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.nodes[key]
	if !ok {
		state = &nodeState{firstSeen: now}
		t.nodes[key] = state
	}
	if state.reaped {
		slog.Info("presence: node resurrected", "node_id", b.NodeID, "instance_id", b.InstanceID)
		state.reaped = false
		state.reapedAt = time.Time{}
	}
	state.beat = b
	state.lastSeen = now
	state.count++
}

// Consume feeds beats received on sub into the tracker until ctx is done.
// Messages that do not decode as beats are skipped.
func (t *Tracker) Consume(ctx context.Context, sub events.Subscriber, pattern string) error {
	ch, cancel, err := sub.Subscribe(pattern)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var b Beat
			if err := json.Unmarshal(msg.Data, &b); err != nil {
				slog.Debug("presence: skipping malformed beat", "subject", msg.Subject, "error", err)
				continue
			}
			t.RecordBeat(b)
		}
	}
}

// Roster returns a snapshot of all tracked nodes, sorted by most recently seen.
// staleThreshold excludes nodes whose last beat is older; pass 0 to include all.
func (t *Tracker) Roster(staleThreshold time.Duration) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	entries := make([]Entry, 0, len(t.nodes))
	for _, state := range t.nodes {
		idle := now.Sub(state.lastSeen)
		if staleThreshold > 0 && idle > staleThreshold {
			continue
		}
		entries = append(entries, state.entry(now))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}

func (s *nodeState) entry(now time.Time) Entry {
	return Entry{
		NodeID:     s.beat.NodeID,
		InstanceID: s.beat.InstanceID,
		Service:    s.beat.Service,
		Project:    s.beat.Project,
		StartedAt:  s.beat.StartedAt,
		LastSeen:   s.lastSeen,
		FirstSeen:  s.firstSeen,
		IdleSecs:   now.Sub(s.lastSeen).Seconds(),
		UptimeSecs: s.beat.UptimeSecs,
		BeatCount:  s.count,
		Reaped:     s.reaped,
		ReapedAt:   s.reapedAt,
	}
}

// StartReaper launches a background goroutine that periodically marks
// silent nodes as dead. Call Stop() to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.DeadThreshold == 0 {
		cfg.DeadThreshold = 3 * DefaultInterval
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 30 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 15 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	slog.Info("presence: reaper started",
		"dead_threshold", cfg.DeadThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := time.Now()
	var newlyDead []Entry

	t.mu.Lock()
	for key, state := range t.nodes {
		if state.reaped {
			if !state.reapedAt.IsZero() && now.Sub(state.reapedAt) > cfg.EvictAfter {
				delete(t.nodes, key)
			}
			continue
		}
		if now.Sub(state.lastSeen) > cfg.DeadThreshold {
			state.reaped = true
			state.reapedAt = now
			newlyDead = append(newlyDead, state.entry(now))
		}
	}
	t.mu.Unlock()

	for _, dead := range newlyDead {
		slog.Info("presence: reaper marked node dead",
			"node_id", dead.NodeID,
			"instance_id", dead.InstanceID,
			"threshold", cfg.DeadThreshold)
		if cfg.OnDead != nil {
			cfg.OnDead(dead)
		}
	}
}
