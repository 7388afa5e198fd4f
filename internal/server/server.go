// Package server exposes the event service over HTTP (publish, query, SSE
// streaming, presence roster, health) and gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/presence"
	"github.com/alfredjeanlab/eventhub/internal/service"
)

// EventService is the part of service.Service the transports use.
type EventService interface {
	Publish(ctx context.Context, subj string, payload json.RawMessage, opts ...service.PublishOption) (uuid.UUID, error)
	Subscribe(ctx context.Context, pattern string, handler service.Handler) (*service.Subscription, error)
	Replay(ctx context.Context, filter model.EventFilter) iter.Seq2[*model.Event, error]
	Ping(ctx context.Context) error
}

const (
	// sseKeepaliveInterval is how often keepalive comments are sent to
	// prevent connection timeouts.
	sseKeepaliveInterval = 15 * time.Second

	// liveBuffer is the per-stream queue between the subscription and the
	// writer.
	liveBuffer = 256
)

// Options configures a Server.
type Options struct {
	// AuthToken enables bearer-token auth when non-empty. Health is exempt.
	AuthToken string

	// IdleTimeout closes a stream after this long without delivering an
	// event. Zero keeps streams open until the client leaves.
	IdleTimeout time.Duration

	// KeepaliveInterval overrides sseKeepaliveInterval.
	KeepaliveInterval time.Duration

	Logger *slog.Logger
}

// Server serves the event API.
type Server struct {
	svc      EventService
	presence *presence.Tracker
	opts     Options
	logger   *slog.Logger
}

// New returns a Server. tracker may be nil, in which case the presence
// roster is empty.
func New(svc EventService, tracker *presence.Tracker, opts Options) *Server {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = sseKeepaliveInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{svc: svc, presence: tracker, opts: opts, logger: opts.Logger}
}

// publishRequest is the body of POST /events and the gRPC Publish request.
type publishRequest struct {
	Subject       string          `json:"subject"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}

// publish validates req and publishes it.
func (s *Server) publish(ctx context.Context, req publishRequest) (uuid.UUID, error) {
	corrID, err := model.ParseCorrelationID(req.CorrelationID)
	if err != nil {
		return uuid.Nil, err
	}
	var opts []service.PublishOption
	if corrID != uuid.Nil {
		opts = append(opts, service.WithCorrelationID(corrID))
	}
	if req.Actor != "" {
		opts = append(opts, service.WithActor(req.Actor))
	}
	return s.svc.Publish(ctx, req.Subject, req.Payload, opts...)
}

// catchUp replays the stored events matching f in pages of MaxQueryLimit,
// resuming each page after the last (timestamp, seq) emitted, until a page
// comes back short. Every emitted id is recorded in seen.
func (s *Server) catchUp(ctx context.Context, f model.EventFilter, seen map[uuid.UUID]struct{}, emit func(*model.Event) error) error {
	page := f
	page.Until = nil
	page.Limit = model.MaxQueryLimit
	for {
		var n int
		var last *model.Event
		for e, err := range s.svc.Replay(ctx, page) {
			if err != nil {
				return err
			}
			n++
			last = e
			seen[e.ID] = struct{}{}
			if err := emit(e); err != nil {
				return err
			}
		}
		if n < page.Limit {
			return nil
		}
		page.After = model.PositionOf(last)
	}
}

// errIdle ends a stream that delivered nothing for IdleTimeout.
var errIdle = errors.New("stream idle timeout")

// follow streams events matching f: the stored events since f.Since when it
// is set, then live events until ctx is done or the stream goes idle. The
// live subscription is registered before the catch-up query runs, and an
// event seen by both is emitted once. onReady runs after the subscription
// is registered; tick runs on each keepalive interval.
func (s *Server) follow(ctx context.Context, f model.EventFilter, onReady func(), emit func(*model.Event) error, tick func() error) error {
	if err := model.ValidateFilter(f); err != nil {
		return err
	}
	pattern := f.Subject
	if pattern == "" {
		pattern = ">"
	}

	ctx, cancel := context.WithCancel(ctx)
	live := make(chan *model.Event, liveBuffer)
	sub, err := s.svc.Subscribe(ctx, pattern, func(_ context.Context, e *model.Event) error {
		select {
		case live <- e:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		cancel()
		return err
	}
	// Cancel first so a handler blocked on a full queue lets Close return.
	defer func() {
		cancel()
		sub.Close()
	}()

	if onReady != nil {
		onReady()
	}

	var seen map[uuid.UUID]struct{}
	if f.Since != nil {
		seen = make(map[uuid.UUID]struct{})
		if err := s.catchUp(ctx, f, seen, emit); err != nil {
			return err
		}
	}

	// Live events only need correlation filtering; subject matching is
	// done by the subscription and the time bounds do not apply.
	liveFilter := model.EventFilter{CorrelationID: f.CorrelationID}

	keepalive := time.NewTicker(s.opts.KeepaliveInterval)
	defer keepalive.Stop()

	var idleC <-chan time.Time
	var idle *time.Timer
	if s.opts.IdleTimeout > 0 {
		idle = time.NewTimer(s.opts.IdleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-live:
			if _, dup := seen[e.ID]; dup {
				delete(seen, e.ID)
				continue
			}
			if !liveFilter.Matches(e, nil) {
				continue
			}
			if err := emit(e); err != nil {
				return err
			}
			if idle != nil {
				idle.Reset(s.opts.IdleTimeout)
			}
		case <-keepalive.C:
			if tick != nil {
				if err := tick(); err != nil {
					return err
				}
			}
		case <-idleC:
			return errIdle
		}
	}
}
