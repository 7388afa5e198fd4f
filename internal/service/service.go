// Package service orchestrates the event log and the live bus: publish
// writes to the store then the bus, subscribe dispatches live messages to
// isolated handlers, and replay reads history from the store only.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/store"
	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// Identity is the process-wide provenance stamped on every event this
// process publishes.
type Identity struct {
	Service    string
	NodeID     string
	InstanceID string
}

// Options configures a Service. Zero values get sensible defaults.
type Options struct {
	Identity  Identity
	Contracts *model.ContractRegistry
	Metrics   MetricsRecorder
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service implements publish, subscribe and replay over an EventStore and
// an events.Bus.
type Service struct {
	store     store.EventStore
	bus       events.Bus
	identity  Identity
	contracts *model.ContractRegistry
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

type droppedCounter interface {
	Dropped() int64
}

// New creates a Service.
func New(st store.EventStore, bus events.Bus, opts Options) *Service {
	s := &Service{
		store:     st,
		bus:       bus,
		identity:  opts.Identity,
		contracts: opts.Contracts,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		subs:      make(map[*Subscription]struct{}),
	}
	if s.identity.Service == "" {
		s.identity.Service = "eventhub"
	}
	if s.metrics == nil {
		s.metrics = NoopMetrics{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if dc, ok := bus.(droppedCounter); ok {
		s.metrics.ObserveDropped(dc.Dropped)
	}
	return s
}

// Identity returns the provenance stamped on published events.
func (s *Service) Identity() Identity { return s.identity }

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	correlationID uuid.UUID
	actor         string
	via           string
}

// WithCorrelationID sets the event's correlation id instead of the one
// bound to the caller's context.
func WithCorrelationID(id uuid.UUID) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithActor records the user or agent on whose behalf the event is published.
func WithActor(actor string) PublishOption {
	return func(o *publishOptions) { o.actor = actor }
}

// WithVia tags the event as ingested from an external bus. Events carrying
// the tag are never forwarded back out by the bridge.
func WithVia(via string) PublishOption {
	return func(o *publishOptions) { o.via = via }
}

// Publish records an event and forwards it to the bus, returning its id.
//
// The correlation id defaults to the one bound to ctx, or a fresh one. A
// *StoreError means nothing was recorded. A *TransportError means the event
// is durable but live subscribers may not have seen it; its EventID is the
// recorded id and Publish returns that id alongside the error.
func (s *Service) Publish(ctx context.Context, subj string, payload json.RawMessage, opts ...PublishOption) (uuid.UUID, error) {
	start := time.Now()
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := subject.Validate(subj); err != nil {
		verr := model.NewValidationError("subject", "%v", err)
		s.metrics.RecordPublish(ctx, StageValidate, verr, time.Since(start))
		return uuid.Nil, verr
	}
	version, err := s.contracts.Check(subj, payload)
	if err != nil {
		s.metrics.RecordPublish(ctx, StageValidate, err, time.Since(start))
		return uuid.Nil, err
	}

	corrID := o.correlationID
	if corrID == uuid.Nil {
		corrID = correlation.GetOrNew(ctx)
	}

	e := &model.Event{
		ID:      uuid.New(),
		Subject: subj,
		Origin: model.Origin{
			Service:    s.identity.Service,
			NodeID:     s.identity.NodeID,
			InstanceID: s.identity.InstanceID,
			Actor:      o.actor,
			Via:        o.via,
		},
		CorrelationID:  corrID,
		Payload:        payload,
		PayloadVersion: version,
		// Microsecond precision survives every store unchanged.
		Timestamp: s.now().UTC().Truncate(time.Microsecond),
	}
	if err := model.ValidateEvent(e); err != nil {
		s.metrics.RecordPublish(ctx, StageValidate, err, time.Since(start))
		return uuid.Nil, err
	}

	log := s.logger.With("event_id", e.ID, "subject", subj, "correlation_id", corrID)

	if err := s.store.Append(ctx, e); err != nil {
		s.metrics.RecordPublish(ctx, StageStore, err, time.Since(start))
		log.Error("event store append failed", "error", err)
		return uuid.Nil, &StoreError{Err: err}
	}

	if err := s.bus.Publish(ctx, envelope(e)); err != nil {
		s.metrics.RecordPublish(ctx, StageBus, err, time.Since(start))
		log.Warn("event recorded but bus publish failed", "error", err)
		return e.ID, &TransportError{EventID: e.ID, Err: err}
	}

	s.metrics.RecordPublish(ctx, StageBus, nil, time.Since(start))
	log.Debug("event published")
	return e.ID, nil
}

// envelope wraps an event for the bus. The data is the event JSON; headers
// repeat the ids for consumers that do not decode it.
func envelope(e *model.Event) *events.Message {
	data, _ := json.Marshal(e)
	msg := &events.Message{
		Subject: e.Subject,
		Data:    data,
		Header: map[string]string{
			events.HeaderCorrelationID: e.CorrelationID.String(),
			events.HeaderEventID:       e.ID.String(),
		},
	}
	if e.Origin.Bridged() {
		// Keeps an inbound rule from re-ingesting its own output when the
		// internal and external bus are the same server.
		msg.Header[events.HeaderBridge] = e.Origin.Via
	}
	return msg
}

// DecodeEnvelope decodes a bus message produced by Publish.
func DecodeEnvelope(msg *events.Message) (*model.Event, error) {
	var e model.Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		return nil, fmt.Errorf("decode event on %s: %w", msg.Subject, err)
	}
	if e.ID == uuid.Nil || e.Subject == "" {
		return nil, fmt.Errorf("decode event on %s: not an event envelope", msg.Subject)
	}
	return &e, nil
}

// Handler processes one live event. The context carries the event's
// correlation id.
type Handler func(ctx context.Context, e *model.Event) error

// Subscription is a live registration created by Subscribe.
type Subscription struct {
	pattern string
	cancel  func()
	done    chan struct{}
	once    sync.Once
	svc     *Service
}

// Pattern returns the subscribed pattern.
func (sub *Subscription) Pattern() string { return sub.pattern }

// Done is closed once the subscription has stopped.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Close unregisters the subscription and waits for an in-flight handler
// call to return. It must not be called from inside the handler.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.cancel()
		sub.svc.mu.Lock()
		delete(sub.svc.subs, sub)
		sub.svc.mu.Unlock()
	})
	<-sub.done
}

// Subscribe runs handler for every live event whose subject matches
// pattern until ctx is cancelled or the subscription is closed. Each
// subscription has its own goroutine; a failing or panicking handler is
// logged and stays registered.
func (s *Service) Subscribe(ctx context.Context, pattern string, handler Handler) (*Subscription, error) {
	p, err := subject.Compile(pattern)
	if err != nil {
		return nil, model.NewValidationError("pattern", "%v", err)
	}
	ch, cancel, err := s.bus.Subscribe(pattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	sub := &Subscription{pattern: pattern, cancel: cancel, done: make(chan struct{}), svc: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-ctx.Done():
				go sub.Close()
				// Drain until cancel closes the channel.
				for range ch {
				}
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				e, err := DecodeEnvelope(msg)
				if err != nil {
					s.logger.Debug("skipping non-event message", "pattern", pattern, "error", err)
					continue
				}
				if !p.Match(e.Subject) {
					continue
				}
				s.dispatch(pattern, handler, e)
			}
		}
	}()
	return sub, nil
}

// dispatch runs one handler call in its own correlation scope, converting
// panics to errors.
func (s *Service) dispatch(pattern string, handler Handler, e *model.Event) {
	ctx := correlation.WithID(context.Background(), e.CorrelationID)
	defer correlation.Clear(ctx)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return handler(ctx, e)
	}()
	s.metrics.RecordDelivery(ctx, err)
	if err != nil {
		herr := &HandlerError{Pattern: pattern, EventID: e.ID, Err: err}
		s.logger.Error("subscription handler failed", "error", herr, correlation.Attr(ctx))
	}
}

// Subscriptions returns the number of live subscriptions.
func (s *Service) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Replay returns the events matching filter from the store, ordered by
// timestamp. It never touches the bus. An unset Until is pinned to the
// time Replay is called, so iterating the sequence again yields the same
// events. At most filter.EffectiveLimit() events are returned.
func (s *Service) Replay(ctx context.Context, filter model.EventFilter) iter.Seq2[*model.Event, error] {
	if filter.Until == nil {
		now := s.now().UTC()
		filter.Until = &now
	}
	return func(yield func(*model.Event, error) bool) {
		if err := model.ValidateFilter(filter); err != nil {
			yield(nil, err)
			return
		}
		evts, err := s.store.Query(ctx, filter)
		if err != nil {
			yield(nil, &StoreError{Err: err})
			return
		}
		for _, e := range evts {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Collect drains a replay sequence into a slice.
func Collect(seq iter.Seq2[*model.Event, error]) ([]*model.Event, error) {
	var out []*model.Event
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close stops every live subscription.
func (s *Service) Close() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// IsRecorded reports whether err from Publish still left the event durably
// recorded.
func IsRecorded(err error) bool {
	var te *TransportError
	return err == nil || errors.As(err, &te)
}
