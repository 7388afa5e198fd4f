// Package bridge forwards messages between the event log and an external
// pub/sub bus according to a table of routing rules.
//
// Inbound rules re-publish matching external messages through the event
// service, making them durable and replayable. Outbound rules forward the
// payload of matching internal events to the external bus. Two tags keep
// overlapping rules from forwarding in a cycle: events ingested by the
// bridge carry origin.via and are never forwarded out, and messages the
// bridge emits carry the Hub-Bridge header and are never ingested.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/service"
)

// EventService is the part of service.Service the bridge uses.
type EventService interface {
	Publish(ctx context.Context, subj string, payload json.RawMessage, opts ...service.PublishOption) (uuid.UUID, error)
	Subscribe(ctx context.Context, pattern string, handler service.Handler) (*service.Subscription, error)
}

// ViaPrefix starts the origin.via tag of bridge-ingested events.
const ViaPrefix = "bridge:"

// Bridge routes between the event service and an external bus.
type Bridge struct {
	svc      EventService
	external events.Bus
	inbound  []*compiledRule
	outbound []*compiledRule
	logger   *slog.Logger
	ready    chan struct{}
}

// New validates rules and creates a Bridge. Rule names must be unique.
func New(svc EventService, external events.Bus, rules []Rule, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{svc: svc, external: external, logger: logger, ready: make(chan struct{})}
	seen := make(map[string]bool)
	for _, r := range rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("rule %s: duplicate name", r.Name)
		}
		seen[r.Name] = true
		if cr.Direction == Inbound {
			b.inbound = append(b.inbound, cr)
		} else {
			b.outbound = append(b.outbound, cr)
		}
	}
	return b, nil
}

// Rules returns the number of inbound and outbound rules.
func (b *Bridge) Rules() (inbound, outbound int) {
	return len(b.inbound), len(b.outbound)
}

// Ready is closed once Run has registered every rule's subscription.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Run starts one subscription per rule and blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, r := range b.inbound {
		ch, unsub, err := b.external.Subscribe(r.Source)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("bridge rule %s: %w", r.Name, err)
		}
		wg.Add(1)
		go func(r *compiledRule) {
			defer wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := b.handleInbound(ctx, r, msg); err != nil {
						b.logger.Warn("bridge inbound failed", "rule", r.Name, "subject", msg.Subject, "error", err)
					}
				}
			}
		}(r)
	}

	for _, r := range b.outbound {
		sub, err := b.svc.Subscribe(ctx, r.Source, func(ctx context.Context, e *model.Event) error {
			return b.handleOutbound(ctx, r, e)
		})
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("bridge rule %s: %w", r.Name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-sub.Done()
		}()
	}

	b.logger.Info("bridge started", "inbound", len(b.inbound), "outbound", len(b.outbound))
	close(b.ready)
	<-ctx.Done()
	wg.Wait()
	return nil
}

// handleInbound ingests one external message.
func (b *Bridge) handleInbound(ctx context.Context, r *compiledRule, msg *events.Message) error {
	if tag := msg.Get(events.HeaderBridge); tag != "" {
		b.logger.Debug("bridge dropping own message", "rule", r.Name, "subject", msg.Subject, "tag", tag)
		return nil
	}
	target, ok, err := r.expand(msg.Subject)
	if err != nil || !ok {
		return err
	}

	corrID, ok := correlation.Parse(msg.Get(events.HeaderCorrelationID))
	if !ok {
		corrID = uuid.New()
	}
	ctx = correlation.WithID(ctx, corrID)
	defer correlation.Clear(ctx)

	id, err := b.svc.Publish(ctx, target, inboundPayload(msg.Data),
		service.WithCorrelationID(corrID),
		service.WithVia(ViaPrefix+r.Name),
	)
	var te *service.TransportError
	if errors.As(err, &te) {
		// Recorded; the live tail will catch up on reconnect.
		b.logger.Warn("bridge ingested event not delivered live", "rule", r.Name, "event_id", te.EventID, correlation.Attr(ctx))
		return nil
	}
	if err != nil {
		return err
	}
	b.logger.Debug("bridge ingested", "rule", r.Name, "from", msg.Subject, "to", target, "event_id", id, correlation.Attr(ctx))
	return nil
}

// inboundPayload keeps JSON object payloads as they are and wraps anything
// else so the stored payload is always a JSON object.
func inboundPayload(data []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
		return trimmed
	}
	if json.Valid(trimmed) && len(trimmed) > 0 {
		out, _ := json.Marshal(map[string]json.RawMessage{"data": trimmed})
		return out
	}
	out, _ := json.Marshal(map[string]string{"raw": string(data)})
	return out
}

// handleOutbound forwards one internal event.
func (b *Bridge) handleOutbound(ctx context.Context, r *compiledRule, e *model.Event) error {
	if e.Origin.Bridged() {
		return nil
	}
	target, ok, err := r.expand(e.Subject)
	if err != nil || !ok {
		return err
	}
	msg := &events.Message{
		Subject: target,
		Data:    e.Payload,
		Header: map[string]string{
			events.HeaderBridge:        r.Name,
			events.HeaderCorrelationID: e.CorrelationID.String(),
			events.HeaderEventID:       e.ID.String(),
		},
	}
	if err := b.external.Publish(ctx, msg); err != nil {
		return fmt.Errorf("forward %s to %s: %w", e.ID, target, err)
	}
	b.logger.Debug("bridge forwarded", "rule", r.Name, "from", e.Subject, "to", target, "event_id", e.ID, correlation.Attr(ctx))
	return nil
}
