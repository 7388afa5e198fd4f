package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("events: bus closed")

// MemoryBus is an in-process Bus. Delivery is best effort: a subscriber whose
// buffer is full misses the message and the publisher carries on.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySub
	nextID  uint64
	closed  bool
	dropped atomic.Int64
}

type memorySub struct {
	pattern *subject.Pattern
	ch      chan *Message
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*memorySub)}
}

// Publish delivers msg to every matching subscriber without blocking.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if !s.pattern.Match(msg.Subject) {
			continue
		}
		select {
		case s.ch <- cloneMessage(msg):
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				slog.Warn("events: subscriber buffer full, dropping", "pattern", s.pattern.String(), "subject", msg.Subject, "dropped_total", n)
			}
		}
	}
	return nil
}

// Subscribe registers a subscription for pattern.
func (b *MemoryBus) Subscribe(pattern string) (<-chan *Message, func(), error) {
	p, err := subject.Compile(pattern)
	if err != nil {
		return nil, nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	s := &memorySub{pattern: p, ch: make(chan *Message, subscriberBuffer)}
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
	return s.ch, cancel, nil
}

// Dropped returns the number of messages dropped because a subscriber fell behind.
func (b *MemoryBus) Dropped() int64 { return b.dropped.Load() }

// Close closes every open subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}

// cloneMessage gives each subscriber its own header map.
func cloneMessage(m *Message) *Message {
	out := &Message{Subject: m.Subject, Data: m.Data}
	if m.Header != nil {
		out.Header = make(map[string]string, len(m.Header))
		for k, v := range m.Header {
			out.Header[k] = v
		}
	}
	return out
}
