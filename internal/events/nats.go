package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes and subscribes through a NATS connection.
// Subject wildcards use NATS semantics, which match subject.Match.
type NATSBus struct {
	conn    *nats.Conn
	dropped atomic.Int64
}

// NewNATSBus connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSBus(url string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc}, nil
}

// Conn exposes the underlying connection.
func (b *NATSBus) Conn() *nats.Conn { return b.conn }

// Publish sends msg with its headers.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nm := nats.NewMsg(msg.Subject)
	nm.Data = msg.Data
	for k, v := range msg.Header {
		nm.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(nm); err != nil {
		return fmt.Errorf("publishing to %s: %w", msg.Subject, err)
	}
	return nil
}

// Flush waits until the server has processed all buffered messages.
func (b *NATSBus) Flush(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Subscribe returns a channel that receives messages for the given pattern
// (supports NATS wildcards like "hub.>"). Call the returned cancel function
// to unsubscribe and close the channel.
func (b *NATSBus) Subscribe(pattern string) (<-chan *Message, func(), error) {
	ch := make(chan *Message, subscriberBuffer)

	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)

	sub, err := b.conn.Subscribe(pattern, func(nm *nats.Msg) {
		msg := &Message{Subject: nm.Subject, Data: nm.Data}
		if len(nm.Header) > 0 {
			msg.Header = make(map[string]string, len(nm.Header))
			for k := range nm.Header {
				msg.Header[k] = nm.Header.Get(k)
			}
		}

		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- msg:
		default:
			// Drop message if channel is full to avoid blocking the NATS client.
			if n := b.dropped.Add(1); n%100 == 1 {
				slog.Warn("events: subscriber buffer full, dropping", "pattern", pattern, "subject", nm.Subject, "dropped_total", n)
			}
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		close(ch)
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			closed = true
			mu.Unlock()
			// Drain remaining messages so senders don't block, then close.
			for {
				select {
				case <-ch:
				default:
					close(ch)
					return
				}
			}
		})
	}

	return ch, cancel, nil
}

// Dropped returns the number of messages dropped because a subscriber fell behind.
func (b *NATSBus) Dropped() int64 { return b.dropped.Load() }

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
