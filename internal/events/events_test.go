package events

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestImplementations(t *testing.T) {
	var _ Bus = (*NATSBus)(nil)
	var _ Bus = (*MemoryBus)(nil)
}

func TestSubjects(t *testing.T) {
	s := Subjects{Prefix: "hub", NodeID: "local"}
	tests := []struct {
		got, want string
	}{
		{s.Domain("project", "created"), "hub.local.project.created"},
		{s.Presence("acme"), "hub.presence.acme"},
		{s.PresenceAll(), "hub.presence.>"},
		{s.All(), "hub.>"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func recv(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryBus_Matching(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe("hub.test.*")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	_ = bus.Publish(ctx, &Message{Subject: "hub.other.example"})
	_ = bus.Publish(ctx, &Message{Subject: "hub.test.example", Data: []byte(`{"a":1}`)})

	got := recv(t, ch)
	if got.Subject != "hub.test.example" || string(got.Data) != `{"a":1}` {
		t.Fatalf("got %+v", got)
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery %q", m.Subject)
	default:
	}
}

func TestMemoryBus_InvalidPattern(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	if _, _, err := bus.Subscribe("hub.>.x"); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestMemoryBus_HeadersAreCopied(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	a, cancelA, _ := bus.Subscribe("hub.>")
	defer cancelA()
	b, cancelB, _ := bus.Subscribe("hub.>")
	defer cancelB()

	_ = bus.Publish(context.Background(), &Message{Subject: "hub.x", Header: map[string]string{"k": "v"}})
	ma, mb := recv(t, a), recv(t, b)
	ma.Header["k"] = "changed"
	if mb.Get("k") != "v" {
		t.Errorf("subscribers share header maps")
	}
}

// A subscriber that never drains must not block the publisher or its siblings.
func TestMemoryBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, cancelSlow, _ := bus.Subscribe("hub.>")
	defer cancelSlow()
	fast, cancelFast, _ := bus.Subscribe("hub.>")
	defer cancelFast()

	done := make(chan struct{})
	total := subscriberBuffer + 50
	received := 0
	go func() {
		defer close(done)
		for range fast {
			received++
			if received == total {
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		if err := bus.Publish(context.Background(), &Message{Subject: fmt.Sprintf("hub.n%d", i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		// Give the fast reader a chance to keep up.
		if i%32 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("fast subscriber received %d/%d", received, total)
	}
	if bus.Dropped() < 50 {
		t.Errorf("Dropped() = %d, want >= 50", bus.Dropped())
	}
}

func TestMemoryBus_CancelAndClose(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel, _ := bus.Subscribe("hub.>")
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
	cancel()

	ch2, cancel2, _ := bus.Subscribe("hub.>")
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel after Close")
	}
	cancel2()

	if err := bus.Publish(context.Background(), &Message{Subject: "hub.x"}); err != ErrClosed {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
	if _, _, err := bus.Subscribe("hub.>"); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}
