package events

import (
	"context"
	"testing"
	"time"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	srv, err := StartEmbeddedNATS("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func newTestNATSBus(t *testing.T, url string) *NATSBus {
	t.Helper()
	bus, err := NewNATSBus(url)
	if err != nil {
		t.Fatalf("creating bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestNATSBus_ReceivesMessagesWithHeaders(t *testing.T) {
	url := startTestNATS(t)
	pub := newTestNATSBus(t, url)
	sub := newTestNATSBus(t, url)

	ch, cancel, err := sub.Subscribe("hub.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	msg := &Message{
		Subject: "hub.local.project.created",
		Data:    []byte(`{"id":"1"}`),
		Header:  map[string]string{HeaderCorrelationID: "abc", HeaderBridge: "orders-out"},
	}
	if err := pub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publishing: %v", err)
	}
	pub.conn.Flush()

	select {
	case got := <-ch:
		if got.Subject != msg.Subject {
			t.Errorf("subject = %q, want %q", got.Subject, msg.Subject)
		}
		if string(got.Data) != `{"id":"1"}` {
			t.Errorf("data = %q", got.Data)
		}
		if got.Get(HeaderCorrelationID) != "abc" || got.Get(HeaderBridge) != "orders-out" {
			t.Errorf("headers = %v", got.Header)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSBus_WildcardFiltering(t *testing.T) {
	url := startTestNATS(t)
	bus := newTestNATSBus(t, url)

	ch, cancel, err := bus.Subscribe("hub.test.*")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	for _, s := range []string{"hub.other.example", "hub.test.a.b", "hub.test.example"} {
		if err := bus.Publish(ctx, &Message{Subject: s, Data: []byte(`{}`)}); err != nil {
			t.Fatalf("publishing %s: %v", s, err)
		}
	}
	bus.conn.Flush()

	select {
	case got := <-ch:
		if got.Subject != "hub.test.example" {
			t.Fatalf("first delivery = %q, want hub.test.example", got.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	select {
	case got := <-ch:
		t.Fatalf("unexpected extra delivery %q", got.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNATSBus_Cancel(t *testing.T) {
	url := startTestNATS(t)
	bus := newTestNATSBus(t, url)

	ch, cancel, err := bus.Subscribe("hub.>")
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()

	// Channel should be closed.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Double cancel should not panic.
	cancel()
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	url := startTestNATS(t)
	bus, err := NewNATSBus(url)
	if err != nil {
		t.Fatalf("creating bus: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := bus.Publish(context.Background(), &Message{Subject: "hub.x", Data: []byte(`{}`)}); err == nil {
		t.Error("expected error publishing after close")
	}
}

func TestNewNATSBus_BadURL(t *testing.T) {
	if _, err := NewNATSBus("nats://127.0.0.1:1"); err == nil {
		t.Fatal("expected connection error")
	}
}
