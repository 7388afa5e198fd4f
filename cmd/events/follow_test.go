package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/store/sqlite"
)

// followHarness publishes through a real service onto bus while
// followEvents reads the same bus directly.
type followHarness struct {
	svc *service.Service
	bus events.Bus

	mu  sync.Mutex
	got []*model.Event
}

func newFollowHarness(t *testing.T, bus events.Bus) *followHarness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	svc := service.New(st, bus, service.Options{Identity: service.Identity{Service: "eventhub", NodeID: "local", InstanceID: "inst-f"}})
	t.Cleanup(func() {
		svc.Close()
		st.Close()
	})
	return &followHarness{svc: svc, bus: bus}
}

func (h *followHarness) start(t *testing.T, pattern string, corr uuid.UUID) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- followEvents(ctx, subscribeNotifier{h.bus, ready}, pattern, corr, func(e *model.Event) error {
			h.mu.Lock()
			h.got = append(h.got, e)
			h.mu.Unlock()
			return nil
		})
	}()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("follow never subscribed")
	}
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("follow did not stop")
			return nil
		}
	}
}

func (h *followHarness) events() []*model.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*model.Event(nil), h.got...)
}

func (h *followHarness) waitFor(t *testing.T, n int) []*model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.events(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d events, want %d", len(h.events()), n)
	return nil
}

// subscribeNotifier closes ready once the subscription is registered.
type subscribeNotifier struct {
	events.Subscriber
	ready chan struct{}
}

func (s subscribeNotifier) Subscribe(pattern string) (<-chan *events.Message, func(), error) {
	ch, cancel, err := s.Subscriber.Subscribe(pattern)
	close(s.ready)
	return ch, cancel, err
}

func TestFollowEvents_PatternAndCorrelation(t *testing.T) {
	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	h := newFollowHarness(t, bus)
	corr := uuid.New()
	stop := h.start(t, "hub.test.*", corr)

	ctx := context.Background()
	want, err := h.svc.Publish(ctx, "hub.test.example", json.RawMessage(`{"n":1}`), service.WithCorrelationID(corr))
	if err != nil {
		t.Fatal(err)
	}
	// Wrong subject, wrong correlation, and a non-envelope message.
	h.svc.Publish(ctx, "hub.other.example", json.RawMessage(`{}`), service.WithCorrelationID(corr))
	h.svc.Publish(ctx, "hub.test.example", json.RawMessage(`{}`))
	bus.Publish(ctx, &events.Message{Subject: "hub.test.beat", Data: []byte(`{"node_id":"n1"}`)})
	last, _ := h.svc.Publish(ctx, "hub.test.done", json.RawMessage(`{}`), service.WithCorrelationID(corr))

	h.waitFor(t, 2)
	if err := stop(); err != nil {
		t.Errorf("follow returned %v, want nil on cancel", err)
	}
	got := h.events()
	if len(got) != 2 || got[0].ID != want || got[1].ID != last {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	if string(got[0].Payload) != `{"n":1}` {
		t.Errorf("payload = %s", got[0].Payload)
	}
}

func TestFollowEvents_EmitErrorStops(t *testing.T) {
	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	h := newFollowHarness(t, bus)

	boom := errors.New("stdout closed")
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- followEvents(context.Background(), subscribeNotifier{bus, ready}, ">", uuid.Nil, func(*model.Event) error { return boom })
	}()
	<-ready
	h.svc.Publish(context.Background(), "hub.a.b", json.RawMessage(`{}`))

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow kept running after emit error")
	}
}

func TestFollowEvents_InvalidPattern(t *testing.T) {
	bus := events.NewMemoryBus()
	t.Cleanup(func() { bus.Close() })
	if err := followEvents(context.Background(), bus, "hub.>.x", uuid.Nil, nil); err == nil {
		t.Fatal("want subscribe error for invalid pattern")
	}
}

func TestFollowEvents_NATS(t *testing.T) {
	ns, err := events.StartEmbeddedNATS("127.0.0.1", -1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ns.Shutdown)

	pub, err := events.NewNATSBus(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pub.Close() })
	sub, err := events.NewNATSBus(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Close() })

	h := newFollowHarness(t, pub)
	h.bus = sub
	stop := h.start(t, "hub.>", uuid.Nil)
	// The subscription is registered locally; make sure the server has it.
	if err := sub.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := h.svc.Publish(context.Background(), "hub.n1.task.created", json.RawMessage(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	got := h.waitFor(t, 1)
	stop()
	if got[0].ID != id || got[0].Origin.InstanceID != "inst-f" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestPrintFollowRow(t *testing.T) {
	var buf bytes.Buffer
	e := testEvent("hub.local.a", 0, model.Origin{Service: "api", NodeID: "n1"}, `{}`)
	if err := printFollowRow(&buf, e); err != nil {
		t.Fatal(err)
	}
	if bytes.ContainsRune(buf.Bytes(), '\t') {
		t.Errorf("row has tabs: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("hub.local.a")) {
		t.Errorf("row = %q", buf.String())
	}
}
