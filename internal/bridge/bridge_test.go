package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/events"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/service"
	"github.com/alfredjeanlab/eventhub/internal/store/sqlite"
)

type harness struct {
	svc      *service.Service
	internal *events.MemoryBus
	external *events.MemoryBus
	bridge   *Bridge
}

func newHarness(t *testing.T, rules ...Rule) *harness {
	t.Helper()
	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	internal := events.NewMemoryBus()
	external := events.NewMemoryBus()
	svc := service.New(st, internal, service.Options{Identity: service.Identity{Service: "eventhub", NodeID: "local"}})

	b, err := New(svc, external, rules, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	select {
	case <-b.Ready():
	case err := <-done:
		t.Fatalf("Run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not ready")
	}
	t.Cleanup(func() {
		cancel()
		<-done
		svc.Close()
		internal.Close()
		external.Close()
		st.Close()
	})
	return &harness{svc: svc, internal: internal, external: external, bridge: b}
}

func (h *harness) replay(t *testing.T, filter model.EventFilter) []*model.Event {
	t.Helper()
	evts, err := service.Collect(h.svc.Replay(context.Background(), filter))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return evts
}

func waitForEvents(t *testing.T, h *harness, filter model.EventFilter, n int) []*model.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evts := h.replay(t, filter)
		if len(evts) >= n {
			return evts
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d events, want %d", len(evts), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_Inbound(t *testing.T) {
	h := newHarness(t, Rule{Name: "orders-in", Direction: Inbound, Source: "ext.orders.*", Target: "hub.ext.orders.{1}"})

	corr := uuid.New()
	err := h.external.Publish(context.Background(), &events.Message{
		Subject: "ext.orders.created",
		Data:    []byte(`{"order":7}`),
		Header:  map[string]string{events.HeaderCorrelationID: corr.String()},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	evts := waitForEvents(t, h, model.EventFilter{Subject: "hub.ext.orders.created"}, 1)
	e := evts[0]
	if string(e.Payload) != `{"order":7}` {
		t.Errorf("payload = %s", e.Payload)
	}
	if e.CorrelationID != corr {
		t.Errorf("correlation = %v, want %v", e.CorrelationID, corr)
	}
	if e.Origin.Via != "bridge:orders-in" {
		t.Errorf("via = %q", e.Origin.Via)
	}
}

func TestBridge_Outbound(t *testing.T) {
	h := newHarness(t, Rule{Name: "projects-out", Direction: Outbound, Source: "hub.*.project.>", Target: "ext.{1}.project.{2}"})

	ch, cancel, err := h.external.Subscribe("ext.>")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	id, err := h.svc.Publish(context.Background(), "hub.local.project.created", json.RawMessage(`{"name":"demo"}`))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Subject != "ext.local.project.created" {
			t.Errorf("subject = %q", msg.Subject)
		}
		if string(msg.Data) != `{"name":"demo"}` {
			t.Errorf("data = %s", msg.Data)
		}
		if msg.Get(events.HeaderBridge) != "projects-out" || msg.Get(events.HeaderEventID) != id.String() {
			t.Errorf("headers = %v", msg.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
	}
}

// Overlapping inbound and outbound rules must not forward in a cycle.
func TestBridge_LoopPrevention(t *testing.T) {
	h := newHarness(t,
		Rule{Name: "in", Direction: Inbound, Source: "ext.>", Target: "hub.{1}"},
		Rule{Name: "out", Direction: Outbound, Source: "hub.>", Target: "ext.{1}"},
	)

	ext, cancel, err := h.external.Subscribe("ext.>")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	ctx := context.Background()
	// Internal event: forwarded once, never re-ingested.
	if _, err := h.svc.Publish(ctx, "hub.a", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// External message: ingested once, never forwarded back.
	if err := h.external.Publish(ctx, &events.Message{Subject: "ext.b", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForEvents(t, h, model.EventFilter{}, 2)
	time.Sleep(100 * time.Millisecond)

	evts := h.replay(t, model.EventFilter{})
	if len(evts) != 2 {
		var subs []string
		for _, e := range evts {
			subs = append(subs, e.Subject)
		}
		t.Fatalf("log holds %d events %v, want 2", len(evts), subs)
	}

	seen := map[string]int{}
	for {
		select {
		case msg := <-ext:
			seen[msg.Subject]++
			continue
		default:
		}
		break
	}
	if seen["ext.a"] != 1 || seen["ext.b"] != 1 || len(seen) != 2 {
		t.Errorf("external bus saw %v, want ext.a and ext.b once each", seen)
	}
}

func TestBridge_InboundWrapsNonObjectPayloads(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{`[1,2]`, `{"data":[1,2]}`},
		{`plain text`, `{"raw":"plain text"}`},
	} {
		if got := string(inboundPayload([]byte(tc.in))); got != tc.want {
			t.Errorf("inboundPayload(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestNew_RuleValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		rule Rule
	}{
		{"missing name", Rule{Direction: Inbound, Source: "a.>", Target: "b"}},
		{"bad direction", Rule{Name: "r", Direction: "sideways", Source: "a.>", Target: "b"}},
		{"bad source", Rule{Name: "r", Direction: Inbound, Source: "a.>.b", Target: "b"}},
		{"empty target", Rule{Name: "r", Direction: Inbound, Source: "a.>"}},
		{"capture out of range", Rule{Name: "r", Direction: Inbound, Source: "a.*", Target: "b.{2}"}},
		{"unknown placeholder", Rule{Name: "r", Direction: Inbound, Source: "a.*", Target: "b.{name}"}},
		{"wildcard target", Rule{Name: "r", Direction: Inbound, Source: "a.*", Target: "b.*"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(nil, nil, []Rule{tc.rule}, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	dup := []Rule{
		{Name: "r", Direction: Inbound, Source: "a.>", Target: "b.{1}"},
		{Name: "r", Direction: Outbound, Source: "b.>", Target: "a.{1}"},
	}
	if _, err := New(nil, nil, dup, nil); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestExpand(t *testing.T) {
	for _, tc := range []struct {
		source, target, subject string
		want                    string
		match                   bool
	}{
		{"ext.orders.*", "hub.ext.orders.{1}", "ext.orders.created", "hub.ext.orders.created", true},
		{"ext.*.>", "hub.{1}.{2}", "ext.eu.orders.created", "hub.eu.orders.created", true},
		{"ext.>", "mirror.{subject}", "ext.a.b", "mirror.ext.a.b", true},
		{"ext.*", "hub.{1}", "other.x", "", false},
	} {
		r, err := compileRule(Rule{Name: "r", Direction: Inbound, Source: tc.source, Target: tc.target})
		if err != nil {
			t.Fatalf("compileRule: %v", err)
		}
		got, ok, err := r.expand(tc.subject)
		if err != nil {
			t.Fatalf("expand(%q): %v", tc.subject, err)
		}
		if ok != tc.match || got != tc.want {
			t.Errorf("expand(%q) = %q, %v; want %q, %v", tc.subject, got, ok, tc.want, tc.match)
		}
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "rules.yaml")
	yamlData := `rules:
  - name: orders-in
    direction: inbound
    source: ext.orders.*
    target: hub.ext.orders.{1}
`
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(yamlPath)
	if err != nil {
		t.Fatalf("LoadRules(yaml): %v", err)
	}
	if len(rules) != 1 || rules[0].Name != "orders-in" || rules[0].Direction != Inbound {
		t.Errorf("yaml rules = %+v", rules)
	}

	jsoncPath := filepath.Join(dir, "rules.jsonc")
	jsoncData := `{
  // forward project events
  "rules": [
    {"name": "projects-out", "direction": "outbound", "source": "hub.*.project.>", "target": "ext.project.{2}"},
  ],
}`
	if err := os.WriteFile(jsoncPath, []byte(jsoncData), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, err = LoadRules(jsoncPath)
	if err != nil {
		t.Fatalf("LoadRules(jsonc): %v", err)
	}
	if len(rules) != 1 || rules[0].Target != "ext.project.{2}" || rules[0].Direction != Outbound {
		t.Errorf("jsonc rules = %+v", rules)
	}

	if _, err := LoadRules(filepath.Join(dir, "rules.toml")); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
