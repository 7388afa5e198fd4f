package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func TestScope_GetSetClear(t *testing.T) {
	ctx, _ := NewScope(context.Background())
	if _, ok := Get(ctx); ok {
		t.Fatal("new scope should start unbound")
	}

	id := uuid.New()
	if !Set(ctx, id) {
		t.Fatal("Set should succeed inside a scope")
	}
	if got, ok := Get(ctx); !ok || got != id {
		t.Fatalf("Get = %v, %v; want %v", got, ok, id)
	}

	Clear(ctx)
	if _, ok := Get(ctx); ok {
		t.Fatal("expected unbound after Clear")
	}
}

func TestSet_WithoutScope(t *testing.T) {
	if Set(context.Background(), uuid.New()) {
		t.Fatal("Set without a scope should report false")
	}
	if _, ok := Get(context.Background()); ok {
		t.Fatal("Get without a scope should report unbound")
	}
}

func TestNewScope_ShadowsParent(t *testing.T) {
	parent := WithID(context.Background(), uuid.New())
	child, _ := NewScope(parent)
	if _, ok := Get(child); ok {
		t.Fatal("child scope must not inherit the parent's binding")
	}
	Set(child, uuid.New())
	parentID, _ := Get(parent)
	childID, _ := Get(child)
	if parentID == childID {
		t.Fatal("child Set must not overwrite parent")
	}
}

func TestGetOrNew(t *testing.T) {
	id := uuid.New()
	if got := GetOrNew(WithID(context.Background(), id)); got != id {
		t.Errorf("GetOrNew = %v, want bound %v", got, id)
	}
	if got := GetOrNew(context.Background()); got == uuid.Nil {
		t.Error("GetOrNew should mint a fresh id when unbound")
	}
}

// Concurrent units each bind their own id and must only ever observe it.
func TestScope_ConcurrentIsolation(t *testing.T) {
	const units = 64
	var wg sync.WaitGroup
	errs := make(chan string, units)
	start := make(chan struct{})

	for i := 0; i < units; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, scope := NewScope(context.Background())
			mine := uuid.New()
			<-start
			for j := 0; j < 200; j++ {
				scope.Set(mine)
				if j%7 == 0 {
					time.Sleep(time.Microsecond)
				}
				if got, _ := Get(ctx); got != mine {
					errs <- got.String()
					return
				}
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("unit observed foreign id %s", e)
	}
}

func TestParse(t *testing.T) {
	id := uuid.New()
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{id.String(), true},
		{"  " + id.String() + " ", true},
		{"", false},
		{"not-a-uuid", false},
		{uuid.Nil.String(), false},
	} {
		if _, ok := Parse(tc.in); ok != tc.want {
			t.Errorf("Parse(%q) ok = %v, want %v", tc.in, ok, tc.want)
		}
	}
}

func TestInject(t *testing.T) {
	id := uuid.New()
	h := http.Header{}
	Inject(WithID(context.Background(), id), h)
	if got := h.Get(Header); got != id.String() {
		t.Errorf("header = %q, want %q", got, id)
	}

	empty := http.Header{}
	Inject(context.Background(), empty)
	if empty.Get(Header) != "" {
		t.Error("expected no header when unbound")
	}
}

// --- Middleware tests ---

func serveWithMiddleware(t *testing.T, header string, handler http.HandlerFunc) (*httptest.ResponseRecorder, uuid.UUID) {
	t.Helper()
	var seen uuid.UUID
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Get(r.Context())
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	if header != "" {
		req.Header.Set(Header, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_MissingHeader(t *testing.T) {
	rec, seen := serveWithMiddleware(t, "", nil)
	got, err := uuid.Parse(rec.Header().Get(Header))
	if err != nil {
		t.Fatalf("response header is not a UUID: %q", rec.Header().Get(Header))
	}
	if got != seen {
		t.Errorf("echoed %v, handler saw %v", got, seen)
	}
}

func TestMiddleware_ValidHeaderEchoed(t *testing.T) {
	id := uuid.New()
	rec, seen := serveWithMiddleware(t, id.String(), nil)
	if got := rec.Header().Get(Header); got != id.String() {
		t.Errorf("echoed %q, want %q", got, id)
	}
	if seen != id {
		t.Errorf("handler saw %v, want %v", seen, id)
	}
}

func TestMiddleware_MalformedHeaderReplaced(t *testing.T) {
	rec, _ := serveWithMiddleware(t, "not-a-uuid", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("request must not be rejected, got %d", rec.Code)
	}
	echoed := rec.Header().Get(Header)
	if echoed == "not-a-uuid" {
		t.Fatal("malformed id must never be echoed")
	}
	if _, err := uuid.Parse(echoed); err != nil {
		t.Errorf("echoed value %q is not a UUID", echoed)
	}
}

func TestMiddleware_HandlerFailureStillEchoes(t *testing.T) {
	id := uuid.New()
	rec, _ := serveWithMiddleware(t, id.String(), func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := rec.Header().Get(Header); got != id.String() {
		t.Errorf("echoed %q, want %q", got, id)
	}
}

func TestMiddleware_HandlerWithoutWrite(t *testing.T) {
	rec, _ := serveWithMiddleware(t, "", func(http.ResponseWriter, *http.Request) {})
	if rec.Header().Get(Header) == "" {
		t.Error("expected id echoed even when the handler writes nothing")
	}
}

func TestMiddleware_UnbindsAfterHandler(t *testing.T) {
	var captured context.Context
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if _, ok := Get(captured); ok {
		t.Error("expected scope to be unbound after the request")
	}
}

func TestMiddleware_PreservesFlusher(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("wrapped writer must implement http.Flusher")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

// --- gRPC interceptor tests ---

func TestUnaryServerInterceptor_BindsIncomingID(t *testing.T) {
	id := uuid.New()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, id.String()))
	var seen uuid.UUID
	_, err := UnaryServerInterceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/eventhub.v1.EventService/Publish"},
		func(ctx context.Context, _ any) (any, error) {
			seen, _ = Get(ctx)
			return nil, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != id {
		t.Errorf("handler saw %v, want %v", seen, id)
	}
}

func TestUnaryServerInterceptor_MintsWhenMalformed(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKey, "garbage"))
	var seen uuid.UUID
	_, _ = UnaryServerInterceptor(ctx, nil, &grpc.UnaryServerInfo{},
		func(ctx context.Context, _ any) (any, error) {
			seen, _ = Get(ctx)
			return nil, nil
		})
	if seen == uuid.Nil {
		t.Error("expected a fresh id to be bound")
	}
}

func TestUnaryClientInterceptor_CarriesID(t *testing.T) {
	id := uuid.New()
	ctx := WithID(context.Background(), id)
	err := UnaryClientInterceptor(ctx, "/m", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			md, _ := metadata.FromOutgoingContext(ctx)
			if vals := md.Get(MetadataKey); len(vals) != 1 || vals[0] != id.String() {
				t.Errorf("outgoing metadata = %v", vals)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
