// Package correlation carries the active correlation id of one logical
// execution unit (an HTTP request, a gRPC call, a subscription callback, a
// background task).
//
// The id lives in a Scope stored in the unit's context.Context. A Scope is
// created when the unit begins and is never shared with another unit, so
// concurrent units cannot observe or overwrite each other's value. Nothing
// propagates across a process boundary implicitly: transports carry the id
// explicitly through the X-Correlation-ID header (HTTP), the
// x-correlation-id metadata key (gRPC) or a bus message header.
package correlation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// Header is the HTTP (and bus message) header carrying the id.
	Header = "X-Correlation-ID"

	// MetadataKey is the gRPC metadata key carrying the id.
	MetadataKey = "x-correlation-id"
)

// Scope holds the correlation id bound to one execution unit.
type Scope struct {
	mu sync.RWMutex
	id uuid.UUID
}

// Get returns the bound id, if any.
func (s *Scope) Get() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id, s.id != uuid.Nil
}

// Set binds id to the scope.
func (s *Scope) Set(id uuid.UUID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// Clear unbinds the scope.
func (s *Scope) Clear() {
	s.Set(uuid.Nil)
}

type scopeKey struct{}

// NewScope begins a new execution unit derived from ctx. The returned scope
// starts unbound, shadowing any scope of the parent unit.
func NewScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// WithID begins a new execution unit bound to id.
func WithID(ctx context.Context, id uuid.UUID) context.Context {
	ctx, s := NewScope(ctx)
	s.Set(id)
	return ctx
}

// ScopeFrom returns the scope of the unit running under ctx.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// Get returns the id bound to the current unit.
func Get(ctx context.Context) (uuid.UUID, bool) {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return s.Get()
}

// Set binds id to the current unit. It reports false when ctx has no scope;
// use WithID to start one.
func Set(ctx context.Context, id uuid.UUID) bool {
	s, ok := ScopeFrom(ctx)
	if !ok {
		return false
	}
	s.Set(id)
	return true
}

// Clear unbinds the current unit's id.
func Clear(ctx context.Context) {
	if s, ok := ScopeFrom(ctx); ok {
		s.Clear()
	}
}

// GetOrNew returns the bound id, or a fresh one when none is bound.
func GetOrNew(ctx context.Context) uuid.UUID {
	if id, ok := Get(ctx); ok {
		return id
	}
	return uuid.New()
}

// Parse returns the id in s if it is a syntactically valid, non-nil UUID.
func Parse(s string) (uuid.UUID, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// Attr returns a log attribute for the current unit's id.
func Attr(ctx context.Context) slog.Attr {
	if id, ok := Get(ctx); ok {
		return slog.String("correlation_id", id.String())
	}
	return slog.String("correlation_id", "")
}

// Inject copies the current unit's id into an outbound HTTP header set.
func Inject(ctx context.Context, h http.Header) {
	if id, ok := Get(ctx); ok {
		h.Set(Header, id.String())
	}
}
