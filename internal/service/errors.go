package service

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/model"
)

// ValidationError is returned for malformed input rejected before any side
// effect: bad subject, pattern, payload, UUID or time expression.
type ValidationError = model.ValidationError

// StoreError means the event was not recorded.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return "event not recorded: " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// TransportError means the event was durably recorded but live delivery
// failed. Retrying the publish creates a second event; callers that only
// need delivery should not retry.
type TransportError struct {
	EventID uuid.UUID
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("event %s recorded but not delivered: %v", e.EventID, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// HandlerError wraps a failure (returned error or panic) of a subscription
// handler. It is logged and never propagated.
type HandlerError struct {
	Pattern string
	EventID uuid.UUID
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed on event %s: %v", e.Pattern, e.EventID, e.Err)
}
func (e *HandlerError) Unwrap() error { return e.Err }
