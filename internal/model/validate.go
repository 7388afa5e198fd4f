package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alfredjeanlab/eventhub/internal/subject"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns e if it holds any errors, or nil.
func (e *ValidationError) Err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// NewValidationError returns a single-field validation error.
func NewValidationError(field, format string, args ...any) *ValidationError {
	var ve ValidationError
	ve.Add(field, format, args...)
	return &ve
}

// ValidatePayload checks that a payload is a JSON object.
func ValidatePayload(payload json.RawMessage) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return NewValidationError("payload", "is required")
	}
	if !json.Valid(trimmed) {
		return NewValidationError("payload", "contains invalid JSON")
	}
	if trimmed[0] != '{' {
		return NewValidationError("payload", "must be a JSON object")
	}
	return nil
}

// ValidateEvent checks an Event for constraint violations before it is
// appended. It returns a *ValidationError if any rules fail.
func ValidateEvent(e *Event) error {
	var ve ValidationError

	if e.ID == uuid.Nil {
		ve.Add("id", "is required")
	}
	if err := subject.Validate(e.Subject); err != nil {
		ve.Add("subject", "%v", err)
	}
	if e.CorrelationID == uuid.Nil {
		ve.Add("correlation_id", "is required")
	}
	if err := ValidatePayload(e.Payload); err != nil {
		ve.Errors = append(ve.Errors, err.(*ValidationError).Errors...)
	}
	if e.Timestamp.IsZero() {
		ve.Add("timestamp", "is required")
	}
	if e.Origin.Service == "" {
		ve.Add("origin.service", "is required")
	}

	return ve.Err()
}

// ValidateFilter checks a query filter.
func ValidateFilter(f EventFilter) error {
	var ve ValidationError

	if f.Subject != "" {
		if err := subject.ValidatePattern(f.Subject); err != nil {
			ve.Add("subject", "%v", err)
		}
	}
	if f.Since != nil && f.Until != nil && f.Until.Before(*f.Since) {
		ve.Add("until", "must not be before since")
	}
	if f.Limit < 0 {
		ve.Add("limit", "must not be negative, got %d", f.Limit)
	}

	return ve.Err()
}

// ParseCorrelationID parses an optional correlation id. An empty string
// yields uuid.Nil.
func ParseCorrelationID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, NewValidationError("correlation_id", "invalid UUID %q", s)
	}
	return id, nil
}
