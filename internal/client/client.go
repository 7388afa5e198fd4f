// Package client provides a transport-agnostic interface to the event hub
// and HTTP/JSON and gRPC implementations of it.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/presence"
)

// EventClient is the interface the CLI commands use to talk to a hub. It is
// implemented by HTTPClient (default) and GRPCClient.
type EventClient interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	Query(ctx context.Context, req *QueryRequest) ([]*model.Event, error)

	// Stream calls fn for each event, stored events from req.Since first,
	// until ctx is done, the server ends the stream, or fn returns an error.
	Stream(ctx context.Context, req *QueryRequest, fn func(*model.Event) error) error

	Presence(ctx context.Context, staleThreshold time.Duration) ([]presence.Entry, error)
	Health(ctx context.Context) (string, error)
	Close() error
}

// PublishRequest holds parameters for publishing an event.
type PublishRequest struct {
	Subject       string          `json:"subject"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}

// PublishResponse is the response from Publish.
type PublishResponse struct {
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id"`
}

// QueryRequest holds filter parameters for Query and Stream. Since and
// Until accept anything the server's time parser does; the CLI sends
// RFC 3339 timestamps.
type QueryRequest struct {
	Subject       string `json:"subject,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Since         string `json:"since,omitempty"`
	Until         string `json:"until,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

func (r *QueryRequest) values() url.Values {
	q := url.Values{}
	if r == nil {
		return q
	}
	if r.Subject != "" {
		q.Set("subject", r.Subject)
	}
	if r.CorrelationID != "" {
		q.Set("correlation_id", r.CorrelationID)
	}
	if r.Since != "" {
		q.Set("since", r.Since)
	}
	if r.Until != "" {
		q.Set("until", r.Until)
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q
}
