package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/eventhub/internal/correlation"
	"github.com/alfredjeanlab/eventhub/internal/model"
	"github.com/alfredjeanlab/eventhub/internal/presence"
)

// HTTPClient implements EventClient using the hub's HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	var resp PublishResponse
	if err := c.doJSON(ctx, http.MethodPost, "/events", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Query(ctx context.Context, req *QueryRequest) ([]*model.Event, error) {
	path := "/events"
	if q := req.values(); len(q) > 0 {
		path += "?" + q.Encode()
	}
	var evts []*model.Event
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &evts); err != nil {
		return nil, err
	}
	return evts, nil
}

// Stream reads the server-sent event stream at /events/sse.
func (c *HTTPClient) Stream(ctx context.Context, req *QueryRequest, fn func(*model.Event) error) error {
	q := req.values()
	q.Del("until")
	q.Del("limit")
	path := "/events/sse"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, body)
	}

	err = readSSE(resp.Body, func(data []byte) error {
		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		return fn(&e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE calls fn with the data of each event block in r. Comment lines
// (keepalives) are skipped.
func readSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if err := fn(data); err != nil {
					return err
				}
				data = nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func (c *HTTPClient) Presence(ctx context.Context, staleThreshold time.Duration) ([]presence.Entry, error) {
	path := "/presence"
	if staleThreshold > 0 {
		path += "?stale_threshold_secs=" + strconv.Itoa(int(staleThreshold.Seconds()))
	}
	var resp struct {
		Nodes []presence.Entry `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string

	// Fields lists per-field validation failures (400 responses).
	Fields []model.FieldError

	// EventID is set when the event was recorded but not delivered (503).
	EventID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Recorded reports whether the server stored the event despite the error.
func (e *APIError) Recorded() bool { return e.EventID != "" }

func decodeAPIError(status int, body []byte) error {
	var errResp struct {
		Error   string             `json:"error"`
		Fields  []model.FieldError `json:"fields"`
		EventID string             `json:"event_id"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error, Fields: errResp.Fields, EventID: errResp.EventID}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	correlation.Inject(ctx, req.Header)
	return req, nil
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
