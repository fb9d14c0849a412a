// Package remote is the thin HTTP client for the remote sync authority. It
// speaks the uniform response envelope and classifies failures into the two
// kinds the sync engine distinguishes: retryable transport trouble and
// non-retryable rejections.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mesh-intelligence/rolodex/pkg/types"
)

const defaultTimeout = 30 * time.Second

// Client talks to one remote authority base URL.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *log.Logger
}

// NewClient creates a client for the given base URL. A nil logger falls back
// to stderr.
func NewClient(baseURL string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// Error is the error object of the uniform response envelope, surfaced to
// callers verbatim.
type Error struct {
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// responseEnvelope is the uniform wire shape of every response.
type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ListPage is one page of a cursor walk over an entity collection.
type ListPage struct {
	Items      []*types.Record `json:"items"`
	NextCursor string          `json:"nextCursor"`
}

// pushAck carries the server-assigned version of an accepted record.
type pushAck struct {
	Version int64 `json:"version"`
}

// Ping reports whether the remote authority is reachable. Any 2xx from the
// health endpoint counts; everything else, including transport errors, is
// simply "not connected".
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// List fetches records of one entity changed since the given cursor. An empty
// cursor means "from the beginning".
func (c *Client) List(ctx context.Context, entity, since string) (*ListPage, error) {
	path := "/" + entity
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var page ListPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Create pushes a record the remote has never seen. Returns the
// server-acknowledged version. Pushing the same id+version again is a
// harmless no-op server-side.
func (c *Client) Create(ctx context.Context, entity string, rec *types.Record) (int64, error) {
	var ack pushAck
	if err := c.do(ctx, http.MethodPost, "/"+entity, rec, &ack); err != nil {
		return 0, err
	}
	if ack.Version == 0 {
		ack.Version = rec.Version
	}
	return ack.Version, nil
}

// Update pushes a changed record the remote already knows.
func (c *Client) Update(ctx context.Context, entity string, rec *types.Record) (int64, error) {
	var ack pushAck
	if err := c.do(ctx, http.MethodPut, "/"+entity+"/"+rec.ID, rec, &ack); err != nil {
		return 0, err
	}
	if ack.Version == 0 {
		ack.Version = rec.Version
	}
	return ack.Version, nil
}

// Delete propagates a soft delete to the remote authority.
func (c *Client) Delete(ctx context.Context, entity, id string) error {
	return c.do(ctx, http.MethodDelete, "/"+entity+"/"+id, nil, nil)
}

// do performs one request/response cycle against the envelope protocol.
// Transport failures and 5xx responses come back wrapped in
// ErrNetworkUnavailable (retryable); 4xx responses come back wrapped in
// ErrRemoteRejected with the server's error verbatim (never retried).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", types.ErrNetworkUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s returned %d", types.ErrNetworkUnavailable, method, path, resp.StatusCode)
	}

	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: malformed response from %s %s", types.ErrRemoteRejected, method, path)
	}

	if resp.StatusCode >= 400 || !env.Success {
		if env.Error != nil {
			return fmt.Errorf("%w: %w", types.ErrRemoteRejected, env.Error)
		}
		return fmt.Errorf("%w: %s %s returned %d", types.ErrRemoteRejected, method, path, resp.StatusCode)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: malformed data from %s %s", types.ErrRemoteRejected, method, path)
		}
	}
	return nil
}
