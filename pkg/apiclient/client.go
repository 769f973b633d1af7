// Package apiclient calls the REST API of a running agentdbg server. The CLI
// commands that inspect or control a server go through it.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/papercomputeco/agentdbg/api"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
)

const defaultTimeout = 30 * time.Second

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("request failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is safe for concurrent use.
type Client struct {
	target string
	http   *http.Client
}

// New returns a client for the server at target, e.g. http://localhost:8765.
func New(target string) (*Client, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid API target URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid API target URL %q: scheme must be http or https", target)
	}
	return &Client{
		target: strings.TrimRight(target, "/"),
		http:   &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Target is the base URL of the server.
func (c *Client) Target() string {
	return c.target
}

// Ping reports whether the server answers /ping.
func (c *Client) Ping(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/ping", nil, nil, "", nil)
	return err == nil
}

// Status returns the server version and engine counters.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the server to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/admin/shutdown", nil, nil, "", nil)
}

// Sessions lists the sessions held by the server, optionally filtered by
// state.
func (c *Client) Sessions(ctx context.Context, state protocol.SessionState) ([]protocol.SessionInfo, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", string(state))
	}

	var out struct {
		Sessions []protocol.SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RecordingFilter narrows Recordings.
type RecordingFilter struct {
	AgentID string
	Tag     string
	Limit   int
}

// Recordings lists recordings, newest first.
func (c *Client) Recordings(ctx context.Context, f RecordingFilter) ([]protocol.RecordingInfo, error) {
	q := url.Values{}
	if f.AgentID != "" {
		q.Set("agent", f.AgentID)
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var out struct {
		Recordings []protocol.RecordingInfo `json:"recordings"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/recordings", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Recordings, nil
}

// Recording fetches one recording.
func (c *Client) Recording(ctx context.Context, id string) (*recording.Recording, error) {
	var out recording.Recording
	if err := c.do(ctx, http.MethodGet, "/v1/recordings/"+url.PathEscape(id), nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events returns the events of a recording in sequence order.
func (c *Client) Events(ctx context.Context, id string) ([]recording.Event, error) {
	var out struct {
		Events []recording.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/recordings/"+url.PathEscape(id)+"/events", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Export downloads a recording bundle in the given format.
func (c *Client) Export(ctx context.Context, id string, format recording.Format) ([]byte, error) {
	q := url.Values{}
	if format != "" {
		q.Set("format", string(format))
	}

	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/v1/recordings/"+url.PathEscape(id)+"/export", q, nil, "", &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Import uploads a bundle produced by Export.
func (c *Client) Import(ctx context.Context, bundle []byte) (*protocol.RecordingInfo, error) {
	var out protocol.RecordingInfo
	err := c.do(ctx, http.MethodPost, "/v1/recordings/import", nil, bytes.NewReader(bundle), "application/octet-stream", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRecording removes a recording and its events.
func (c *Client) DeleteRecording(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/recordings/"+url.PathEscape(id), nil, nil, "", nil)
}

// Replay starts a new session replaying a recording.
func (c *Client) Replay(ctx context.Context, id string) (*protocol.SessionInfo, error) {
	var out protocol.SessionInfo
	err := c.do(ctx, http.MethodPost, "/v1/recordings/"+url.PathEscape(id)+"/replay", nil, strings.NewReader("{}"), "application/json", &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes a successful response into out. A
// *bytes.Buffer out receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	target := c.target + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to agentdbg at %s: %w", c.target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	switch o := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := o.Write(data)
		return err
	default:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
}
