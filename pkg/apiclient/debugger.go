package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/papercomputeco/agentdbg/api"
	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// AddWatch follows a variable path. An empty sessionID watches every session.
func (c *Client) AddWatch(ctx context.Context, req api.WatchRequest) (*debugger.Watch, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out debugger.Watch
	if err := c.do(ctx, http.MethodPost, "/v1/watches", nil, bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watches lists the watches that apply to a session, or all of them.
func (c *Client) Watches(ctx context.Context, sessionID string) ([]*debugger.Watch, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	var out struct {
		Watches []*debugger.Watch `json:"watches"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/watches", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Watches, nil
}

// RemoveWatch deletes a watch.
func (c *Client) RemoveWatch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/watches/"+url.PathEscape(id), nil, nil, "", nil)
}

// SetBreakpointEnabled enables or disables a breakpoint of a session, or a
// global one when sessionID is empty. A nil enabled toggles it.
func (c *Client) SetBreakpointEnabled(ctx context.Context, sessionID, id string, enabled *bool) (*protocol.Breakpoint, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session", sessionID)
	}
	body, err := json.Marshal(api.BreakpointPatch{Enabled: enabled})
	if err != nil {
		return nil, err
	}
	var out protocol.Breakpoint
	if err := c.do(ctx, http.MethodPatch, "/v1/breakpoints/"+url.PathEscape(id), q, bytes.NewReader(body), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompareSnapshots diffs the snapshot from against the newer snapshot to.
func (c *Client) CompareSnapshots(ctx context.Context, from, to string) (*debugger.SnapshotDiff, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	var out debugger.SnapshotDiff
	if err := c.do(ctx, http.MethodGet, "/v1/snapshots/compare", q, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stack returns the current call stack of a session.
func (c *Client) Stack(ctx context.Context, sessionID string) (*engine.StackTrace, error) {
	var out engine.StackTrace
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID)+"/stack", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FrameVariable reads one variable of a stack frame. depth 0 is the innermost frame.
func (c *Client) FrameVariable(ctx context.Context, sessionID string, depth int, name string) (*protocol.VariableValue, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/stack/" + strconv.Itoa(depth) + "/" + url.PathEscape(name)
	var out protocol.VariableValue
	if err := c.do(ctx, http.MethodGet, path, nil, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
