package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/sse"
)

// StreamEvent is one engine broadcast read from the event stream.
type StreamEvent struct {
	ID        string
	Type      protocol.MessageType
	SessionID string
	Data      json.RawMessage
}

// Watch reads the server's event stream and calls fn for each broadcast
// until ctx ends, the server closes the stream or fn returns an error. A
// non-empty sessionID narrows the stream to one session. When raw is non-nil
// the stream is copied to it verbatim.
func (c *Client) Watch(ctx context.Context, sessionID string, raw io.Writer, fn func(StreamEvent) error) error {
	target := c.target + "/v1/events"
	if sessionID != "" {
		target += "?" + url.Values{"session": {sessionID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open, so the request timeout of c.http does not apply.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to connect to agentdbg at %s: %w", c.target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	r := sse.NewTeeReader(resp.Body, raw)
	for {
		ev, err := r.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if ev == nil {
			return nil
		}

		data := []byte(ev.Data)
		if err := fn(StreamEvent{
			ID:        ev.ID,
			Type:      protocol.MessageType(ev.Type),
			SessionID: gjson.GetBytes(data, "sessionId").String(),
			Data:      json.RawMessage(data),
		}); err != nil {
			return err
		}
	}
}
