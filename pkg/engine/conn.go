package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// Sink delivers outbound messages to one operator. Send may be called from
// several goroutines at once.
type Sink interface {
	Send(msg protocol.Outbound) error
}

// Conn is one operator connection. Replies to its requests go to its sink
// only; session events are broadcast to every connection.
type Conn struct {
	ID string

	engine *Engine
	sink   Sink

	mu     sync.Mutex
	closed bool
	owned  map[string]struct{}
}

// Handle decodes and dispatches one inbound frame. Frames that fail
// validation are answered with an error message and dropped.
func (c *Conn) Handle(ctx context.Context, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.engine.logger.Debug("rejected inbound message",
			zap.String("conn_id", c.ID),
			zap.Error(err),
		)
		c.send(protocol.NewError(err.Error(), "", ""))
		return
	}
	c.Dispatch(ctx, msg)
}

// Dispatch routes an already validated message.
func (c *Conn) Dispatch(ctx context.Context, msg protocol.Inbound) {
	c.engine.dispatch(ctx, c, msg)
}

func (c *Conn) send(msg protocol.Outbound) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if err := c.sink.Send(msg); err != nil {
		c.engine.logger.Debug("could not deliver message",
			zap.String("conn_id", c.ID),
			zap.String("type", string(msg.OutboundType())),
			zap.Error(err),
		)
	}
}

func (c *Conn) fail(sessionID string, err error) {
	var verr *protocol.ValidationError
	if !errors.As(err, &verr) {
		c.engine.logger.Debug("request failed",
			zap.String("conn_id", c.ID),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	c.send(protocol.NewError(err.Error(), sessionID, ""))
}

func (c *Conn) own(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[sessionID] = struct{}{}
}

// Owned returns the ids of the sessions this connection started.
func (c *Conn) Owned() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.owned))
	for id := range c.owned {
		out = append(out, id)
	}
	return out
}

// Close detaches the connection and stops every execution it started that is
// still in flight. Other connections are unaffected.
func (c *Conn) Close() {
	owned, ok := c.end()
	if !ok {
		return
	}

	stopped := 0
	for _, id := range owned {
		if c.engine.executor.Stop(id) {
			stopped++
		}
	}
	c.engine.logger.Debug("operator disconnected",
		zap.String("conn_id", c.ID),
		zap.Int("stopped_executions", stopped),
	)
}

// Detach removes the connection but leaves the executions it started
// running. They stay reachable from every other connection.
func (c *Conn) Detach() {
	owned, ok := c.end()
	if !ok {
		return
	}
	c.engine.logger.Debug("operator detached",
		zap.String("conn_id", c.ID),
		zap.Int("released_sessions", len(owned)),
	)
}

func (c *Conn) end() ([]string, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.closed = true
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = map[string]struct{}{}
	c.mu.Unlock()

	c.engine.disconnect(c)
	return owned, true
}
