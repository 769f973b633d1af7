package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

var (
	errClientClosed = errors.New("client closed")
	errSlowConsumer = errors.New("client send buffer full")
)

// client is one WebSocket operator. It implements engine.Sink: messages are
// queued without blocking and written by a single writer goroutine.
type client struct {
	ws        *websocket.Conn
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// dropped is set when the client fell behind rather than went away.
	dropped atomic.Bool
}

func newClient(ws *websocket.Conn) *client {
	return &client{
		ws:   ws,
		out:  make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) Send(msg protocol.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		// A client that cannot keep up is dropped rather than stalling the
		// execution that produced the message.
		c.dropped.Store(true)
		c.close()
		return errSlowConsumer
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (s *Server) addClient(c *client) bool {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients) >= s.config.MaxConnections {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

// handleWebSocket upgrades the request and serves the debugging protocol until
// the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.clientCount() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return
	}

	c := newClient(ws)
	if !s.addClient(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(writeWait))
		c.close()
		return
	}

	conn := s.engine.Connect(c)
	logger := s.logger.With(zap.String("conn_id", conn.ID))
	logger.Info("client connected", zap.String("remote", r.RemoteAddr))

	go s.writePump(c, logger)
	s.readPump(r.Context(), c, conn, logger)

	s.release(c, conn)
	c.close()
	s.removeClient(c)
	logger.Info("client disconnected", zap.Bool("dropped", c.dropped.Load()))
}

// release ends the engine side of a client. A client that went away stops
// the executions it started. A client dropped for falling behind only
// detaches, so a slow network does not kill a running agent; its sessions
// can still be controlled from any other connection.
func (s *Server) release(c *client, conn *engine.Conn) {
	if c.dropped.Load() {
		conn.Detach()
		return
	}
	conn.Close()
}

func (s *Server) readPump(ctx context.Context, c *client, conn *engine.Conn, logger *zap.Logger) {
	// The request context ends when the handler returns; inbound work must
	// not be tied to it.
	ctx = context.WithoutCancel(ctx)

	deadline := 2 * s.config.HeartbeatInterval
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			_ = c.Send(protocol.NewError("binary frames are not supported", "", ""))
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(deadline))
		conn.Handle(ctx, data)
	}
}

func (s *Server) writePump(c *client, logger *zap.Logger) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
