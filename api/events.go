package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/sse"
)

// stream is a read-only operator fed over Server-Sent Events. Like the
// WebSocket client it queues without blocking and drops itself when full.
type stream struct {
	sessionID string
	out       chan sse.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newStream(sessionID string) *stream {
	return &stream{
		sessionID: sessionID,
		out:       make(chan sse.Event, clientBuffer),
		done:      make(chan struct{}),
	}
}

func (st *stream) Send(msg protocol.Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if st.sessionID != "" && gjson.GetBytes(b, "sessionId").String() != st.sessionID {
		return nil
	}

	ev := sse.Event{Type: string(msg.OutboundType()), Data: string(b)}
	select {
	case <-st.done:
		return errClientClosed
	default:
	}
	select {
	case st.out <- ev:
		return nil
	case <-st.done:
		return errClientClosed
	default:
		st.close()
		return errSlowConsumer
	}
}

func (st *stream) close() {
	st.closeOnce.Do(func() { close(st.done) })
}

// handleEvents streams every engine broadcast as an SSE event named after the
// message type. ?session=<id> narrows the stream to one session. Streams are
// read-only: requests go over the WebSocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	select {
	case <-s.closing:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	st := newStream(r.URL.Query().Get("session"))
	conn := s.engine.Connect(st)
	defer conn.Close()
	defer st.close()

	logger := s.logger.With(zap.String("conn_id", conn.ID))
	logger.Info("event stream opened",
		zap.String("remote", r.RemoteAddr),
		zap.String("session_id", st.sessionID),
	)
	defer logger.Info("event stream closed")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := sse.Comment(w, "connected"); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-st.done:
			logger.Debug("event stream dropped", zap.Error(errSlowConsumer))
			return
		case ev := <-st.out:
			seq++
			ev.ID = strconv.FormatInt(seq, 10)
			if err := sse.Write(w, ev); err != nil {
				logger.Debug("event stream write error", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := sse.Comment(w, "ping"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
