package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recorder"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/utils"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Version string         `json:"version"`
	Status  *engine.Status `json:"status"`
}

func fail(c *fiber.Ctx, status int, format string, args ...any) error {
	return c.Status(status).JSON(ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *protocol.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, recorder.ErrInvalidAnnotation),
		errors.Is(err, recording.ErrChecksumMismatch):
		return fiber.StatusBadRequest
	case errors.Is(err, recorder.ErrRecordingNotFound),
		errors.Is(err, recorder.ErrAnnotationNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, executor.ErrAgentNotFound),
		errors.Is(err, engine.ErrWatchNotFound),
		errors.Is(err, engine.ErrBreakpointNotFound),
		errors.Is(err, engine.ErrSnapshotNotFound),
		errors.Is(err, engine.ErrFrameNotFound),
		storage.IsNotFound(err):
		return fiber.StatusNotFound
	}
	return fiber.StatusInternalServerError
}

func (s *Server) failWith(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return fail(c, status, "%s", err.Error())
}

// decodeRequest turns a REST body into a protocol message of the given type,
// so REST requests go through the same validation as WebSocket frames.
func decodeRequest(body []byte, t protocol.MessageType, fields map[string]string) (protocol.Inbound, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, &protocol.ValidationError{Reason: "malformed JSON"}
	}

	frame, err := sjson.SetBytes(body, "type", string(t))
	if err != nil {
		return nil, &protocol.ValidationError{Reason: err.Error()}
	}
	for path, value := range fields {
		frame, err = sjson.SetBytes(frame, path, value)
		if err != nil {
			return nil, &protocol.ValidationError{Reason: err.Error()}
		}
	}
	return protocol.Decode(frame)
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleStatus reports engine counters.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	st, err := s.engine.Status(c.UserContext())
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(StatusResponse{Version: utils.Version, Status: st})
}

func (s *Server) handleShutdown(c *fiber.Ctx) error {
	if s.config.OnShutdown == nil {
		return fail(c, fiber.StatusNotImplemented, "shutdown is not enabled")
	}
	s.logger.Info("shutdown requested", zap.String("remote", c.IP()))
	go s.config.OnShutdown()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"shutdown": true})
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions := s.engine.Sessions().List()
	if state := c.Query("state"); state != "" {
		sessions = lo.Filter(sessions, func(info protocol.SessionInfo, _ int) bool {
			return string(info.State) == state
		})
	}
	return c.JSON(fiber.Map{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleExecute starts a session. The body is an execute message without its
// type field.
func (s *Server) handleExecute(c *fiber.Ctx) error {
	msg, err := decodeRequest(c.Body(), protocol.TypeExecute, nil)
	if err != nil {
		return s.failWith(c, err)
	}

	sess, err := s.engine.Execute(c.UserContext(), msg.(*protocol.ExecuteRequest))
	if err != nil {
		return s.failWith(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess.Info())
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	id := c.Params("id")
	sess, ok := s.engine.Sessions().Get(id)
	if !ok {
		return fail(c, fiber.StatusNotFound, "%v: %s", session.ErrSessionNotFound, id)
	}
	return c.JSON(sess.Detail())
}

// handleSessionSummary aggregates the journal of a session.
func (s *Server) handleSessionSummary(c *fiber.Ctx) error {
	audit := s.engine.Audit()
	if audit == nil {
		return fail(c, fiber.StatusServiceUnavailable, "audit journal is not configured")
	}

	sum, err := audit.SessionSummary(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(sum)
}

func (s *Server) handleSessionSnapshots(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := s.engine.Sessions().Get(id); !ok {
		return fail(c, fiber.StatusNotFound, "%v: %s", session.ErrSessionNotFound, id)
	}

	snaps := s.engine.Debugger().Snapshots.ForSession(id)
	if snaps == nil {
		snaps = []*debugger.Snapshot{}
	}
	return c.JSON(fiber.Map{
		"count":     len(snaps),
		"snapshots": snaps,
	})
}

func (s *Server) handleListRecordings(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return fail(c, fiber.StatusBadRequest, "limit must not be negative")
	}

	recs, err := s.engine.Recorder().List(c.UserContext(), storage.RecordingQuery{
		AgentID: c.Query("agent"),
		Tag:     c.Query("tag"),
		Limit:   limit,
	})
	if err != nil {
		return s.failWith(c, err)
	}

	infos := lo.Map(recs, func(r *recording.Recording, _ int) protocol.RecordingInfo {
		return r.Info()
	})
	return c.JSON(fiber.Map{
		"count":      len(infos),
		"recordings": infos,
	})
}

func (s *Server) handleGetRecording(c *fiber.Ctx) error {
	rec, err := s.engine.Recorder().Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) handleDeleteRecording(c *fiber.Ctx) error {
	if err := s.engine.Recorder().Delete(c.UserContext(), c.Params("id")); err != nil {
		return s.failWith(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleRecordingEvents(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := s.engine.Recorder().Get(ctx, id); err != nil {
		return s.failWith(c, err)
	}

	events, err := s.engine.Recorder().Events(ctx, id)
	if err != nil {
		return s.failWith(c, err)
	}
	if kind := c.Query("kind"); kind != "" {
		events = lo.Filter(events, func(ev recording.Event, _ int) bool {
			return string(ev.Kind) == kind
		})
	}
	return c.JSON(fiber.Map{
		"count":  len(events),
		"events": events,
	})
}

// handleExportRecording returns a bundle in the requested format, JSON by
// default.
func (s *Server) handleExportRecording(c *fiber.Ctx) error {
	format, err := recording.ParseFormat(c.Query("format"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "%s", err.Error())
	}

	id := c.Params("id")
	data, err := s.engine.Recorder().Export(c.UserContext(), id, format)
	if err != nil {
		return s.failWith(c, err)
	}

	ext := "json"
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if format == recording.FormatCBORZstd {
		ext = "bin"
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="recording-%s.%s"`, id, ext))
	return c.Send(data)
}

func (s *Server) handleImportRecording(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return fail(c, fiber.StatusBadRequest, "bundle body is required")
	}

	bundle, err := recording.Decode(body)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "%s", err.Error())
	}
	if bundle.Recording == nil {
		return fail(c, fiber.StatusBadRequest, "bundle has no recording")
	}
	rec, err := s.engine.Recorder().ImportBundle(c.UserContext(), bundle)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rec.Info())
}

// handleReplayRecording replays a recording in a new session. The optional
// body carries extra breakpoints: {"breakpoints": [...]}.
func (s *Server) handleReplayRecording(c *fiber.Ctx) error {
	id := c.Params("id")
	msg, err := decodeRequest(c.Body(), protocol.TypeReplayRecording, map[string]string{
		"recordingId": id,
	})
	if err != nil {
		return s.failWith(c, err)
	}

	req := msg.(*protocol.ReplayRecordingRequest)
	sess, err := s.engine.Replay(c.UserContext(), req.RecordingID, req.Breakpoints)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sess.Info())
}

func (s *Server) handleListAnnotations(c *fiber.Ctx) error {
	ctx := c.UserContext()
	id := c.Params("id")
	if _, err := s.engine.Recorder().Get(ctx, id); err != nil {
		return s.failWith(c, err)
	}

	annotations, err := s.engine.Recorder().Annotations(ctx, id)
	if err != nil {
		return s.failWith(c, err)
	}
	if annotations == nil {
		annotations = []recording.Annotation{}
	}
	return c.JSON(fiber.Map{
		"count":       len(annotations),
		"annotations": annotations,
	})
}

func (s *Server) handleAnnotate(c *fiber.Ctx) error {
	var req recorder.AnnotateRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid annotation body: %v", err)
	}

	a, err := s.engine.Recorder().Annotate(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(a)
}

func (s *Server) handleDeleteAnnotation(c *fiber.Ctx) error {
	if err := s.engine.Recorder().DeleteAnnotation(c.UserContext(), c.Params("id")); err != nil {
		return s.failWith(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListAgents(c *fiber.Ctx) error {
	agents := s.engine.Executor().ListAgents()
	return c.JSON(fiber.Map{
		"count":  len(agents),
		"agents": agents,
	})
}

func (s *Server) handleListTools(c *fiber.Ctx) error {
	tools := s.engine.Executor().ListTools()
	return c.JSON(fiber.Map{
		"count": len(tools),
		"tools": tools,
	})
}

func (s *Server) handleToolStats(c *fiber.Ctx) error {
	audit := s.engine.Audit()
	if audit == nil {
		return fail(c, fiber.StatusServiceUnavailable, "audit journal is not configured")
	}

	stats, err := audit.ToolStats(c.UserContext())
	if err != nil {
		return s.failWith(c, err)
	}
	if stats == nil {
		stats = []storage.ToolStat{}
	}
	return c.JSON(fiber.Map{
		"count": len(stats),
		"tools": stats,
	})
}

// handleTimeline queries the debugger timeline by session and kind.
func (s *Server) handleTimeline(c *fiber.Ctx) error {
	q := debugger.TimelineQuery{
		SessionID: c.Query("session"),
		Limit:     c.QueryInt("limit", 0),
	}
	if kinds := c.Query("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			q.Kinds = append(q.Kinds, debugger.EventKind(strings.TrimSpace(k)))
		}
	}

	events := s.engine.Debugger().Timeline.Query(q)
	if events == nil {
		events = []debugger.TimelineEvent{}
	}
	return c.JSON(fiber.Map{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleTimelineStats(c *fiber.Ctx) error {
	return c.JSON(s.engine.Debugger().Timeline.Stats())
}

// WatchRequest is the body of POST /v1/watches.
type WatchRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Condition string `json:"condition"`
}

// BreakpointPatch is the body of PATCH /v1/breakpoints/:id. A missing
// enabled flag toggles the breakpoint.
type BreakpointPatch struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListWatches(c *fiber.Ctx) error {
	watches := s.engine.Watches(c.Query("session"))
	if watches == nil {
		watches = []*debugger.Watch{}
	}
	return c.JSON(fiber.Map{
		"count":   len(watches),
		"watches": watches,
	})
}

func (s *Server) handleAddWatch(c *fiber.Ctx) error {
	var req WatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid watch body: %v", err)
	}

	w, err := s.engine.AddWatch(req.SessionID, req.Path, req.Condition)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(w)
}

func (s *Server) handleRemoveWatch(c *fiber.Ctx) error {
	if err := s.engine.RemoveWatch(c.Params("id")); err != nil {
		return s.failWith(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListBreakpoints(c *fiber.Ctx) error {
	bps, err := s.engine.Breakpoints(c.Query("session"))
	if err != nil {
		return s.failWith(c, err)
	}
	if bps == nil {
		bps = []*protocol.Breakpoint{}
	}
	return c.JSON(fiber.Map{
		"count":       len(bps),
		"breakpoints": bps,
	})
}

func (s *Server) handlePatchBreakpoint(c *fiber.Ctx) error {
	var patch BreakpointPatch
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&patch); err != nil {
			return fail(c, fiber.StatusBadRequest, "invalid breakpoint body: %v", err)
		}
	}

	bp, err := s.engine.SetBreakpointEnabled(c.Query("session"), c.Params("id"), patch.Enabled)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(bp)
}

func (s *Server) handleCompareSnapshots(c *fiber.Ctx) error {
	from, to := c.Query("from"), c.Query("to")
	if from == "" || to == "" {
		return fail(c, fiber.StatusBadRequest, "from and to snapshot ids are required")
	}

	diff, err := s.engine.CompareSnapshots(from, to)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(diff)
}

func (s *Server) handleSessionStack(c *fiber.Ctx) error {
	trace, err := s.engine.Stack(c.Params("id"))
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(trace)
}

func (s *Server) handleFrameVariable(c *fiber.Ctx) error {
	depth, err := c.ParamsInt("depth")
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid frame depth: %v", err)
	}

	name := c.Params("name")
	v, found, err := s.engine.FrameVariable(c.Params("id"), depth, name)
	if err != nil {
		return s.failWith(c, err)
	}
	return c.JSON(protocol.NewVariableValue(c.Params("id"), name, v, found))
}
