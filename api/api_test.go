package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/agents"
	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/engine"
	"github.com/papercomputeco/agentdbg/pkg/executor"
	"github.com/papercomputeco/agentdbg/pkg/logger"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recorder"
	"github.com/papercomputeco/agentdbg/pkg/session"
	"github.com/papercomputeco/agentdbg/pkg/storage/inmemory"
	"github.com/papercomputeco/agentdbg/pkg/worker"
)

// testEnv is a fully wired engine over the in-memory driver.
type testEnv struct {
	driver *inmemory.Driver
	pool   *worker.Pool
	engine *engine.Engine
}

func newTestEnv() *testEnv {
	driver := inmemory.NewDriver()
	pool, err := worker.NewPool(&worker.Config{Driver: driver, NumWorkers: 2})
	Expect(err).NotTo(HaveOccurred())

	reg := session.NewRegistry(&session.Config{})
	dbg := debugger.New(&debugger.Config{})
	exec, err := executor.New(&executor.Config{Registry: reg, Debugger: dbg})
	Expect(err).NotTo(HaveOccurred())
	agents.Register(exec)

	rec, err := recorder.New(&recorder.Config{Store: driver, Sink: pool})
	Expect(err).NotTo(HaveOccurred())

	eng, err := engine.New(&engine.Config{
		Sessions: reg,
		Executor: exec,
		Recorder: rec,
		Debugger: dbg,
		Journal:  pool,
		Audit:    driver,
	})
	Expect(err).NotTo(HaveOccurred())

	return &testEnv{driver: driver, pool: pool, engine: eng}
}

func (e *testEnv) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(e.engine.Close(ctx)).To(Succeed())
	e.pool.Close()
}

var _ = Describe("API Server", func() {
	var (
		env    *testEnv
		server *Server
	)

	do := func(method, path string, body []byte) (int, []byte) {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := server.app.Test(req, -1)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		out, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp.StatusCode, out
	}

	decode := func(b []byte, v any) {
		Expect(json.Unmarshal(b, v)).To(Succeed())
	}

	// execute starts an agent over REST and waits for it to finish.
	execute := func(body string) protocol.SessionInfo {
		status, out := do(http.MethodPost, "/v1/sessions", []byte(body))
		Expect(status).To(Equal(http.StatusCreated), string(out))

		var info protocol.SessionInfo
		decode(out, &info)
		Expect(info.ID).NotTo(BeEmpty())
		Expect(info.RecordingID).NotTo(BeEmpty())

		Eventually(func() bool {
			rec, err := env.engine.Recorder().Get(context.Background(), info.RecordingID)
			return err == nil && rec.Finished
		}).Should(BeTrue())
		return info
	}

	BeforeEach(func() {
		env = newTestEnv()

		var err error
		server, err = NewServer(Config{ListenAddr: ":0"}, env.engine, logger.Nop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.close()
	})

	Describe("NewServer", func() {
		It("requires an engine", func() {
			_, err := NewServer(Config{}, nil, logger.Nop())
			Expect(err).To(MatchError(ContainSubstring("engine is required")))
		})

		It("applies connection defaults", func() {
			Expect(server.config.MaxConnections).To(Equal(defaultMaxConnections))
			Expect(server.config.HeartbeatInterval).To(Equal(defaultHeartbeatInterval))
		})
	})

	Describe("GET /ping", func() {
		It("returns pong", func() {
			status, body := do(http.MethodGet, "/ping", nil)
			Expect(status).To(Equal(http.StatusOK))
			Expect(string(body)).To(Equal(`"pong"`))
		})
	})

	Describe("GET /status", func() {
		It("reports the engine counters", func() {
			execute(`{"agentId":"echo","input":"hi"}`)

			status, body := do(http.MethodGet, "/status", nil)
			Expect(status).To(Equal(http.StatusOK))

			var resp StatusResponse
			decode(body, &resp)
			Expect(resp.Status.Agents).To(Equal(2))
			Expect(resp.Status.Tools).To(Equal(3))
			Expect(resp.Status.Sessions).To(Equal(1))
			Expect(resp.Status.Recordings).To(Equal(1))
		})
	})

	Describe("sessions", func() {
		It("executes an agent and exposes its detail", func() {
			info := execute(`{"agentId":"echo","input":"hi"}`)

			Eventually(func() protocol.SessionState {
				_, body := do(http.MethodGet, "/v1/sessions/"+info.ID, nil)
				var detail session.Detail
				decode(body, &detail)
				return detail.State
			}).Should(Equal(protocol.StateCompleted))

			status, body := do(http.MethodGet, "/v1/sessions?state=completed", nil)
			Expect(status).To(Equal(http.StatusOK))
			var list struct {
				Count    int                    `json:"count"`
				Sessions []protocol.SessionInfo `json:"sessions"`
			}
			decode(body, &list)
			Expect(list.Count).To(Equal(1))
			Expect(list.Sessions[0].ID).To(Equal(info.ID))
		})

		DescribeTable("rejects bad execute requests",
			func(body string, code int) {
				status, _ := do(http.MethodPost, "/v1/sessions", []byte(body))
				Expect(status).To(Equal(code))
				Expect(env.engine.Sessions().Len()).To(Equal(0))
			},
			Entry("malformed JSON", `{"agentId":`, http.StatusBadRequest),
			Entry("missing agent", `{"input":1}`, http.StatusBadRequest),
			Entry("unknown field", `{"agentId":"echo","bogus":true}`, http.StatusBadRequest),
			Entry("unknown agent", `{"agentId":"ghost"}`, http.StatusNotFound),
		)

		It("returns 404 for unknown sessions", func() {
			status, _ := do(http.MethodGet, "/v1/sessions/missing", nil)
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = do(http.MethodGet, "/v1/sessions/missing/snapshots", nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("lists the snapshots of a session", func() {
			info := execute(`{"agentId":"tool_chain"}`)

			status, body := do(http.MethodGet, "/v1/sessions/"+info.ID+"/snapshots", nil)
			Expect(status).To(Equal(http.StatusOK))
			var resp struct {
				Count int `json:"count"`
			}
			decode(body, &resp)
			Expect(resp.Count).To(Equal(1))
		})

		It("summarizes the journal of a session", func() {
			info := execute(`{"agentId":"tool_chain","input":{"a":2,"b":3}}`)

			Eventually(func() int {
				status, body := do(http.MethodGet, "/v1/sessions/"+info.ID+"/summary", nil)
				if status != http.StatusOK {
					return -1
				}
				var sum struct {
					ToolCalls int `json:"toolCalls"`
				}
				decode(body, &sum)
				return sum.ToolCalls
			}).Should(Equal(2))
		})
	})

	Describe("recordings", func() {
		var info protocol.SessionInfo

		BeforeEach(func() {
			info = execute(`{"agentId":"tool_chain"}`)
		})

		It("lists, filters and fetches recordings", func() {
			status, body := do(http.MethodGet, "/v1/recordings?agent=tool_chain", nil)
			Expect(status).To(Equal(http.StatusOK))
			var list struct {
				Count      int                      `json:"count"`
				Recordings []protocol.RecordingInfo `json:"recordings"`
			}
			decode(body, &list)
			Expect(list.Count).To(Equal(1))
			Expect(list.Recordings[0].ID).To(Equal(info.RecordingID))
			Expect(list.Recordings[0].ToolCalls).To(Equal(2))

			_, body = do(http.MethodGet, "/v1/recordings?agent=echo", nil)
			decode(body, &list)
			Expect(list.Count).To(Equal(0))

			status, _ = do(http.MethodGet, "/v1/recordings?limit=-1", nil)
			Expect(status).To(Equal(http.StatusBadRequest))

			status, _ = do(http.MethodGet, "/v1/recordings/"+info.RecordingID, nil)
			Expect(status).To(Equal(http.StatusOK))
			status, _ = do(http.MethodGet, "/v1/recordings/missing", nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("returns events in sequence order and filters by kind", func() {
			status, body := do(http.MethodGet, "/v1/recordings/"+info.RecordingID+"/events", nil)
			Expect(status).To(Equal(http.StatusOK))
			var resp struct {
				Count  int `json:"count"`
				Events []struct {
					Seq  int64  `json:"seq"`
					Kind string `json:"kind"`
				} `json:"events"`
			}
			decode(body, &resp)
			Expect(resp.Count).To(BeNumerically(">", 2))
			for i := 1; i < len(resp.Events); i++ {
				Expect(resp.Events[i].Seq).To(BeNumerically(">", resp.Events[i-1].Seq))
			}

			_, body = do(http.MethodGet, "/v1/recordings/"+info.RecordingID+"/events?kind=tool_call", nil)
			decode(body, &resp)
			Expect(resp.Count).To(Equal(2))
		})

		DescribeTable("exports and re-imports a bundle",
			func(format, contentType string) {
				req := httptest.NewRequest(http.MethodGet, "/v1/recordings/"+info.RecordingID+"/export?format="+format, nil)
				resp, err := server.app.Test(req, -1)
				Expect(err).NotTo(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(ContainSubstring(contentType))
				Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring(info.RecordingID))

				data, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())

				status, body := do(http.MethodPost, "/v1/recordings/import", data)
				Expect(status).To(Equal(http.StatusCreated), string(body))
				var imported protocol.RecordingInfo
				decode(body, &imported)
				Expect(imported.ID).NotTo(Equal(info.RecordingID))
				Expect(imported.AgentID).To(Equal("tool_chain"))
			},
			Entry("json", "json", "application/json"),
			Entry("cbor+zstd", "cbor", "application/octet-stream"),
		)

		It("rejects unknown export formats and bad bundles", func() {
			status, _ := do(http.MethodGet, "/v1/recordings/"+info.RecordingID+"/export?format=xml", nil)
			Expect(status).To(Equal(http.StatusBadRequest))

			status, _ = do(http.MethodPost, "/v1/recordings/import", []byte("not a bundle"))
			Expect(status).To(Equal(http.StatusBadRequest))

			status, _ = do(http.MethodPost, "/v1/recordings/import", nil)
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("replays a recording into a new session", func() {
			status, body := do(http.MethodPost, "/v1/recordings/"+info.RecordingID+"/replay", nil)
			Expect(status).To(Equal(http.StatusCreated), string(body))

			var replay protocol.SessionInfo
			decode(body, &replay)
			Expect(replay.ID).NotTo(Equal(info.ID))

			s, ok := env.engine.Sessions().Get(replay.ID)
			Expect(ok).To(BeTrue())
			Expect(s.ReplayOf()).To(Equal(info.RecordingID))

			status, _ = do(http.MethodPost, "/v1/recordings/missing/replay", nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("manages annotations", func() {
			path := "/v1/recordings/" + info.RecordingID + "/annotations"

			status, body := do(http.MethodPost, path, []byte(`{"author":"ana","type":"note","text":"looks fine"}`))
			Expect(status).To(Equal(http.StatusCreated), string(body))
			var created struct {
				ID string `json:"id"`
			}
			decode(body, &created)

			status, _ = do(http.MethodPost, path, []byte(`{"author":"ana","type":"shout","text":"x"}`))
			Expect(status).To(Equal(http.StatusBadRequest))

			status, _ = do(http.MethodPost, "/v1/recordings/missing/annotations", []byte(`{"type":"note","text":"x"}`))
			Expect(status).To(Equal(http.StatusNotFound))

			_, body = do(http.MethodGet, path, nil)
			var list struct {
				Count int `json:"count"`
			}
			decode(body, &list)
			Expect(list.Count).To(Equal(1))

			status, _ = do(http.MethodDelete, "/v1/annotations/"+created.ID, nil)
			Expect(status).To(Equal(http.StatusNoContent))
			status, _ = do(http.MethodDelete, "/v1/annotations/"+created.ID, nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("deletes recordings", func() {
			status, _ := do(http.MethodDelete, "/v1/recordings/"+info.RecordingID, nil)
			Expect(status).To(Equal(http.StatusNoContent))

			status, _ = do(http.MethodGet, "/v1/recordings/"+info.RecordingID, nil)
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = do(http.MethodDelete, "/v1/recordings/"+info.RecordingID, nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})
	})

	Describe("registry and timeline", func() {
		It("lists agents and tools", func() {
			_, body := do(http.MethodGet, "/v1/agents", nil)
			var agentsResp struct {
				Count int `json:"count"`
			}
			decode(body, &agentsResp)
			Expect(agentsResp.Count).To(Equal(2))

			_, body = do(http.MethodGet, "/v1/tools", nil)
			var toolsResp struct {
				Count int `json:"count"`
			}
			decode(body, &toolsResp)
			Expect(toolsResp.Count).To(Equal(3))
		})

		It("aggregates tool statistics from the journal", func() {
			execute(`{"agentId":"tool_chain"}`)

			Eventually(func() []string {
				_, body := do(http.MethodGet, "/v1/tools/stats", nil)
				var resp struct {
					Tools []struct {
						ToolName string `json:"toolName"`
					} `json:"tools"`
				}
				decode(body, &resp)
				names := make([]string, 0, len(resp.Tools))
				for _, t := range resp.Tools {
					names = append(names, t.ToolName)
				}
				return names
			}).Should(ConsistOf("echo", "math"))
		})

		It("queries the timeline by session and kind", func() {
			info := execute(`{"agentId":"echo","input":1}`)

			status, body := do(http.MethodGet, "/v1/timeline?session="+info.ID+"&kind=state_change", nil)
			Expect(status).To(Equal(http.StatusOK))
			var resp struct {
				Count  int `json:"count"`
				Events []struct {
					SessionID string `json:"sessionId"`
					Kind      string `json:"kind"`
				} `json:"events"`
			}
			decode(body, &resp)
			Expect(resp.Count).To(BeNumerically(">=", 2))
			for _, ev := range resp.Events {
				Expect(ev.SessionID).To(Equal(info.ID))
				Expect(ev.Kind).To(Equal("state_change"))
			}

			status, _ = do(http.MethodGet, "/v1/timeline/stats", nil)
			Expect(status).To(Equal(http.StatusOK))
		})
	})

	Describe("debugger controls", func() {
		It("adds, lists and removes session watches", func() {
			s := env.engine.Sessions().Create("echo", nil, session.CreateOptions{})

			status, body := do(http.MethodPost, "/v1/watches",
				[]byte(`{"sessionId":"`+s.ID+`","path":"state.count","condition":"value > 2"}`))
			Expect(status).To(Equal(http.StatusCreated), string(body))
			var w debugger.Watch
			decode(body, &w)
			Expect(w.ID).NotTo(BeEmpty())
			Expect(s.Watches()).To(Equal([]string{"state.count"}))

			Expect(s.SetVariable("state.count", 3)).To(Succeed())
			status, body = do(http.MethodGet, "/v1/watches?session="+s.ID, nil)
			Expect(status).To(Equal(http.StatusOK))
			var list struct {
				Count   int               `json:"count"`
				Watches []*debugger.Watch `json:"watches"`
			}
			decode(body, &list)
			Expect(list.Count).To(Equal(1))

			status, _ = do(http.MethodDelete, "/v1/watches/"+w.ID, nil)
			Expect(status).To(Equal(http.StatusNoContent))
			Expect(s.Watches()).To(BeEmpty())
			status, _ = do(http.MethodDelete, "/v1/watches/"+w.ID, nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		DescribeTable("rejects bad watches",
			func(body string, code int) {
				status, _ := do(http.MethodPost, "/v1/watches", []byte(body))
				Expect(status).To(Equal(code))
				Expect(env.engine.Watches("")).To(BeEmpty())
			},
			Entry("missing path", `{"condition":"value > 1"}`, http.StatusBadRequest),
			Entry("condition that does not compile", `{"path":"x","condition":"value >"}`, http.StatusBadRequest),
			Entry("unknown session", `{"sessionId":"ghost","path":"x"}`, http.StatusNotFound),
		)

		It("toggles and sets global breakpoints", func() {
			bp, err := env.engine.Debugger().Breakpoints.Create(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "add", Enabled: true})
			Expect(err).NotTo(HaveOccurred())

			status, body := do(http.MethodPatch, "/v1/breakpoints/"+bp.ID, nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			var got protocol.Breakpoint
			decode(body, &got)
			Expect(got.Enabled).To(BeFalse())

			status, body = do(http.MethodPatch, "/v1/breakpoints/"+bp.ID, []byte(`{"enabled":true}`))
			Expect(status).To(Equal(http.StatusOK))
			decode(body, &got)
			Expect(got.Enabled).To(BeTrue())

			status, _ = do(http.MethodPatch, "/v1/breakpoints/missing", nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("disables session breakpoints and journals the change", func() {
			s := env.engine.Sessions().Create("echo", nil, session.CreateOptions{})
			bp, ok := env.engine.Sessions().AddBreakpoint(s.ID, &protocol.Breakpoint{Type: protocol.BreakpointPhase, Phase: "plan", Enabled: true})
			Expect(ok).To(BeTrue())

			status, body := do(http.MethodPatch, "/v1/breakpoints/"+bp.ID+"?session="+s.ID, []byte(`{"enabled":false}`))
			Expect(status).To(Equal(http.StatusOK), string(body))
			Expect(s.Breakpoints()[0].Enabled).To(BeFalse())

			status, body = do(http.MethodGet, "/v1/breakpoints?session="+s.ID, nil)
			Expect(status).To(Equal(http.StatusOK))
			var list struct {
				Breakpoints []protocol.Breakpoint `json:"breakpoints"`
			}
			decode(body, &list)
			Expect(list.Breakpoints).To(HaveLen(1))
			Expect(list.Breakpoints[0].Enabled).To(BeFalse())
		})

		It("compares two snapshots", func() {
			snaps := env.engine.Debugger().Snapshots
			a := snaps.Take("s1", "before", map[string]any{"n": 1, "gone": true}, nil, nil)
			b := snaps.Take("s1", "after", map[string]any{"n": 2, "new": "x"}, nil, nil)

			status, body := do(http.MethodGet, "/v1/snapshots/compare?from="+a.ID+"&to="+b.ID, nil)
			Expect(status).To(Equal(http.StatusOK), string(body))
			var diff debugger.SnapshotDiff
			decode(body, &diff)
			Expect(diff.Added).To(Equal([]string{"new"}))
			Expect(diff.Removed).To(Equal([]string{"gone"}))
			Expect(diff.Changed).To(HaveLen(1))

			status, _ = do(http.MethodGet, "/v1/snapshots/compare?from="+a.ID, nil)
			Expect(status).To(Equal(http.StatusBadRequest))
			status, _ = do(http.MethodGet, "/v1/snapshots/compare?from="+a.ID+"&to=missing", nil)
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("renders the stack and reads frame variables", func() {
			s := env.engine.Sessions().Create("echo", nil, session.CreateOptions{})
			s.PushFrame(protocol.StackFrame{Name: "main", Variables: map[string]any{"x": 1.0}})
			s.PushFrame(protocol.StackFrame{Name: "plan", Location: &protocol.SourceLocation{File: "agent.go", Line: 7}, Variables: map[string]any{"x": 2.0}})

			status, body := do(http.MethodGet, "/v1/sessions/"+s.ID+"/stack", nil)
			Expect(status).To(Equal(http.StatusOK))
			var trace engine.StackTrace
			decode(body, &trace)
			Expect(trace.Frames).To(HaveLen(2))
			Expect(trace.Trace).To(Equal("#0 plan (agent.go:7)\n#1 main\n"))

			status, body = do(http.MethodGet, "/v1/sessions/"+s.ID+"/stack/1/x", nil)
			Expect(status).To(Equal(http.StatusOK))
			var val protocol.VariableValue
			decode(body, &val)
			Expect(val.Found).To(BeTrue())
			Expect(val.Value).To(Equal(1.0))

			status, _ = do(http.MethodGet, "/v1/sessions/"+s.ID+"/stack/5/x", nil)
			Expect(status).To(Equal(http.StatusNotFound))
			status, _ = do(http.MethodGet, "/v1/sessions/"+s.ID+"/stack/top/x", nil)
			Expect(status).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("audit journal", func() {
		It("answers 503 without an audit store", func() {
			reg := session.NewRegistry(&session.Config{})
			exec, err := executor.New(&executor.Config{Registry: reg})
			Expect(err).NotTo(HaveOccurred())
			rec, err := recorder.New(&recorder.Config{Store: inmemory.NewDriver()})
			Expect(err).NotTo(HaveOccurred())
			eng, err := engine.New(&engine.Config{Sessions: reg, Executor: exec, Recorder: rec})
			Expect(err).NotTo(HaveOccurred())
			defer func() { Expect(eng.Close(context.Background())).To(Succeed()) }()

			server, err = NewServer(Config{}, eng, logger.Nop())
			Expect(err).NotTo(HaveOccurred())

			status, _ := do(http.MethodGet, "/v1/tools/stats", nil)
			Expect(status).To(Equal(http.StatusServiceUnavailable))
			status, _ = do(http.MethodGet, "/v1/sessions/any/summary", nil)
			Expect(status).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("POST /admin/shutdown", func() {
		It("is disabled without a shutdown hook", func() {
			status, _ := do(http.MethodPost, "/admin/shutdown", nil)
			Expect(status).To(Equal(http.StatusNotImplemented))
		})

		It("invokes the shutdown hook", func() {
			var called atomic.Bool
			var err error
			server, err = NewServer(Config{OnShutdown: func() { called.Store(true) }}, env.engine, logger.Nop())
			Expect(err).NotTo(HaveOccurred())

			status, _ := do(http.MethodPost, "/admin/shutdown", nil)
			Expect(status).To(Equal(http.StatusAccepted))
			Eventually(called.Load).Should(BeTrue())
		})
	})
})
