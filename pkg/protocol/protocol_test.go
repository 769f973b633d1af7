package protocol_test

import (
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var _ = Describe("Decode", func() {
	It("decodes an execute request with breakpoints and mocks", func() {
		raw := `{
			"type": "execute",
			"agentId": "echo",
			"input": {"text": "hi"},
			"breakpoints": [{"type": "tool", "toolName": "search"}],
			"mockResponses": {"search": {"hits": 3}},
			"timeoutMs": 1000
		}`

		msg, err := protocol.Decode([]byte(raw))
		Expect(err).NotTo(HaveOccurred())

		req, ok := msg.(*protocol.ExecuteRequest)
		Expect(ok).To(BeTrue())
		Expect(req.AgentID).To(Equal("echo"))
		Expect(req.TimeoutMs).To(Equal(int64(1000)))
		Expect(req.Breakpoints).To(HaveLen(1))
		Expect(req.Breakpoints[0].Breakpoint().Enabled).To(BeTrue())

		mocks, err := req.Mocks()
		Expect(err).NotTo(HaveOccurred())
		Expect(mocks).To(HaveKeyWithValue("search", map[string]any{"hits": float64(3)}))
	})

	It("decodes session targeted control messages", func() {
		for _, t := range []string{"step", "continue", "pause", "stop"} {
			msg, err := protocol.Decode([]byte(`{"type":"` + t + `","sessionId":"s1"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg.InboundType())).To(Equal(t))

			target, ok := msg.(protocol.SessionTarget)
			Expect(ok).To(BeTrue())
			Expect(target.TargetSession()).To(Equal("s1"))
		}
	})

	It("allows add_breakpoint without a session", func() {
		msg, err := protocol.Decode([]byte(`{"type":"add_breakpoint","breakpoint":{"type":"phase","phase":"plan","enabled":false}}`))
		Expect(err).NotTo(HaveOccurred())

		req := msg.(*protocol.AddBreakpointRequest)
		Expect(req.SessionID).To(BeEmpty())
		Expect(req.Breakpoint.Breakpoint().Enabled).To(BeFalse())
	})

	DescribeTable("rejects invalid messages with a ValidationError",
		func(raw string, field string) {
			msg, err := protocol.Decode([]byte(raw))
			Expect(msg).To(BeNil())

			var verr *protocol.ValidationError
			Expect(errors.As(err, &verr)).To(BeTrue())
			Expect(verr.Field).To(Equal(field))
		},
		Entry("malformed JSON", `{"type":`, ""),
		Entry("missing type", `{"sessionId":"s1"}`, "type"),
		Entry("unknown type", `{"type":"explode"}`, "type"),
		Entry("unknown field", `{"type":"step","sessionId":"s1","extra":1}`, ""),
		Entry("execute without agent", `{"type":"execute","input":1}`, "agentId"),
		Entry("negative timeout", `{"type":"execute","agentId":"a","timeoutMs":-1}`, "timeoutMs"),
		Entry("step without session", `{"type":"step"}`, "sessionId"),
		Entry("inspect without path", `{"type":"inspect","sessionId":"s1"}`, "variablePath"),
		Entry("mock without tool", `{"type":"mock_response","sessionId":"s1","response":1}`, "toolName"),
		Entry("mock without response", `{"type":"mock_response","sessionId":"s1","toolName":"t"}`, "response"),
		Entry("line breakpoint without line", `{"type":"add_breakpoint","breakpoint":{"type":"line","location":"a.go"}}`, "breakpoint.line"),
		Entry("tool breakpoint without tool", `{"type":"add_breakpoint","breakpoint":{"type":"tool"}}`, "breakpoint.toolName"),
		Entry("bad breakpoint type", `{"type":"add_breakpoint","breakpoint":{"type":"watch"}}`, "breakpoint.type"),
		Entry("bad execute breakpoint", `{"type":"execute","agentId":"a","breakpoints":[{"type":"conditional"}]}`, "breakpoints[0].condition"),
		Entry("remove without id", `{"type":"remove_breakpoint"}`, "breakpointId"),
		Entry("negative limit", `{"type":"get_recordings","limit":-2}`, "limit"),
		Entry("replay without recording", `{"type":"replay_recording"}`, "recordingId"),
	)
})

var _ = Describe("Encode", func() {
	It("fills in the type discriminator", func() {
		data, err := protocol.Encode(&protocol.InspectRequest{SessionID: "s1", VariablePath: "user.name"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"type":"inspect"`))

		msg, err := protocol.Decode(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.(*protocol.InspectRequest).VariablePath).To(Equal("user.name"))
	})
})

var _ = Describe("Outbound messages", func() {
	It("serializes execution_complete with duration in milliseconds", func() {
		msg := protocol.NewExecutionComplete("s1", true, map[string]any{"ok": true}, "", 1500*time.Millisecond)
		data, err := json.Marshal(msg)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"type":"execution_complete"`))
		Expect(string(data)).To(ContainSubstring(`"duration":1500`))
	})

	It("always emits an array for breakpoint_hit stacks", func() {
		bp := &protocol.Breakpoint{ID: "bp1", Type: protocol.BreakpointTool, ToolName: "search", Enabled: true}
		data, err := json.Marshal(protocol.NewBreakpointHit("s1", bp, nil, nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"stack":[]`))
	})

	It("round trips through DecodeOutbound", func() {
		ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		data, err := json.Marshal(protocol.NewStateChanged("s1", protocol.StatePaused, protocol.StateRunning, ts))
		Expect(err).NotTo(HaveOccurred())

		msg, err := protocol.DecodeOutbound(data)
		Expect(err).NotTo(HaveOccurred())

		sc := msg.(*protocol.StateChanged)
		Expect(sc.State).To(Equal(protocol.StatePaused))
		Expect(sc.PreviousState).To(Equal(protocol.StateRunning))
		Expect(sc.Timestamp.Equal(ts)).To(BeTrue())
	})

	It("rejects unknown outbound types", func() {
		_, err := protocol.DecodeOutbound([]byte(`{"type":"nope"}`))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("SessionState", func() {
	It("marks completed and error as terminal", func() {
		for _, s := range protocol.AllStates() {
			Expect(s.Valid()).To(BeTrue())
			Expect(s.IsTerminal()).To(Equal(s == protocol.StateCompleted || s == protocol.StateError))
		}
		Expect(protocol.SessionState("bogus").Valid()).To(BeFalse())
	})
})

var _ = Describe("Breakpoint", func() {
	It("clones hit timestamps independently", func() {
		now := time.Now()
		bp := &protocol.Breakpoint{ID: "a", LastHitAt: &now}
		c := bp.Clone()
		*c.LastHitAt = now.Add(time.Hour)
		Expect(bp.LastHitAt.Equal(now)).To(BeTrue())
	})
})
