// Package storagetest holds the behaviour every storage.Driver must share,
// expressed as ginkgo specs that each driver's suite runs against itself.
package storagetest

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testRecording(id, agent string, offset time.Duration, tags ...string) *recording.Recording {
	return &recording.Recording{
		ID:        id,
		SessionID: "sess-" + id,
		AgentID:   agent,
		StartedAt: base.Add(offset),
		Input:     "input-" + id,
		Tags:      tags,
	}
}

// DescribeDriver registers the shared driver specs. newDriver is called
// before each spec and the returned driver is closed after it.
func DescribeDriver(newDriver func() storage.Driver) {
	var (
		ctx    context.Context
		driver storage.Driver
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = nil
		driver = newDriver()
	})

	AfterEach(func() {
		if driver != nil {
			driver.Close()
		}
	})

	Describe("recordings", func() {
		It("stores and retrieves a recording", func() {
			rec := testRecording("r1", "echo", 0, "nightly")
			Expect(driver.CreateRecording(ctx, rec)).To(Succeed())

			got, err := driver.GetRecording(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.AgentID).To(Equal("echo"))
			Expect(got.Input).To(Equal("input-r1"))
			Expect(got.Tags).To(Equal([]string{"nightly"}))
			Expect(got.StartedAt).To(BeTemporally("==", rec.StartedAt))
			Expect(got.Finished).To(BeFalse())
		})

		It("returns NotFoundError for unknown ids", func() {
			_, err := driver.GetRecording(ctx, "missing")
			Expect(storage.IsNotFound(err)).To(BeTrue())

			err = driver.UpdateRecording(ctx, testRecording("missing", "echo", 0))
			Expect(storage.IsNotFound(err)).To(BeTrue())

			Expect(storage.IsNotFound(driver.DeleteRecording(ctx, "missing"))).To(BeTrue())
		})

		It("updates final metadata", func() {
			rec := testRecording("r1", "echo", 0)
			Expect(driver.CreateRecording(ctx, rec)).To(Succeed())

			rec.Finished = true
			rec.Success = true
			rec.DurationMs = 1500
			rec.ToolCalls = 3
			rec.Result = "done"
			Expect(driver.UpdateRecording(ctx, rec)).To(Succeed())

			got, err := driver.GetRecording(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Finished).To(BeTrue())
			Expect(got.Success).To(BeTrue())
			Expect(got.DurationMs).To(Equal(int64(1500)))
			Expect(got.ToolCalls).To(Equal(3))
			Expect(got.Result).To(Equal("done"))
		})

		It("filters by agent and tag substring, newest first", func() {
			Expect(driver.CreateRecording(ctx, testRecording("a", "echo", 0, "smoke", "smoke-test"))).To(Succeed())
			Expect(driver.CreateRecording(ctx, testRecording("b", "chain", time.Second, "nightly"))).To(Succeed())
			Expect(driver.CreateRecording(ctx, testRecording("c", "echo", 2*time.Second))).To(Succeed())

			all, err := driver.ListRecordings(ctx, storage.RecordingQuery{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(all)).To(Equal([]string{"c", "b", "a"}))

			oldest, err := driver.ListRecordings(ctx, storage.RecordingQuery{Oldest: true, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(oldest)).To(Equal([]string{"a", "b"}))

			byAgent, err := driver.ListRecordings(ctx, storage.RecordingQuery{AgentID: "echo"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(byAgent)).To(Equal([]string{"c", "a"}))

			// two matching tags on one recording still yield it once
			byTag, err := driver.ListRecordings(ctx, storage.RecordingQuery{Tag: "smoke"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(byTag)).To(Equal([]string{"a"}))

			caseSensitive, err := driver.ListRecordings(ctx, storage.RecordingQuery{Tag: "Night"})
			Expect(err).NotTo(HaveOccurred())
			Expect(caseSensitive).To(BeEmpty())

			n, err := driver.CountRecordings(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))
		})

		It("keeps events in sequence order and counts them by kind", func() {
			Expect(driver.CreateRecording(ctx, testRecording("r1", "echo", 0))).To(Succeed())
			for _, ev := range []recording.Event{
				{ID: "e3", RecordingID: "r1", Seq: 3, Timestamp: base, Kind: recording.EventToolResponse, Payload: "third"},
				{ID: "e1", RecordingID: "r1", Seq: 1, Timestamp: base, Kind: recording.EventToolCall, Payload: "first"},
				{ID: "e2", RecordingID: "r1", Seq: 2, Timestamp: base.Add(time.Millisecond), Kind: recording.EventToolCall},
			} {
				Expect(driver.AppendEvent(ctx, &ev)).To(Succeed())
			}

			events, err := driver.Events(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
			Expect([]int64{events[0].Seq, events[1].Seq, events[2].Seq}).To(Equal([]int64{1, 2, 3}))
			Expect(events[0].Payload).To(Equal("first"))
			Expect(events[1].Timestamp).To(BeTemporally("==", base.Add(time.Millisecond)))

			n, err := driver.CountEvents(ctx, "r1", recording.EventToolCall)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("deletes a recording with its events and annotations", func() {
			Expect(driver.CreateRecording(ctx, testRecording("r1", "echo", 0))).To(Succeed())
			Expect(driver.AppendEvent(ctx, &recording.Event{ID: "e1", RecordingID: "r1", Seq: 1, Timestamp: base, Kind: recording.EventLog})).To(Succeed())
			Expect(driver.AddAnnotation(ctx, &recording.Annotation{ID: "n1", RecordingID: "r1", Author: "ops", Type: recording.AnnotationNote, Text: "x", CreatedAt: base})).To(Succeed())

			Expect(driver.DeleteRecording(ctx, "r1")).To(Succeed())

			_, err := driver.Events(ctx, "r1")
			Expect(storage.IsNotFound(err)).To(BeTrue())
			notes, err := driver.Annotations(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(BeEmpty())
		})
	})

	Describe("import", func() {
		It("writes a recording with its events and annotations at once", func() {
			im, ok := driver.(storage.RecordingImporter)
			Expect(ok).To(BeTrue())

			err := im.ImportRecording(ctx, testRecording("r1", "echo", 0), []recording.Event{
				{ID: "e1", RecordingID: "r1", Seq: 1, Timestamp: base, Kind: recording.EventToolCall, Payload: map[string]any{"toolName": "search"}},
				{ID: "e2", RecordingID: "r1", Seq: 2, Timestamp: base, Kind: recording.EventToolResponse, Payload: "ok"},
			}, []recording.Annotation{
				{ID: "n1", RecordingID: "r1", EventID: "e2", Author: "ops", Type: recording.AnnotationNote, Text: "x", CreatedAt: base},
			})
			Expect(err).NotTo(HaveOccurred())

			events, err := driver.Events(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Payload).To(Equal(map[string]any{"toolName": "search"}))

			notes, err := driver.Annotations(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].EventID).To(Equal("e2"))
		})

		It("stores none of the rows when the recording cannot be written", func() {
			im, ok := driver.(storage.RecordingImporter)
			Expect(ok).To(BeTrue())
			Expect(driver.CreateRecording(ctx, testRecording("r1", "echo", 0))).To(Succeed())

			err := im.ImportRecording(ctx, testRecording("r1", "other", 0), []recording.Event{
				{ID: "e1", RecordingID: "r1", Seq: 1, Timestamp: base, Kind: recording.EventLog, Payload: "dup"},
			}, []recording.Annotation{
				{ID: "n1", RecordingID: "r1", Author: "ops", Type: recording.AnnotationNote, Text: "x", CreatedAt: base},
			})
			Expect(err).To(HaveOccurred())

			events, err := driver.Events(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(BeEmpty())
			notes, err := driver.Annotations(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(BeEmpty())

			got, err := driver.GetRecording(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.AgentID).To(Equal("echo"))
		})
	})

	Describe("annotations", func() {
		It("stores, lists and deletes annotations independently", func() {
			Expect(driver.CreateRecording(ctx, testRecording("r1", "echo", 0))).To(Succeed())
			Expect(driver.AddAnnotation(ctx, &recording.Annotation{
				ID: "n1", RecordingID: "r1", Author: "ops", Type: recording.AnnotationWarning, Text: "slow tool", CreatedAt: base,
			})).To(Succeed())
			Expect(driver.AddAnnotation(ctx, &recording.Annotation{
				ID: "n2", RecordingID: "r1", EventID: "e1", Author: "dev", Type: recording.AnnotationNote, Text: "here", CreatedAt: base.Add(time.Second),
			})).To(Succeed())

			notes, err := driver.Annotations(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(2))
			Expect(notes[0].Type).To(Equal(recording.AnnotationWarning))
			Expect(notes[1].EventID).To(Equal("e1"))

			Expect(driver.DeleteAnnotation(ctx, "n1")).To(Succeed())
			Expect(storage.IsNotFound(driver.DeleteAnnotation(ctx, "n1"))).To(BeTrue())

			notes, err = driver.Annotations(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(notes).To(HaveLen(1))
			Expect(notes[0].ID).To(Equal("n2"))
		})
	})

	Describe("audit journal", func() {
		BeforeEach(func() {
			Expect(driver.UpsertSession(ctx, &storage.SessionRow{
				ID: "s1", AgentID: "echo", State: protocol.StateRunning, CreatedAt: base, Input: "hi",
			})).To(Succeed())
		})

		It("summarizes a session", func() {
			ended := base.Add(time.Second)
			Expect(driver.UpsertSession(ctx, &storage.SessionRow{
				ID: "s1", AgentID: "echo", State: protocol.StateCompleted, CreatedAt: base, EndedAt: &ended, DurationMs: 1000, Result: "hi",
			})).To(Succeed())

			Expect(driver.AppendStep(ctx, &storage.StepRow{ID: "st1", SessionID: "s1", Kind: "state_change", Timestamp: base})).To(Succeed())
			Expect(driver.AppendStep(ctx, &storage.StepRow{ID: "st2", SessionID: "s1", Kind: "tool_call", Timestamp: base})).To(Succeed())

			hitAt := base.Add(500 * time.Millisecond)
			Expect(driver.UpsertBreakpoint(ctx, "s1", &protocol.Breakpoint{
				ID: "bp1", Type: protocol.BreakpointTool, ToolName: "search", Enabled: true, CreatedAt: base,
			})).To(Succeed())
			Expect(driver.UpsertBreakpoint(ctx, "s1", &protocol.Breakpoint{
				ID: "bp1", Type: protocol.BreakpointTool, ToolName: "search", Enabled: true, CreatedAt: base, HitCount: 2, LastHitAt: &hitAt,
			})).To(Succeed())

			for _, call := range []protocol.ToolCall{
				{ID: "c1", SessionID: "s1", ToolName: "search", Timestamp: base},
				{ID: "c2", SessionID: "s1", ToolName: "search", Timestamp: base},
			} {
				Expect(driver.InsertToolCall(ctx, &call)).To(Succeed())
			}
			Expect(driver.CompleteToolCall(ctx, &protocol.ToolResponse{CallID: "c1", ToolName: "search", Error: "boom", Timestamp: base})).To(Succeed())
			Expect(driver.CompleteToolCall(ctx, &protocol.ToolResponse{CallID: "c2", ToolName: "search", Mocked: true, Timestamp: base})).To(Succeed())

			Expect(driver.InsertSnapshot(ctx, &storage.SnapshotRow{
				ID: "snap1", SessionID: "s1", Name: "mid", Timestamp: base, Variables: map[string]any{"x": "1"},
			})).To(Succeed())

			sum, err := driver.SessionSummary(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(sum.Session.State).To(Equal(protocol.StateCompleted))
			Expect(sum.Session.EndedAt).NotTo(BeNil())
			Expect(*sum.Session.EndedAt).To(BeTemporally("==", ended))
			Expect(sum.Steps).To(Equal(2))
			Expect(sum.ToolCalls).To(Equal(2))
			Expect(sum.FailedToolCalls).To(Equal(1))
			Expect(sum.MockedToolCalls).To(Equal(1))
			Expect(sum.Breakpoints).To(Equal(1))
			Expect(sum.BreakpointHits).To(Equal(2))
			Expect(sum.Snapshots).To(Equal(1))
		})

		It("reports unknown sessions and tool calls as not found", func() {
			_, err := driver.SessionSummary(ctx, "nope")
			Expect(storage.IsNotFound(err)).To(BeTrue())

			err = driver.CompleteToolCall(ctx, &protocol.ToolResponse{CallID: "nope", Timestamp: base})
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("aggregates tool stats by name", func() {
			Expect(driver.InsertToolCall(ctx, &protocol.ToolCall{ID: "c1", SessionID: "s1", ToolName: "math", Timestamp: base})).To(Succeed())
			Expect(driver.InsertToolCall(ctx, &protocol.ToolCall{ID: "c2", SessionID: "s1", ToolName: "math", Timestamp: base})).To(Succeed())
			Expect(driver.InsertToolCall(ctx, &protocol.ToolCall{ID: "c3", SessionID: "s1", ToolName: "echo", Timestamp: base})).To(Succeed())
			// duplicate inserts are ignored
			Expect(driver.InsertToolCall(ctx, &protocol.ToolCall{ID: "c3", SessionID: "s1", ToolName: "echo", Timestamp: base})).To(Succeed())

			Expect(driver.CompleteToolCall(ctx, &protocol.ToolResponse{CallID: "c1", DurationMs: 10, Timestamp: base})).To(Succeed())
			Expect(driver.CompleteToolCall(ctx, &protocol.ToolResponse{CallID: "c2", DurationMs: 30, Error: "div by zero", Timestamp: base})).To(Succeed())

			stats, err := driver.ToolStats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(HaveLen(2))
			Expect(stats[0].ToolName).To(Equal("echo"))
			Expect(stats[0].Calls).To(Equal(1))
			Expect(stats[1]).To(Equal(storage.ToolStat{ToolName: "math", Calls: 2, Errors: 1, AvgDurationMs: 20}))
		})
	})
}

func ids(recs []*recording.Recording) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
