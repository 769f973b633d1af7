package debugger_test

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/debugger"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var _ = Describe("BreakpointManager", func() {
	var m *debugger.BreakpointManager

	BeforeEach(func() {
		m = debugger.NewBreakpointManager(clock.NewMock())
	})

	It("assigns ids and keeps registration order", func() {
		a, err := m.Create(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "search", Enabled: true})
		Expect(err).NotTo(HaveOccurred())
		b, err := m.Create(&protocol.Breakpoint{Type: protocol.BreakpointPhase, Phase: "plan", Enabled: true})
		Expect(err).NotTo(HaveOccurred())

		Expect(a.ID).NotTo(BeEmpty())
		Expect(m.List()).To(HaveLen(2))
		Expect(m.List()[0].ID).To(Equal(a.ID))
		Expect(m.List()[1].ID).To(Equal(b.ID))
	})

	It("rejects invalid breakpoints", func() {
		_, err := m.Create(&protocol.Breakpoint{Type: protocol.BreakpointLine, Location: "agent.go"})
		Expect(err).To(HaveOccurred())
	})

	It("returns to the original flag after toggling twice", func() {
		bp, _ := m.Create(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "t", Enabled: true})

		v, ok := m.Toggle(bp.ID)
		Expect(ok).To(BeTrue())
		Expect(v).To(BeFalse())
		v, _ = m.Toggle(bp.ID)
		Expect(v).To(BeTrue())

		got, _ := m.Get(bp.ID)
		Expect(got.Enabled).To(BeTrue())
	})

	It("enables, disables and removes", func() {
		bp, _ := m.Create(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "t", Enabled: true})
		Expect(m.Disable(bp.ID)).To(BeTrue())
		got, _ := m.Get(bp.ID)
		Expect(got.Enabled).To(BeFalse())
		Expect(m.Enable(bp.ID)).To(BeTrue())
		Expect(m.Remove(bp.ID)).To(BeTrue())
		Expect(m.Remove(bp.ID)).To(BeFalse())
		Expect(m.Disable("missing")).To(BeFalse())
	})

	It("queries by type and location", func() {
		_, _ = m.Create(&protocol.Breakpoint{Type: protocol.BreakpointLine, Location: "a.go", Line: 10, Enabled: true})
		_, _ = m.Create(&protocol.Breakpoint{Type: protocol.BreakpointLine, Location: "a.go", Line: 20, Enabled: true})
		_, _ = m.Create(&protocol.Breakpoint{Type: protocol.BreakpointLine, Location: "b.go", Line: 10, Enabled: true})
		_, _ = m.Create(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "x", Enabled: true})

		Expect(m.ByType(protocol.BreakpointLine)).To(HaveLen(3))
		Expect(m.ByType(protocol.BreakpointTool)).To(HaveLen(1))
		Expect(m.ByLocation("a.go", 0)).To(HaveLen(2))
		Expect(m.ByLocation("a.go", 20)).To(HaveLen(1))
	})
})

var _ = Describe("WatchList", func() {
	var (
		clk *clock.Mock
		w   *debugger.WatchList
	)

	BeforeEach(func() {
		clk = clock.NewMock()
		w = debugger.NewWatchList(clk, 3)
	})

	It("keeps only the most recent values", func() {
		watch, err := w.Add("s1", "counter", "")
		Expect(err).NotTo(HaveOccurred())

		for i := 1; i <= 5; i++ {
			clk.Add(time.Second)
			w.Observe("s1", "counter", map[string]any{"counter": i})
		}

		got, ok := w.Get(watch.ID)
		Expect(ok).To(BeTrue())
		Expect(got.History).To(HaveLen(3))
		Expect(got.History[0].Value).To(Equal(3))
		Expect(got.History[2].Value).To(Equal(5))
	})

	It("raises alerts when the condition holds", func() {
		_, err := w.Add("", "user.balance", "value < 0")
		Expect(err).NotTo(HaveOccurred())

		alerts := w.Observe("s1", "user", map[string]any{"user": map[string]any{"balance": 10}})
		Expect(alerts).To(BeEmpty())

		alerts = w.Observe("s1", "user.balance", map[string]any{"user": map[string]any{"balance": -5}})
		Expect(alerts).To(HaveLen(1))
		Expect(alerts[0].Value).To(Equal(-5))
		Expect(alerts[0].SessionID).To(Equal("s1"))
	})

	It("ignores writes to unrelated paths and other sessions", func() {
		watch, _ := w.Add("s1", "a.b", "")
		w.Observe("s1", "c", map[string]any{"c": 1})
		w.Observe("s2", "a", map[string]any{"a": map[string]any{"b": 1}})

		got, _ := w.Get(watch.ID)
		Expect(got.History).To(BeEmpty())
	})

	It("rejects conditions that do not compile", func() {
		_, err := w.Add("", "x", "value >")
		Expect(err).To(HaveOccurred())
	})

	It("lists session and global watches", func() {
		_, _ = w.Add("s1", "a", "")
		_, _ = w.Add("s2", "b", "")
		_, _ = w.Add("", "c", "")
		Expect(w.List("s1")).To(HaveLen(2))
		Expect(w.List("")).To(HaveLen(3))
	})
})

var _ = Describe("Timeline", func() {
	var (
		clk *clock.Mock
		tl  *debugger.Timeline
	)

	BeforeEach(func() {
		clk = clock.NewMock()
		tl = debugger.NewTimeline(clk, 5)
	})

	It("drops the oldest events beyond the cap", func() {
		for i := 0; i < 8; i++ {
			clk.Add(time.Millisecond)
			tl.Add(debugger.EventToolCall, "s1", i)
		}
		Expect(tl.Len()).To(Equal(5))
		events := tl.Query(debugger.TimelineQuery{})
		Expect(events[0].Payload).To(Equal(3))
		Expect(events[4].Payload).To(Equal(7))
	})

	It("filters by session, kind and time range", func() {
		start := clk.Now()
		tl.Add(debugger.EventExecutionStart, "s1", nil)
		clk.Add(time.Second)
		tl.Add(debugger.EventToolCall, "s1", nil)
		clk.Add(time.Second)
		tl.Add(debugger.EventToolCall, "s2", nil)

		Expect(tl.Query(debugger.TimelineQuery{SessionID: "s1"})).To(HaveLen(2))
		Expect(tl.Query(debugger.TimelineQuery{Kinds: []debugger.EventKind{debugger.EventToolCall}})).To(HaveLen(2))
		Expect(tl.Query(debugger.TimelineQuery{From: start.Add(500 * time.Millisecond), To: start.Add(1500 * time.Millisecond)})).To(HaveLen(1))
		Expect(tl.Query(debugger.TimelineQuery{Limit: 1})[0].SessionID).To(Equal("s2"))
	})

	It("computes aggregate statistics", func() {
		tl.AddWithDuration(debugger.EventToolResponse, "s1", nil, 100*time.Millisecond)
		tl.AddWithDuration(debugger.EventToolResponse, "s2", nil, 300*time.Millisecond)
		tl.Add(debugger.EventLog, "s1", nil)

		stats := tl.Stats()
		Expect(stats.Total).To(Equal(3))
		Expect(stats.ByKind[debugger.EventToolResponse]).To(Equal(2))
		Expect(stats.BySession["s1"]).To(Equal(2))
		Expect(stats.AvgDurationMs).To(BeNumerically("==", 200))
	})

	It("clears one session", func() {
		tl.Add(debugger.EventLog, "s1", nil)
		tl.Add(debugger.EventLog, "s2", nil)
		tl.Clear("s1")
		Expect(tl.Len()).To(Equal(1))
	})
})

var _ = Describe("SnapshotStore", func() {
	var store *debugger.SnapshotStore

	BeforeEach(func() {
		store = debugger.NewSnapshotStore(clock.NewMock(), 3)
	})

	It("reports one changed and one added key", func() {
		older := store.Take("s1", "before", map[string]any{"count": 1, "name": "a"}, nil, &debugger.MemoryStats{HeapBytes: 1000})
		newer := store.Take("s1", "after", map[string]any{"count": 2, "name": "a", "extra": true}, nil, &debugger.MemoryStats{HeapBytes: 1500})

		diff, err := store.Compare(older.ID, newer.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(diff.Added).To(Equal([]string{"extra"}))
		Expect(diff.Removed).To(BeEmpty())
		Expect(diff.Changed).To(HaveLen(1))
		Expect(diff.Changed[0].Key).To(Equal("count"))
		Expect(*diff.HeapDelta).To(Equal(int64(500)))
	})

	It("compares nested values structurally", func() {
		a := &debugger.Snapshot{Variables: map[string]any{"cfg": map[string]any{"k": []any{1, 2}}}}
		b := &debugger.Snapshot{Variables: map[string]any{"cfg": map[string]any{"k": []any{1, 2}}}}
		diff := debugger.CompareSnapshots(a, b)
		Expect(diff.Changed).To(BeEmpty())
		Expect(diff.HeapDelta).To(BeNil())
	})

	It("reports removed keys", func() {
		a := &debugger.Snapshot{Variables: map[string]any{"gone": 1}}
		b := &debugger.Snapshot{Variables: map[string]any{}}
		Expect(debugger.CompareSnapshots(a, b).Removed).To(Equal([]string{"gone"}))
	})

	It("is isolated from later mutation", func() {
		vars := map[string]any{"list": []any{1}}
		snap := store.Take("s1", "", vars, nil, nil)
		vars["list"].([]any)[0] = 99
		Expect(snap.Variables["list"]).To(Equal([]any{1}))
	})

	It("copies typed containers as well as generic ones", func() {
		type plan struct {
			Steps []string
			Next  *plan
		}
		tags := []string{"a", "b"}
		scores := map[string]int{"x": 1}
		p := &plan{Steps: []string{"search"}}
		snap := store.Take("s1", "", map[string]any{"tags": tags, "scores": scores, "plan": p}, nil, nil)

		tags[0] = "z"
		scores["x"] = 99
		p.Steps[0] = "answer"
		p.Next = p

		Expect(snap.Variables["tags"]).To(Equal([]string{"a", "b"}))
		Expect(snap.Variables["scores"]).To(Equal(map[string]int{"x": 1}))
		Expect(snap.Variables["plan"].(*plan).Steps).To(Equal([]string{"search"}))
		Expect(snap.Variables["plan"].(*plan).Next).To(BeNil())
	})

	It("hands out copies that cannot change the stored snapshot", func() {
		snap := store.Take("s1", "first", map[string]any{"n": []int{1}}, nil, nil)

		got, ok := store.Get(snap.ID)
		Expect(ok).To(BeTrue())
		got.Name = "renamed"
		got.Variables["n"].([]int)[0] = 7
		got.Variables["extra"] = true
		store.ForSession("s1")[0].Variables["n"] = nil

		again, _ := store.Get(snap.ID)
		Expect(again.Name).To(Equal("first"))
		Expect(again.Variables).To(Equal(map[string]any{"n": []int{1}}))
	})

	It("copies self-referencing values without looping", func() {
		type node struct{ Next *node }
		n := &node{}
		n.Next = n
		snap := store.Take("s1", "", map[string]any{"n": n}, nil, nil)
		c := snap.Variables["n"].(*node)
		Expect(c).NotTo(BeIdenticalTo(n))
		Expect(c.Next).To(BeIdenticalTo(c))
	})

	It("caps retained snapshots and filters by session", func() {
		for i := 0; i < 4; i++ {
			store.Take("s1", "", nil, nil, nil)
		}
		store.Take("s2", "", nil, nil, nil)
		Expect(store.Len()).To(Equal(3))
		Expect(store.ForSession("s1")).To(HaveLen(2))
	})

	It("fails to compare unknown snapshots", func() {
		_, err := store.Compare("a", "b")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("stack utilities", func() {
	stack := []protocol.StackFrame{
		{Name: "main", Location: &protocol.SourceLocation{File: "agent.go", Line: 3}, Variables: map[string]any{"x": 1, "y": 1}},
		{Name: "plan", Variables: map[string]any{"x": 2}},
	}

	It("formats innermost first", func() {
		out := debugger.FormatStack(stack)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		Expect(lines).To(Equal([]string{"#0 plan", "#1 main (agent.go:3)"}))
	})

	It("resolves variables in a given frame", func() {
		v, ok := debugger.ResolveVariable(stack, 1, "x")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(1))
		_, ok = debugger.ResolveVariable(stack, 5, "x")
		Expect(ok).To(BeFalse())
	})

	It("flattens scopes with the innermost frame winning", func() {
		Expect(debugger.FlattenScope(stack)).To(Equal(map[string]any{"x": 2, "y": 1}))
	})
})
