package apiclient_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/api"
	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/daemon"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/session"
)

var _ = Describe("Client", func() {
	var (
		d      *daemon.Daemon
		client *apiclient.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		cfg := config.NewDefaultConfig()
		cfg.Storage.Driver = config.DriverMemory

		var err error
		d, err = daemon.New(ctx, daemon.Options{Config: cfg})
		Expect(err).NotTo(HaveOccurred())

		l, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		go func() {
			defer GinkgoRecover()
			Expect(d.Serve(l)).To(Succeed())
		}()

		client, err = apiclient.New("http://" + l.Addr().String() + "/")
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool { return client.Ping(ctx) }).Should(BeTrue())
	})

	AfterEach(func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		Expect(d.Close(closeCtx)).To(Succeed())
	})

	// run executes echo and waits for its recording to finish.
	run := func(input any) string {
		s, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: input})
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool {
			rec, err := d.Engine().Recorder().Get(ctx, s.RecordingID())
			return err == nil && rec.Finished
		}).Should(BeTrue())
		return s.RecordingID()
	}

	Describe("debugger controls", func() {
		It("manages watches and breakpoints of a session", func() {
			s := d.Engine().Sessions().Create("echo", nil, session.CreateOptions{})
			bp := s.AddBreakpoint(&protocol.Breakpoint{Type: protocol.BreakpointTool, ToolName: "add", Enabled: true})

			w, err := client.AddWatch(ctx, api.WatchRequest{SessionID: s.ID, Path: "total"})
			Expect(err).NotTo(HaveOccurred())
			watches, err := client.Watches(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(watches).To(HaveLen(1))
			Expect(client.RemoveWatch(ctx, w.ID)).To(Succeed())
			Expect(apiclient.IsNotFound(client.RemoveWatch(ctx, w.ID))).To(BeTrue())

			off := false
			got, err := client.SetBreakpointEnabled(ctx, s.ID, bp.ID, &off)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Enabled).To(BeFalse())
			got, err = client.SetBreakpointEnabled(ctx, s.ID, bp.ID, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Enabled).To(BeTrue())
		})

		It("compares snapshots and reads the stack", func() {
			snaps := d.Engine().Debugger().Snapshots
			a := snaps.Take("s1", "", map[string]any{"n": 1}, nil, nil)
			b := snaps.Take("s1", "", map[string]any{"n": 1, "m": 2}, nil, nil)
			diff, err := client.CompareSnapshots(ctx, a.ID, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(diff.Added).To(Equal([]string{"m"}))

			s := d.Engine().Sessions().Create("echo", nil, session.CreateOptions{})
			s.PushFrame(protocol.StackFrame{Name: "main", Variables: map[string]any{"q": "go"}})
			trace, err := client.Stack(ctx, s.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(trace.Trace).To(Equal("#0 main\n"))

			v, err := client.FrameVariable(ctx, s.ID, 0, "q")
			Expect(err).NotTo(HaveOccurred())
			Expect(v.Found).To(BeTrue())
			Expect(v.Value).To(Equal("go"))
		})
	})

	Describe("New", func() {
		It("trims the trailing slash", func() {
			c, err := apiclient.New("http://localhost:8765/")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Target()).To(Equal("http://localhost:8765"))
		})

		It("rejects non-http targets", func() {
			_, err := apiclient.New("localhost:8765")
			Expect(err).To(HaveOccurred())
			_, err = apiclient.New("ftp://localhost")
			Expect(err).To(HaveOccurred())
		})
	})

	It("reports status", func() {
		run("hi")

		st, err := client.Status(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Status).NotTo(BeNil())
		Expect(st.Status.Agents).To(Equal(2))
		Expect(st.Status.Recordings).To(Equal(1))
	})

	It("lists sessions by state", func() {
		run("hi")

		all, err := client.Sessions(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(1))

		completed, err := client.Sessions(ctx, protocol.StateCompleted)
		Expect(err).NotTo(HaveOccurred())
		Expect(completed).To(HaveLen(1))

		running, err := client.Sessions(ctx, protocol.StateRunning)
		Expect(err).NotTo(HaveOccurred())
		Expect(running).To(BeEmpty())
	})

	It("lists and reads recordings", func() {
		id := run("hi")

		recs, err := client.Recordings(ctx, apiclient.RecordingFilter{AgentID: "echo", Limit: 10})
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(1))
		Expect(recs[0].ID).To(Equal(id))

		none, err := client.Recordings(ctx, apiclient.RecordingFilter{AgentID: "tool_chain"})
		Expect(err).NotTo(HaveOccurred())
		Expect(none).To(BeEmpty())

		rec, err := client.Recording(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Input).To(Equal("hi"))
		Expect(rec.Success).To(BeTrue())

		events, err := client.Events(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).NotTo(BeEmpty())
		for i := 1; i < len(events); i++ {
			Expect(events[i].Seq).To(BeNumerically(">", events[i-1].Seq))
		}
	})

	It("returns typed errors for unknown recordings", func() {
		_, err := client.Recording(ctx, "missing")
		Expect(apiclient.IsNotFound(err)).To(BeTrue())

		var apiErr *apiclient.Error
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusNotFound))
		Expect(err.Error()).To(ContainSubstring("HTTP 404"))
	})

	DescribeTable("exports and imports bundles",
		func(format recording.Format) {
			id := run(map[string]any{"n": 1.0})

			data, err := client.Export(ctx, id, format)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).NotTo(BeEmpty())

			Expect(client.DeleteRecording(ctx, id)).To(Succeed())
			_, err = client.Recording(ctx, id)
			Expect(apiclient.IsNotFound(err)).To(BeTrue())

			info, err := client.Import(ctx, data)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.ID).NotTo(BeEmpty())
			Expect(info.ID).NotTo(Equal(id))
			Expect(info.AgentID).To(Equal("echo"))
		},
		Entry("json", recording.FormatJSON),
		Entry("cbor+zstd", recording.FormatCBORZstd),
	)

	It("replays a recording", func() {
		id := run("again")

		info, err := client.Replay(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ID).NotTo(BeEmpty())
		Expect(info.RecordingID).NotTo(Equal(id))
	})

	It("requests a shutdown", func() {
		Expect(client.Shutdown(ctx)).To(Succeed())
		Eventually(d.ShutdownRequested()).Should(BeClosed())
	})

	It("reports unreachable servers", func() {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c, err := apiclient.New(url)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Ping(ctx)).To(BeFalse())
		_, err = c.Status(ctx)
		Expect(err).To(MatchError(ContainSubstring("failed to connect")))
	})
})
