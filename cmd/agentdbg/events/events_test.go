package eventscmder_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/spf13/cobra"

	eventscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/events"
	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/daemon"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var _ = Describe("FormatEvent", func() {
	format := func(kind protocol.MessageType, data string) string {
		return eventscmder.FormatEvent(apiclient.StreamEvent{
			Type:      kind,
			SessionID: "0123456789abcdef",
			Data:      json.RawMessage(data),
		})
	}

	It("shows the type and short session id", func() {
		line := format(protocol.TypeSessionCreated, `{"agentId":"echo"}`)
		Expect(line).To(ContainSubstring("session_created"))
		Expect(line).To(ContainSubstring("01234567"))
		Expect(line).NotTo(ContainSubstring("89abcdef"))
		Expect(line).To(ContainSubstring("agent echo"))
	})

	It("marks replays", func() {
		line := format(protocol.TypeSessionCreated, `{"agentId":"echo","replayOf":"fedcba9876543210"}`)
		Expect(line).To(ContainSubstring("replay of fedcba98"))
	})

	It("shows state transitions", func() {
		line := format(protocol.TypeStateChanged, `{"state":"paused","previousState":"running"}`)
		Expect(line).To(ContainSubstring("running -> paused"))
	})

	It("shows breakpoint locations", func() {
		line := format(protocol.TypeBreakpointHit, `{"breakpoint":{"id":"bp-123456789","type":"line"},"location":{"file":"agents/tool_chain","line":10}}`)
		Expect(line).To(ContainSubstring("line breakpoint bp-12345 at agents/tool_chain:10"))
	})

	It("shows tool calls and responses", func() {
		Expect(format(protocol.TypeToolCall, `{"call":{"toolName":"math","params":{"a":1}}}`)).
			To(ContainSubstring(`math {"a":1}`))
		Expect(format(protocol.TypeToolResponse, `{"response":{"toolName":"math","result":3,"mocked":true}}`)).
			To(And(ContainSubstring("math 3"), ContainSubstring("(mocked)")))
		Expect(format(protocol.TypeToolResponse, `{"response":{"toolName":"math","error":"division by zero"}}`)).
			To(ContainSubstring("error: division by zero"))
	})

	It("shows logs and outcomes", func() {
		Expect(format(protocol.TypeLog, `{"level":"warn","message":"careful"}`)).To(ContainSubstring("[warn] careful"))
		Expect(format(protocol.TypeExecutionComplete, `{"success":true,"duration":12}`)).To(ContainSubstring("in 12ms"))
		Expect(format(protocol.TypeExecutionComplete, `{"success":false,"error":"boom"}`)).To(ContainSubstring("boom"))
	})
})

var _ = Describe("events command", func() {
	var (
		d      *daemon.Daemon
		client *apiclient.Client
		tmpDir string
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		tmpDir = GinkgoT().TempDir()

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

		client, err = apiclient.New("http://" + l.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() bool { return client.Ping(ctx) }).Should(BeTrue())
	})

	AfterEach(func() {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		Expect(d.Close(closeCtx)).To(Succeed())
	})

	start := func(out *gbytes.Buffer, args ...string) chan error {
		root := &cobra.Command{Use: "agentdbg", SilenceUsage: true, SilenceErrors: true}
		root.PersistentFlags().String("config-dir", "", "")
		root.AddCommand(eventscmder.NewEventsCmd())
		root.SetOut(out)
		root.SetErr(out)
		root.SetArgs(append([]string{"events", "--config-dir", tmpDir, "--api-target", client.Target()}, args...))

		done := make(chan error, 1)
		go func() {
			done <- root.ExecuteContext(ctx)
		}()
		Eventually(d.Engine().ConnectionCount).Should(Equal(1))
		return done
	}

	It("prints one line per event until interrupted", func() {
		out := gbytes.NewBuffer()
		done := start(out)

		_, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(out).Should(gbytes.Say("session_created"))
		Eventually(out).Should(gbytes.Say("execution_complete"))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("prints JSON lines and saves the raw stream", func() {
		out := gbytes.NewBuffer()
		rawPath := filepath.Join(tmpDir, "stream.txt")
		done := start(out, "--json", "-o", rawPath)

		_, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(out).Should(gbytes.Say(`"type":"execution_complete"`))
		cancel()
		Eventually(done).Should(Receive(BeNil()))

		data, err := os.ReadFile(rawPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("event: execution_complete\n"))
	})

	It("returns when the server stops", func() {
		done := start(gbytes.NewBuffer())

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		Expect(d.Close(closeCtx)).To(Succeed())

		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})
