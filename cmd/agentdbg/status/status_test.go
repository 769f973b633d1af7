package statuscmder_test

import (
	"bytes"
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	statuscmder "github.com/papercomputeco/agentdbg/cmd/agentdbg/status"
	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/daemon"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var _ = Describe("status command", func() {
	var (
		tmpDir string
		out    *bytes.Buffer
		ctx    context.Context
	)

	run := func(args ...string) error {
		root := &cobra.Command{Use: "agentdbg", SilenceUsage: true, SilenceErrors: true}
		root.PersistentFlags().String("config-dir", "", "")
		root.AddCommand(statuscmder.NewStatusCmd())
		root.SetOut(out)
		root.SetErr(out)
		root.SetArgs(append([]string{"status", "--config-dir", tmpDir}, args...))
		return root.Execute()
	}

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		out = &bytes.Buffer{}
		ctx = context.Background()
	})

	It("reports a server that is not running", func() {
		Expect(run("--api-target", "http://127.0.0.1:1")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("agentdbg is not running at http://127.0.0.1:1"))
	})

	Context("with a running server", func() {
		var d *daemon.Daemon

		BeforeEach(func() {
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

			Expect(dotdir.NewManager().SaveServerState(&dotdir.ServerState{
				PID:       1,
				Listen:    l.Addr().String(),
				StartedAt: time.Now(),
			}, tmpDir)).To(Succeed())

			client, err := apiclient.Resolve(tmpDir, "")
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() bool { return client.Ping(ctx) }).Should(BeTrue())
		})

		AfterEach(func() {
			closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			Expect(d.Close(closeCtx)).To(Succeed())
		})

		It("finds the server through the saved server state", func() {
			Expect(run()).To(Succeed())
			Expect(out.String()).To(ContainSubstring("agentdbg is running at http://127.0.0.1:"))
			Expect(out.String()).To(ContainSubstring("Agents:"))
			Expect(out.String()).To(ContainSubstring("No sessions."))
		})

		It("counts sessions by state", func() {
			s, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(s.State).Should(Equal(protocol.StateCompleted))

			Expect(run()).To(Succeed())
			Expect(out.String()).To(ContainSubstring("completed"))
			Expect(out.String()).NotTo(ContainSubstring("No sessions."))
		})
	})
})
