package agentdbgcmder_test

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	agentdbgcmder "github.com/papercomputeco/agentdbg/cmd/agentdbg"
)

var _ = Describe("NewAgentdbgCmd", func() {
	It("wires every subcommand", func() {
		cmd := agentdbgcmder.NewAgentdbgCmd()
		names := make([]string, 0, len(cmd.Commands()))
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ContainElements("serve", "status", "stop", "logs", "events", "recordings", "config", "version"))
	})

	It("defines the global flags", func() {
		cmd := agentdbgcmder.NewAgentdbgCmd()
		Expect(cmd.PersistentFlags().Lookup("config-dir")).NotTo(BeNil())

		debug := cmd.PersistentFlags().Lookup("debug")
		Expect(debug).NotTo(BeNil())
		Expect(debug.Shorthand).To(Equal("d"))
	})

	It("prints the version", func() {
		out := &bytes.Buffer{}
		cmd := agentdbgcmder.NewAgentdbgCmd()
		cmd.SetOut(out)
		cmd.SetArgs([]string{"version"})

		Expect(cmd.Execute()).To(Succeed())
		Expect(out.String()).To(ContainSubstring("Version: dev"))
	})
})
