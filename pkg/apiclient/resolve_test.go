package apiclient_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

var _ = Describe("Resolve", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "agentdbg-resolve-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("prefers an explicit target", func() {
		c, err := apiclient.Resolve(tmpDir, "http://example.test:1")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Target()).To(Equal("http://example.test:1"))
	})

	It("uses a running server's listen address", func() {
		err := dotdir.NewManager().SaveServerState(&dotdir.ServerState{
			PID:       os.Getpid(),
			Listen:    ":9911",
			StartedAt: time.Now(),
		}, tmpDir)
		Expect(err).NotTo(HaveOccurred())

		c, err := apiclient.Resolve(tmpDir, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Target()).To(Equal("http://localhost:9911"))
	})

	It("falls back to the configured target", func() {
		err := os.WriteFile(filepath.Join(tmpDir, "config.toml"), []byte(`[client]
api_target = "http://configured.test:7"
`), 0o600)
		Expect(err).NotTo(HaveOccurred())

		c, err := apiclient.Resolve(tmpDir, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Target()).To(Equal("http://configured.test:7"))
	})

	It("defaults to localhost", func() {
		c, err := apiclient.Resolve(tmpDir, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Target()).To(Equal("http://localhost:8765"))
	})
})

var _ = DescribeTable("TargetForListen",
	func(listen, want string) {
		Expect(apiclient.TargetForListen(listen)).To(Equal(want))
	},
	Entry("port only", ":8765", "http://localhost:8765"),
	Entry("wildcard v4", "0.0.0.0:80", "http://localhost:80"),
	Entry("wildcard v6", "[::]:80", "http://localhost:80"),
	Entry("loopback", "127.0.0.1:9000", "http://127.0.0.1:9000"),
	Entry("named host", "debug.internal:9000", "http://debug.internal:9000"),
	Entry("already a url", "http://h:1", "http://h:1"),
)
