package dotdir_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

var _ = Describe("dotdir.Manager server state", func() {
	var tmpDir string
	var m *dotdir.Manager

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "dotdir-test-*")
		Expect(err).NotTo(HaveOccurred())
		m = dotdir.NewManager()
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("LoadServerState", func() {
		It("returns nil when no state file exists", func() {
			state, err := m.LoadServerState(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("loads a valid state file", func() {
			data := `{"pid":4242,"listen":":8765","logFile":"/tmp/agentdbg.log","startedAt":"2026-01-02T03:04:05Z"}`
			err := os.WriteFile(filepath.Join(tmpDir, "server.json"), []byte(data), 0o600)
			Expect(err).NotTo(HaveOccurred())

			state, err := m.LoadServerState(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.PID).To(Equal(4242))
			Expect(state.Listen).To(Equal(":8765"))
			Expect(state.LogFile).To(Equal("/tmp/agentdbg.log"))
			Expect(state.StartedAt).To(Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
		})

		It("returns error for invalid JSON", func() {
			err := os.WriteFile(filepath.Join(tmpDir, "server.json"), []byte("not json"), 0o600)
			Expect(err).NotTo(HaveOccurred())

			state, err := m.LoadServerState(tmpDir)
			Expect(err).To(HaveOccurred())
			Expect(state).To(BeNil())
		})
	})

	Describe("SaveServerState", func() {
		It("round trips through the state file", func() {
			in := &dotdir.ServerState{
				PID:       os.Getpid(),
				Listen:    "127.0.0.1:9000",
				StartedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
			}
			Expect(m.SaveServerState(in, tmpDir)).To(Succeed())

			out, err := m.LoadServerState(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(in))
		})

		It("rejects a nil state", func() {
			Expect(m.SaveServerState(nil, tmpDir)).NotTo(Succeed())
		})
	})

	Describe("ClearServerState", func() {
		It("removes the state file", func() {
			Expect(m.SaveServerState(&dotdir.ServerState{PID: 1}, tmpDir)).To(Succeed())
			Expect(m.ClearServerState(tmpDir)).To(Succeed())

			state, err := m.LoadServerState(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("is a no-op when nothing is saved", func() {
			Expect(m.ClearServerState(tmpDir)).To(Succeed())
		})
	})
})
