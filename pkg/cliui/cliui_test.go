package cliui_test

import (
	"bytes"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/cliui"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var _ = Describe("cliui", func() {
	DescribeTable("FormatDuration",
		func(d time.Duration, want string) {
			Expect(cliui.FormatDuration(d)).To(Equal(want))
		},
		Entry("milliseconds", 12*time.Millisecond, "12ms"),
		Entry("zero", time.Duration(0), "0ms"),
		Entry("seconds", 3200*time.Millisecond, "3.2s"),
	)

	It("marks errors", func() {
		Expect(cliui.Mark(nil)).To(Equal(cliui.SuccessMark))
		Expect(cliui.Mark(errors.New("x"))).To(Equal(cliui.FailMark))
	})

	It("shortens ids", func() {
		Expect(cliui.ShortID("0123456789abcdef")).To(Equal("01234567"))
		Expect(cliui.ShortID("abc")).To(Equal("abc"))
	})

	It("renders states and outcomes", func() {
		Expect(cliui.State(protocol.StateCompleted)).To(ContainSubstring("completed"))
		Expect(cliui.State(protocol.SessionState("odd"))).To(ContainSubstring("odd"))
		Expect(cliui.Outcome(false, false)).To(ContainSubstring("running"))
		Expect(cliui.Outcome(true, true)).To(ContainSubstring("ok"))
		Expect(cliui.Outcome(true, false)).To(ContainSubstring("failed"))
	})

	It("prints key value lines", func() {
		var buf bytes.Buffer
		cliui.KeyValue(&buf, "Agents", 2)
		Expect(buf.String()).To(ContainSubstring("Agents:"))
		Expect(buf.String()).To(ContainSubstring("2"))
	})

	It("renders tables", func() {
		var buf bytes.Buffer
		err := cliui.Table(&buf, []string{"id", "agent"}, [][]string{
			{"rec-1", "echo"},
			{"rec-2", "tool_chain"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(buf.String()).To(ContainSubstring("rec-1"))
		Expect(buf.String()).To(ContainSubstring("tool_chain"))
	})

	It("runs a step and reports its error", func() {
		var buf bytes.Buffer
		boom := errors.New("boom")
		err := cliui.Step(&buf, "working", func() error { return boom })
		Expect(err).To(MatchError(boom))
		Expect(buf.String()).To(ContainSubstring("working"))
		Expect(buf.String()).To(ContainSubstring(cliui.FailMark))
	})
})
