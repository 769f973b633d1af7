package sse

import (
	"bytes"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var dst *bytes.Buffer

	BeforeEach(func() {
		dst = &bytes.Buffer{}
	})

	Describe("Next", func() {
		Context("with standard events", func() {
			It("parses a single event", func() {
				r := NewTeeReader(strings.NewReader("data: hello world\n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello world"))
				Expect(ev.Type).To(BeEmpty())
				Expect(ev.ID).To(BeEmpty())

				ev, err = r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev).To(BeNil())
			})

			It("parses engine broadcasts with type and id", func() {
				input := "id: 1\nevent: session_created\ndata: {\"type\":\"session_created\",\"sessionId\":\"s-1\"}\n\n" +
					"id: 2\nevent: tool_call\ndata: {\"type\":\"tool_call\",\"sessionId\":\"s-1\",\"toolName\":\"math\"}\n\n"
				r := NewTeeReader(strings.NewReader(input), dst)

				ev1, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev1.ID).To(Equal("1"))
				Expect(ev1.Type).To(Equal("session_created"))
				Expect(ev1.Data).To(ContainSubstring(`"sessionId":"s-1"`))

				ev2, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev2.ID).To(Equal("2"))
				Expect(ev2.Type).To(Equal("tool_call"))

				ev3, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev3).To(BeNil())
			})

			It("joins multiple data lines with newline", func() {
				r := NewTeeReader(strings.NewReader("data: line one\ndata: line two\ndata: line three\n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("line one\nline two\nline three"))
			})
		})

		Context("with comments", func() {
			It("skips comments as keep-alives", func() {
				r := NewTeeReader(strings.NewReader(": ping\n\n: ping\n\ndata: hello\n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello"))
			})

			It("copies comment lines to dst", func() {
				input := ": connected\ndata: hello\n\n"
				r := NewTeeReader(strings.NewReader(input), dst)

				_, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(dst.String()).To(Equal(input))
			})
		})

		Context("with data field variations", func() {
			It("handles data field with no space after colon", func() {
				r := NewTeeReader(strings.NewReader("data:no-space\n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("no-space"))
			})

			It("handles data field with only a space", func() {
				r := NewTeeReader(strings.NewReader("data: \n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(BeEmpty())
			})

			It("treats a line without a colon as a field name", func() {
				r := NewTeeReader(strings.NewReader("data\n\n"), dst)

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(BeEmpty())
			})
		})

		Context("edge cases", func() {
			It("returns nil on empty input", func() {
				ev, err := NewReader(strings.NewReader("")).Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev).To(BeNil())
			})

			It("returns nil on input with only blank lines", func() {
				ev, err := NewReader(strings.NewReader("\n\n\n")).Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev).To(BeNil())
			})

			It("yields the last event when the stream ends without a blank line", func() {
				r := NewReader(strings.NewReader("data: unterminated"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("unterminated"))

				ev, err = r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev).To(BeNil())
			})

			It("ignores retry and unknown fields", func() {
				r := NewReader(strings.NewReader("retry: 3000\nfoo: bar\ndata: hello\n\n"))

				ev, err := r.Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("hello"))
			})

			It("accepts a nil destination", func() {
				ev, err := NewTeeReader(strings.NewReader("data: x\n\n"), nil).Next()
				Expect(err).NotTo(HaveOccurred())
				Expect(ev.Data).To(Equal("x"))
			})
		})
	})
})

var _ = Describe("Write", func() {
	It("encodes id, type and data", func() {
		var buf bytes.Buffer
		Expect(Write(&buf, Event{ID: "7", Type: "log", Data: `{"level":"info"}`})).To(Succeed())
		Expect(buf.String()).To(Equal("id: 7\nevent: log\ndata: {\"level\":\"info\"}\n\n"))
	})

	It("omits empty id and type", func() {
		var buf bytes.Buffer
		Expect(Write(&buf, Event{Data: "hello"})).To(Succeed())
		Expect(buf.String()).To(Equal("data: hello\n\n"))
	})

	It("splits multi-line data so the reader joins it back", func() {
		var buf bytes.Buffer
		Expect(Write(&buf, Event{Type: "note", Data: "one\ntwo"})).To(Succeed())
		Expect(buf.String()).To(Equal("event: note\ndata: one\ndata: two\n\n"))

		ev, err := NewReader(&buf).Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Data).To(Equal("one\ntwo"))
		Expect(ev.Type).To(Equal("note"))
	})

	It("writes comments the reader skips", func() {
		var buf bytes.Buffer
		Expect(Comment(&buf, "ping")).To(Succeed())
		Expect(Write(&buf, Event{Data: "after"})).To(Succeed())
		Expect(buf.String()).To(HavePrefix(": ping\n\n"))

		ev, err := NewReader(&buf).Next()
		Expect(err).NotTo(HaveOccurred())
		Expect(ev.Data).To(Equal("after"))
	})
})
