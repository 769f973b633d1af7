package logger_test

import (
	"bytes"
	"encoding/json"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("creates a default console logger", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf))
			l.Info("hello", zap.String("key", "value"))

			output := buf.String()
			Expect(output).To(ContainSubstring("hello"))
			Expect(output).To(ContainSubstring("key"))
			Expect(output).To(ContainSubstring("value"))
		})

		It("respects debug level", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithDebug(true))
			l.Debug("debug msg")

			Expect(buf.String()).To(ContainSubstring("debug msg"))
		})

		It("filters debug when not enabled", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithDebug(false))
			l.Debug("hidden")

			Expect(buf.String()).To(BeEmpty())
		})

		It("creates a JSON logger", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true))
			l.Info("structured", zap.Int("count", 42))

			var parsed map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &parsed)).To(Succeed())
			Expect(parsed["msg"]).To(Equal("structured"))
			Expect(parsed["count"]).To(BeNumerically("==", 42))
		})

		It("supports multiple writers", func() {
			var a, b bytes.Buffer
			l := logger.New(logger.WithWriters(&a, &b))
			l.Info("both")

			Expect(a.String()).To(ContainSubstring("both"))
			Expect(b.String()).To(ContainSubstring("both"))
		})

		It("includes the caller when asked", func() {
			var buf bytes.Buffer
			l := logger.New(logger.WithWriter(&buf), logger.WithCaller(true))
			l.Info("where")

			Expect(buf.String()).To(ContainSubstring("logger_test.go"))
		})
	})

	Describe("NewLoggerWithWriters", func() {
		It("logs at debug level when enabled", func() {
			var buf bytes.Buffer
			l := logger.NewLoggerWithWriters(true, &buf)
			l.Debug("verbose")

			Expect(buf.String()).To(ContainSubstring("verbose"))
		})
	})

	Describe("Nop", func() {
		It("does not panic on any method", func() {
			l := logger.Nop()
			Expect(func() {
				l.Debug("d")
				l.Info("i")
				l.Warn("w")
				l.Error("e")
				l.With(zap.String("k", "v")).Info("child")
			}).NotTo(Panic())
		})
	})

	Describe("Multi", func() {
		It("dispatches to all loggers", func() {
			var console, file bytes.Buffer
			l := logger.Multi(
				logger.New(logger.WithWriter(&console)),
				logger.New(logger.WithWriter(&file), logger.WithJSON(true)),
			)
			l.Info("fan out", zap.String("session_id", "s1"))

			Expect(console.String()).To(ContainSubstring("fan out"))

			var parsed map[string]any
			Expect(json.Unmarshal([]byte(strings.TrimSpace(file.String())), &parsed)).To(Succeed())
			Expect(parsed["session_id"]).To(Equal("s1"))
		})

		It("binds fields on child loggers", func() {
			var buf bytes.Buffer
			l := logger.Multi(logger.New(logger.WithWriter(&buf), logger.WithJSON(true)))
			l.With(zap.String("conn_id", "c1")).Info("child")

			Expect(buf.String()).To(ContainSubstring(`"conn_id":"c1"`))
		})
	})
})
