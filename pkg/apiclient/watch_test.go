package apiclient_test

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/agentdbg/pkg/apiclient"
	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/daemon"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

// collector gathers stream events from a Watch goroutine.
type collector struct {
	mu     sync.Mutex
	events []apiclient.StreamEvent
}

func (c *collector) add(ev apiclient.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) types() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *collector) snapshot() []apiclient.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]apiclient.StreamEvent{}, c.events...)
}

var _ = Describe("Watch", func() {
	var (
		d      *daemon.Daemon
		client *apiclient.Client
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())

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

	watch := func(sessionID string) (*collector, chan error) {
		c := &collector{}
		done := make(chan error, 1)
		before := d.Engine().ConnectionCount()
		go func() {
			done <- client.Watch(ctx, sessionID, nil, c.add)
		}()
		Eventually(d.Engine().ConnectionCount).Should(Equal(before + 1))
		return c, done
	}

	It("streams the broadcasts of an execution", func() {
		all, done := watch("")

		s, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(all.types).Should(ContainElement(protocol.TypeExecutionComplete))
		Expect(all.types()).To(ContainElements(protocol.TypeSessionCreated, protocol.TypeStateChanged, protocol.TypeLog))

		events := all.snapshot()
		Expect(events[0].ID).To(Equal("1"))
		for _, ev := range events {
			Expect(ev.SessionID).To(Equal(s.ID))
			if ev.Type == protocol.TypeSessionCreated {
				Expect(string(ev.Data)).To(ContainSubstring(`"agentId":"echo"`))
			}
		}

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})

	It("narrows the stream to one session", func() {
		all, _ := watch("")
		other, _ := watch("some-other-session")

		_, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
		Expect(err).NotTo(HaveOccurred())

		Eventually(all.types).Should(ContainElement(protocol.TypeExecutionComplete))
		Expect(other.types()).To(BeEmpty())
	})

	It("copies the raw stream", func() {
		var mu sync.Mutex
		raw := &bytes.Buffer{}
		c := &collector{}
		done := make(chan error, 1)
		go func() {
			done <- client.Watch(ctx, "", lockedWriter{mu: &mu, w: raw}, c.add)
		}()
		Eventually(d.Engine().ConnectionCount).Should(Equal(1))

		_, err := d.Engine().Execute(ctx, &protocol.ExecuteRequest{AgentID: "echo", Input: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Eventually(c.types).Should(ContainElement(protocol.TypeExecutionComplete))

		mu.Lock()
		defer mu.Unlock()
		Expect(raw.String()).To(HavePrefix(": connected\n"))
		Expect(raw.String()).To(ContainSubstring("event: session_created\n"))
	})

	It("ends cleanly when the server shuts down", func() {
		_, done := watch("")

		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		Expect(d.Close(closeCtx)).To(Succeed())

		Eventually(done, 5*time.Second).Should(Receive(BeNil()))
	})
})

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
