// Package worker provides an asynchronous worker pool that journals debugging
// activity to the provided storage.AuditStore and publishes recording events
// to the provided eventstream.Publisher.
//
// The pool decouples storage and publishing from the agent goroutines so a
// paused or slow database never stalls an execution. Jobs are sharded by
// session id, which keeps the journal of one session in order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/eventstream"
	"github.com/papercomputeco/agentdbg/pkg/eventstream/nop"
	"github.com/papercomputeco/agentdbg/pkg/protocol"
	"github.com/papercomputeco/agentdbg/pkg/recording"
	"github.com/papercomputeco/agentdbg/pkg/storage"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
)

// JobKind selects what a job writes.
type JobKind string

const (
	JobSession      JobKind = "session"
	JobStep         JobKind = "step"
	JobBreakpoint   JobKind = "breakpoint"
	JobToolCall     JobKind = "tool_call"
	JobToolResponse JobKind = "tool_response"
	JobSnapshot     JobKind = "snapshot"
	JobPublish      JobKind = "publish"
)

// Job is a unit of work for the worker pool to execute against. Exactly one
// payload field matching Kind is set.
type Job struct {
	Kind      JobKind
	SessionID string

	Session      *storage.SessionRow
	Step         *storage.StepRow
	Breakpoint   *protocol.Breakpoint
	ToolCall     *protocol.ToolCall
	ToolResponse *protocol.ToolResponse
	Snapshot     *storage.SnapshotRow
	Event        *eventstream.RecordingEventPublished
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Driver is the audit journal backend.
	Driver storage.AuditStore

	// Publisher receives recording events. Defaults to a no-op publisher.
	Publisher eventstream.Publisher

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of each worker's buffered job channel (defaults to 256).
	QueueSize uint

	// Clock stamps published events.
	Clock clock.Clock

	// Logger is the provided zap logger
	Logger *zap.Logger
}

// Pool processes journal jobs asynchronously via a worker pool.
type Pool struct {
	config *Config
	queues []chan Job
	wg     sync.WaitGroup
	logger *zap.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.Driver == nil {
		return nil, errors.New("worker pool requires an audit store")
	}

	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Publisher == nil {
		c.Publisher = nop.NewPublisher()
	}

	if c.Clock == nil {
		c.Clock = clock.New()
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	wp := &Pool{
		config: c,
		queues: make([]chan Job, c.NumWorkers),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		wp.queues[i] = make(chan Job, c.QueueSize)
		go wp.worker(i)
	}

	return wp, nil
}

func (p *Pool) shard(sessionID string) chan Job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return p.queues[h.Sum32()%uint32(len(p.queues))]
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full or the pool is closed,
// resulting in the job being dropped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.shard(job.SessionID) <- job:
		p.logger.Debug("job queued",
			zap.String("kind", string(job.Kind)),
			zap.String("session_id", job.SessionID),
		)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped",
			zap.String("kind", string(job.Kind)),
			zap.String("session_id", job.SessionID),
		)
		return false
	}
}

// RecordingEvent queues a recording event for publishing.
func (p *Pool) RecordingEvent(rec *recording.Recording, ev *recording.Event) {
	p.Enqueue(Job{
		Kind:      JobPublish,
		SessionID: rec.SessionID,
		Event:     eventstream.NewRecordingEvent(rec, ev, p.config.Clock.Now()),
	})
}

// Close signals workers to stop, waits for in-flight jobs to drain and closes
// the publisher. Call this during graceful shutdown after the server has
// stopped.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
		p.mu.Unlock()

		p.wg.Wait()
		if err := p.config.Publisher.Close(); err != nil {
			p.logger.Warn("closing event publisher failed", zap.Error(err))
		}
	})
}

// worker is the inner worker thread that continuously pulls jobs off its queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Uint("worker_id", id))

	for job := range p.queues[id] {
		p.processJob(job)
	}

	p.logger.Debug("journal worker stopped", zap.Uint("worker_id", id))
}

const jobTimeout = 30 * time.Second

// processJob writes one job. Failures are logged and never retried.
func (p *Pool) processJob(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := p.write(ctx, job); err != nil {
		p.logger.Error("async journal write failed",
			zap.String("kind", string(job.Kind)),
			zap.String("session_id", job.SessionID),
			zap.Error(err),
		)
	}
}

func (p *Pool) write(ctx context.Context, job Job) error {
	d := p.config.Driver

	switch job.Kind {
	case JobSession:
		return d.UpsertSession(ctx, job.Session)
	case JobStep:
		return d.AppendStep(ctx, job.Step)
	case JobBreakpoint:
		return d.UpsertBreakpoint(ctx, job.SessionID, job.Breakpoint)
	case JobToolCall:
		return d.InsertToolCall(ctx, job.ToolCall)
	case JobToolResponse:
		return d.CompleteToolCall(ctx, job.ToolResponse)
	case JobSnapshot:
		return d.InsertSnapshot(ctx, job.Snapshot)
	case JobPublish:
		return p.config.Publisher.PublishRecordingEvent(ctx, job.Event)
	}
	return fmt.Errorf("unknown job kind %q", job.Kind)
}
