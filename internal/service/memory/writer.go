package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/persona-relay/backend/internal/logging"
	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
	"github.com/zhouzirui/persona-relay/backend/internal/telemetry"
)

// DropPolicy decides which write is discarded when the queue is full.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// ErrWriterClosed is returned by Enqueue after Close.
var ErrWriterClosed = errors.New("memory writer closed")

// ParseDropPolicy validates a configured policy name.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch DropPolicy(s) {
	case DropOldest, DropNewest:
		return DropPolicy(s), nil
	case "":
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown memory drop policy %q (supported: drop_oldest, drop_newest)", s)
	}
}

// WriterOptions configures the bounded write-back queue.
type WriterOptions struct {
	QueueSize int
	Workers   int
	// Timeout bounds each Add call.
	Timeout time.Duration
	Policy  DropPolicy
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// WriterStats is a point-in-time view of the queue counters.
type WriterStats struct {
	Queued   int
	Enqueued int64
	Written  int64
	Failed   int64
	Dropped  int64
}

type writeJob struct {
	subjectID  string
	sessionID  string
	turns      []chat.Turn
	enqueuedAt time.Time
}

// Writer dispatches memory writes off the turn path. The queue is bounded; when it is
// full one write is dropped according to the policy and the drop is logged and counted.
type Writer struct {
	provider Provider
	opts     WriterOptions
	logger   *zap.Logger

	queue chan writeJob
	// mu 保护 queue 的发送与关闭，同时让 drop_oldest 的“取出再放入”成为原子操作
	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	enqueued atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewWriter starts the workers.
func NewWriter(provider Provider, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		provider: provider,
		opts:     opts,
		logger:   logging.OrNop(opts.Logger).Named("memory.writer"),
		queue:    make(chan writeJob, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	w.group = &errgroup.Group{}
	for i := 0; i < opts.Workers; i++ {
		w.group.Go(w.work)
	}
	go func() {
		_ = w.group.Wait()
		close(w.done)
	}()
	return w
}

// Enqueue schedules turns for write-back and never blocks on the backend.
func (w *Writer) Enqueue(sessionID, subjectID string, turns []chat.Turn) error {
	job := writeJob{
		subjectID:  subjectID,
		sessionID:  sessionID,
		turns:      append([]chat.Turn(nil), turns...),
		enqueuedAt: time.Now(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}

	select {
	case w.queue <- job:
		w.enqueued.Add(1)
		return nil
	default:
	}

	if w.opts.Policy == DropNewest {
		w.drop(job, "queue full, dropping newest")
		return nil
	}

	select {
	case old := <-w.queue:
		w.drop(old, "queue full, dropping oldest")
	default:
	}
	select {
	case w.queue <- job:
		w.enqueued.Add(1)
	default:
		w.drop(job, "queue full, dropping newest")
	}
	return nil
}

func (w *Writer) drop(job writeJob, reason string) {
	w.dropped.Add(1)
	w.opts.Metrics.RecordMemoryDrop(context.Background(), w.provider.Name())
	w.logger.Warn("memory write dropped",
		zap.String("reason", reason),
		zap.String("policy", string(w.opts.Policy)),
		zap.String("session_id", job.sessionID),
		zap.String("subject_id", job.subjectID),
		zap.Int("turns", len(job.turns)),
		zap.Duration("queued_for", time.Since(job.enqueuedAt)))
}

func (w *Writer) work() error {
	for job := range w.queue {
		w.write(job)
	}
	return nil
}

func (w *Writer) write(job writeJob) {
	if w.ctx.Err() != nil {
		w.drop(job, "writer closed before the write started")
		return
	}
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.Timeout)
	defer cancel()

	start := time.Now()
	if err := w.provider.Add(ctx, job.turns, job.subjectID); err != nil {
		w.failed.Add(1)
		w.logger.Error("memory write failed",
			zap.String("backend", w.provider.Name()),
			zap.String("session_id", job.sessionID),
			zap.String("subject_id", job.subjectID),
			zap.Error(err))
		return
	}
	w.written.Add(1)
	w.logger.Debug("memory write stored",
		zap.String("backend", w.provider.Name()),
		zap.String("session_id", job.sessionID),
		zap.Int("turns", len(job.turns)),
		zap.Duration("elapsed", time.Since(start)))
}

// Close stops accepting writes and drains the queue. If ctx expires first the
// in-flight writes are cancelled (counted as failed) and the jobs still queued are
// dropped without reaching the backend.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return fmt.Errorf("memory writer drain: %w", ctx.Err())
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:   len(w.queue),
		Enqueued: w.enqueued.Load(),
		Written:  w.written.Load(),
		Failed:   w.failed.Load(),
		Dropped:  w.dropped.Load(),
	}
}
