// Package accounting applies token usage to a project's budget in the
// background, off the request's hot path.
//
// Modeled on the teacher's internal/logger.Logger: a bounded channel feeds a
// fixed pool of worker goroutines instead of logger's single flush
// goroutine, because accounting entries apply independently (no ordering or
// batching benefit) and must be retried individually on transient failure.
// A full queue drops the entry — accounting never blocks or fails the
// caller's response.
package accounting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	retryAttempts = 3
	retryDelay    = 100 * time.Millisecond
)

// Recorder applies actual token usage to a project's budget. Implemented
// by *budget.Manager; accepted here as an interface so this package doesn't
// import budget directly and stays reusable for other sinks (e.g. tests).
type Recorder interface {
	Record(ctx context.Context, projectID string, actual int64) error
}

// Entry is one unit of post-hoc accounting work.
type Entry struct {
	ProjectID string
	Tokens    int64
}

// Manager runs a fixed worker pool draining a bounded queue of Entry values.
type Manager struct {
	queue   chan Entry
	rec     Recorder
	log     *slog.Logger
	wg      sync.WaitGroup
	dropped int64
}

// New starts workers goroutines reading off a queue of size queueSize. Call
// Close during shutdown to drain in-flight work before the process exits.
func New(rec Recorder, log *slog.Logger, workers, queueSize int) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	m := &Manager{
		queue: make(chan Entry, queueSize),
		rec:   rec,
		log:   log,
	}

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	return m
}

// Schedule enqueues e for background accounting. Never blocks: if the
// queue is full the entry is dropped and counted, never surfaced to the
// caller — a background accounting failure must never be reflected in the
// response already sent to the client.
func (m *Manager) Schedule(e Entry) {
	select {
	case m.queue <- e:
	default:
		atomic.AddInt64(&m.dropped, 1)
		m.log.Warn("accounting_queue_full",
			slog.String("project_id", e.ProjectID),
			slog.Int64("tokens", e.Tokens),
		)
	}
}

// Dropped reports how many entries have been dropped due to a full queue.
func (m *Manager) Dropped() int64 {
	return atomic.LoadInt64(&m.dropped)
}

// Close waits for queued entries to drain. Callers must stop calling
// Schedule before calling Close.
func (m *Manager) Close() {
	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()

	for e := range m.queue {
		m.applyWithRetry(e)
	}
}

func (m *Manager) applyWithRetry(e Entry) {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := m.rec.Record(ctx, e.ProjectID, e.Tokens)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if attempt < retryAttempts {
			time.Sleep(retryDelay)
		}
	}

	m.log.Warn("accounting_record_failed",
		slog.String("project_id", e.ProjectID),
		slog.Int64("tokens", e.Tokens),
		slog.String("error", lastErr.Error()),
		slog.Int("attempts", retryAttempts),
	)
}
