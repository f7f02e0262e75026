package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
)

// AsyncRecorder hands records to a single background worker so that
// callers on the delivery path never wait for the backing store. Records
// are dropped when the queue is full.
type AsyncRecorder struct {
	next    Recorder
	ch      chan func(ctx context.Context) error
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewAsyncRecorder(next Recorder, queueSize int, timeout time.Duration) *AsyncRecorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &AsyncRecorder{
		next:    next,
		ch:      make(chan func(ctx context.Context) error, queueSize),
		timeout: timeout,
	}
	a.wg.Add(1)
	go a.startWorker()
	return a
}

func (a *AsyncRecorder) startWorker() {
	defer a.wg.Done()
	for job := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := job(ctx); err != nil {
			logger.WarnF("Fail to write audit record, details: %v", err)
		}
		cancel()
	}
}

func (a *AsyncRecorder) enqueue(job func(ctx context.Context) error) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- job:
	default:
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			logger.WarnF("Audit queue full, %d records dropped so far", n)
		}
	}
	return nil
}

func (a *AsyncRecorder) RecordSession(_ context.Context, record SessionRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordSession(ctx, record) })
}

func (a *AsyncRecorder) RecordPublish(_ context.Context, record PublishRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordPublish(ctx, record) })
}

func (a *AsyncRecorder) RecordDelivery(_ context.Context, record DeliveryRecord) error {
	return a.enqueue(func(ctx context.Context) error { return a.next.RecordDelivery(ctx, record) })
}

func (a *AsyncRecorder) Dropped() uint64 {
	return a.dropped.Load()
}

// Close flushes queued records and closes the wrapped recorder.
func (a *AsyncRecorder) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.next.Close(ctx)
}

// Invoke lets the recorder be registered as a shutdown hook.
func (a *AsyncRecorder) Invoke(ctx context.Context) error {
	return a.Close(ctx)
}
