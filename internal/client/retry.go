package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/life-stream-dev/life-stream-go-file-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-file-broker/internal/protocol"
)

// RetryPolicy controls reconnection after transport failures.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
	// MaxRetries is the number of consecutive failed attempts tolerated.
	// Zero retries forever.
	MaxRetries uint64
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.MaxRetries > 0 {
		b = retry.WithMaxRetries(p.MaxRetries, b)
	}
	return b
}

// SubscribeWithRetry keeps a subscription to topic alive. Connection
// failures and server-side closes are retried with exponential backoff;
// protocol and sink errors end the subscription. The backoff starts over
// whenever an attempt received at least one file.
func SubscribeWithRetry(ctx context.Context, addr, topic string, sink Sink, onFile func(File) error, policy RetryPolicy, opts ...Option) error {
	var progressed atomic.Bool
	b := policy.backoff()
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if progressed.Swap(false) {
			b = policy.backoff()
		}
		return b.Next()
	})

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := Subscribe(ctx, addr, topic, sink, func(f File) error {
			progressed.Store(true)
			if onFile == nil {
				return nil
			}
			if err := onFile(f); err != nil {
				return &callbackError{err: err}
			}
			return nil
		}, opts...)
		if err == nil || ctx.Err() != nil {
			return err
		}
		var fileErr *callbackError
		if errors.As(err, &fileErr) || errors.Is(err, ErrSink) {
			return err
		}
		if protocol.Classify(err).Retryable() {
			logger.WarnF("Subscription to %q on %s failed (attempt %d), details: %v", topic, addr, attempt, err)
			return retry.RetryableError(err)
		}
		return err
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var fileErr *callbackError
	if errors.As(err, &fileErr) {
		return fileErr.err
	}
	return err
}

// callbackError marks errors returned by the caller's onFile so they are
// never retried.
type callbackError struct {
	err error
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }
