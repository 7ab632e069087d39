// Package retry wraps fallible operations with exponential backoff and a
// single-shot session-refresh recovery path. Classification lives in the
// errs package; refresh logic is supplied by the caller as a hook, so this
// package stays free of any platform knowledge.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"carhive/ingest-service/internal/errs"
)

// Options tunes one WithRetry call.
type Options struct {
	MaxRetries int           // retry budget for retryable-class errors
	BaseDelay  time.Duration // first backoff delay, doubled each attempt
	MaxDelay   time.Duration // clamp for the computed delay

	// OnSessionExpired, when set, is invoked at most once per WithRetry call
	// if the operation fails with a session-expired error. A successful
	// refresh re-runs the same attempt without consuming retry budget; a
	// failed refresh (or a second expiry) is fatal.
	OnSessionExpired func(ctx context.Context) error

	Log *logrus.Logger
}

// Defaults for list-scope fetches. Detail fetches use a longer base delay
// (billable calls prefer fewer, more deliberate retries).
const (
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = 500 * time.Millisecond
	DefaultDetailBaseDelay = 2 * time.Second
	DefaultMaxDelay        = 30 * time.Second
)

func (o *Options) fill() {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// WithRetry runs op, classifying each failure:
//
//   - session-expired: invoke OnSessionExpired once, then re-run the same
//     attempt; a second expiry or a refresh failure propagates as fatal.
//   - retryable (network, 5xx): sleep min(base·2^attempt·(1+jitter), max)
//     and retry, up to MaxRetries; exhaustion yields MAX_RETRIES_EXCEEDED.
//   - anything else: propagate immediately.
//
// op runs at most MaxRetries+1 times, plus at most one refresh re-run.
func WithRetry[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts.fill()
	var zero T
	refreshed := false

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if errs.IsSessionExpired(err) {
			if opts.OnSessionExpired == nil || refreshed {
				opts.Log.WithField("attempt", attempt).
					Warn("session expired and no refresh available — giving up")
				return zero, err
			}
			opts.Log.WithField("attempt", attempt).Info("session expired — refreshing once")
			if rerr := opts.OnSessionExpired(ctx); rerr != nil {
				return zero, errs.Wrap(errs.ClassSessionExpired, "session refresh failed", rerr)
			}
			refreshed = true
			attempt-- // the refreshed re-run does not consume retry budget
			continue
		}

		if !errs.IsRetryable(err) {
			opts.Log.WithError(err).WithField("attempt", attempt).
				Debug("non-retryable error — propagating")
			return zero, err
		}

		if attempt >= opts.MaxRetries {
			opts.Log.WithError(err).WithField("attempts", attempt+1).
				Warn("retry budget exhausted")
			return zero, errs.Wrap(errs.ClassMaxRetries, "retry budget exhausted", err)
		}

		delay := Backoff(attempt, opts.BaseDelay, opts.MaxDelay)
		opts.Log.WithFields(logrus.Fields{
			"attempt": attempt,
			"class":   errs.ClassOf(err),
			"delay":   delay,
		}).Info("retryable error — backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Backoff computes min(base · 2^attempt · (1 + jitter), max) with
// jitter drawn uniformly from [0, 0.25).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max { // overflow guard on the shift
		return max
	}
	d = time.Duration(float64(d) * (1 + rand.Float64()*0.25))
	if d > max {
		return max
	}
	return d
}
