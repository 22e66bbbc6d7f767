package restore

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// WaitSettings bounds the polling waits and retries of a restore run.
// Every suspension point in the engines is a poll against one of these
// budgets; there are no unbounded waits.
type WaitSettings struct {
	// PollInterval is the delay between state polls.
	PollInterval time.Duration

	// SnapshotTimeout bounds waiting for a snapshot to complete.
	SnapshotTimeout time.Duration

	// VolumeTimeout bounds waiting for a volume state transition.
	VolumeTimeout time.Duration

	// InstanceTimeout bounds waiting for an instance state transition.
	InstanceTimeout time.Duration

	// CommandTimeout is the default budget for awaiting a remote command when
	// the command spec does not carry its own.
	CommandTimeout time.Duration

	// DetachRetries is how many forced detachments are attempted after a
	// busy attachment point before giving up.
	DetachRetries int

	// ThrottleRetries is how many times a throttled cloud call is retried
	// before the throttling error propagates.
	ThrottleRetries int
}

// DefaultWaitSettings returns the wait budgets used when none are configured.
func DefaultWaitSettings() WaitSettings {
	return WaitSettings{
		PollInterval:    5 * time.Second,
		SnapshotTimeout: 5 * time.Minute,
		VolumeTimeout:   5 * time.Minute,
		InstanceTimeout: 5 * time.Minute,
		CommandTimeout:  5 * time.Minute,
		DetachRetries:   3,
		ThrottleRetries: 5,
	}
}

func (w WaitSettings) withDefaults() WaitSettings {
	d := DefaultWaitSettings()
	if w.PollInterval <= 0 {
		w.PollInterval = d.PollInterval
	}
	if w.SnapshotTimeout <= 0 {
		w.SnapshotTimeout = d.SnapshotTimeout
	}
	if w.VolumeTimeout <= 0 {
		w.VolumeTimeout = d.VolumeTimeout
	}
	if w.InstanceTimeout <= 0 {
		w.InstanceTimeout = d.InstanceTimeout
	}
	if w.CommandTimeout <= 0 {
		w.CommandTimeout = d.CommandTimeout
	}
	if w.DetachRetries <= 0 {
		w.DetachRetries = d.DetachRetries
	}
	if w.ThrottleRetries <= 0 {
		w.ThrottleRetries = d.ThrottleRetries
	}
	return w
}

// waitFor polls fn until it reports done, the timeout elapses, or the context
// is cancelled. fn errors propagate immediately except throttling, which is
// absorbed into the next poll. A timeout produces a TimeoutError naming what
// was being awaited. Completed waits are observed on metrics, keyed by the
// leading resource noun of what ("volume vol-1 availability" counts as
// "volume"); metrics may be nil.
func waitFor(ctx context.Context, metrics *telemetry.Metrics, what string, interval, timeout time.Duration, fn func(ctx context.Context) (bool, error)) error {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		done, err := fn(ctx)
		if err != nil && !IsThrottled(err) {
			return err
		}
		if err == nil && done {
			metrics.WaitObserved(waitResource(what), time.Since(start))
			return nil
		}
		if time.Now().After(deadline) {
			return NewTimeoutError(
				fmt.Sprintf("%s did not reach terminal state within %s", what, timeout), nil).
				WithOperation("wait")
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return NewInternalError("wait cancelled", ctx.Err()).WithOperation("wait")
		}
	}
}

// waitResource reduces a wait description to its resource noun for the
// metrics label, keeping label cardinality bounded.
func waitResource(what string) string {
	if i := strings.IndexByte(what, ' '); i > 0 {
		return what[:i]
	}
	return what
}

// retryThrottled runs fn, retrying with exponential backoff while the error is
// classified as throttled. Non-throttling errors propagate immediately. Each
// retry is counted on metrics, which may be nil.
func retryThrottled(ctx context.Context, metrics *telemetry.Metrics, maxRetries int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsThrottled(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}
		metrics.ThrottleRetry()
		select {
		case <-time.After(throttleBackoff(attempt)):
		case <-ctx.Done():
			return NewInternalError("retry cancelled", ctx.Err())
		}
	}
}

// throttleBackoff computes exponential backoff with jitter for throttled
// calls: 1s base, doubled per attempt, capped at one minute, ±25% jitter.
func throttleBackoff(attempt int) time.Duration {
	delay := time.Second * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay*3/4 + jitter
}
