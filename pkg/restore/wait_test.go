package restore

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openrestore/openrestore/pkg/telemetry"
)

// scrapeMetrics renders the metrics endpoint into text exposition format.
func scrapeMetrics(t *testing.T, m *telemetry.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestWaitForReachesTerminalState(t *testing.T) {
	polls := 0
	err := waitFor(context.Background(), nil, "thing", time.Millisecond, time.Second,
		func(context.Context) (bool, error) {
			polls++
			return polls >= 3, nil
		})
	if err != nil {
		t.Fatalf("waitFor error = %v", err)
	}
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
}

func TestWaitForTimeout(t *testing.T) {
	err := waitFor(context.Background(), nil, "stuck thing", time.Millisecond, 10*time.Millisecond,
		func(context.Context) (bool, error) { return false, nil })
	if !IsTimeout(err) {
		t.Fatalf("waitFor error = %v, want timeout", err)
	}
}

func TestWaitForPropagatesErrors(t *testing.T) {
	boom := NewNotFoundError("gone mid-wait", nil)
	err := waitFor(context.Background(), nil, "thing", time.Millisecond, time.Second,
		func(context.Context) (bool, error) { return false, boom })
	if !IsNotFound(err) {
		t.Fatalf("waitFor error = %v, want the poll error", err)
	}
}

func TestWaitForAbsorbsThrottling(t *testing.T) {
	polls := 0
	err := waitFor(context.Background(), nil, "thing", time.Millisecond, time.Second,
		func(context.Context) (bool, error) {
			polls++
			if polls == 1 {
				return false, NewThrottledError("rate limited", nil)
			}
			return true, nil
		})
	if err != nil {
		t.Fatalf("waitFor error = %v, want throttling absorbed", err)
	}
}

func TestWaitForCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := waitFor(ctx, nil, "thing", time.Minute, time.Hour,
		func(context.Context) (bool, error) { return false, nil })
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("waitFor error = %v, want context cancellation", err)
	}
}

func TestRetryThrottledRetriesOnlyThrottling(t *testing.T) {
	t.Run("eventually succeeds", func(t *testing.T) {
		attempts := 0
		err := retryThrottled(context.Background(), nil, 3, func(context.Context) error {
			attempts++
			if attempts == 1 {
				return NewThrottledError("rate limited", nil)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("retryThrottled error = %v", err)
		}
		if attempts != 2 {
			t.Fatalf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("other errors propagate immediately", func(t *testing.T) {
		attempts := 0
		boom := NewPermissionError("denied", nil)
		err := retryThrottled(context.Background(), nil, 3, func(context.Context) error {
			attempts++
			return boom
		})
		if !IsPermission(err) {
			t.Fatalf("retryThrottled error = %v, want the permission error", err)
		}
		if attempts != 1 {
			t.Fatalf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("gives up after budget", func(t *testing.T) {
		attempts := 0
		err := retryThrottled(context.Background(), nil, 1, func(context.Context) error {
			attempts++
			return NewThrottledError("rate limited", nil)
		})
		if !IsThrottled(err) {
			t.Fatalf("retryThrottled error = %v, want throttled", err)
		}
		if attempts != 2 {
			t.Fatalf("attempts = %d, want initial try plus one retry", attempts)
		}
	})
}

func TestWaitForObservesDuration(t *testing.T) {
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true})
	err := waitFor(context.Background(), m, "volume vol-1 availability", time.Millisecond, time.Second,
		func(context.Context) (bool, error) { return true, nil })
	if err != nil {
		t.Fatalf("waitFor error = %v", err)
	}

	body := scrapeMetrics(t, m)
	if !strings.Contains(body, `openrestore_wait_duration_seconds_count{resource="volume"} 1`) {
		t.Fatalf("wait duration not observed:\n%s", body)
	}
}

func TestWaitForDoesNotObserveTimeouts(t *testing.T) {
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true})
	err := waitFor(context.Background(), m, "volume vol-1 availability", time.Millisecond, 10*time.Millisecond,
		func(context.Context) (bool, error) { return false, nil })
	if !IsTimeout(err) {
		t.Fatalf("waitFor error = %v, want timeout", err)
	}
	if strings.Contains(scrapeMetrics(t, m), `wait_duration_seconds_count`) {
		t.Fatal("timed-out wait observed as completed")
	}
}

func TestRetryThrottledCountsRetries(t *testing.T) {
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true})
	attempts := 0
	err := retryThrottled(context.Background(), m, 1, func(context.Context) error {
		attempts++
		if attempts == 1 {
			return NewThrottledError("rate limited", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryThrottled error = %v", err)
	}

	body := scrapeMetrics(t, m)
	if !strings.Contains(body, "openrestore_throttle_retries_total 1") {
		t.Fatalf("throttle retry not counted:\n%s", body)
	}
}

func TestWaitResource(t *testing.T) {
	tests := []struct {
		what string
		want string
	}{
		{"volume vol-1 availability", "volume"},
		{"instance i-0abc stop", "instance"},
		{"snapshot snap-1 completion", "snapshot"},
		{"command cmd-1 completion", "command"},
		{"bare", "bare"},
	}
	for _, tt := range tests {
		if got := waitResource(tt.what); got != tt.want {
			t.Fatalf("waitResource(%q) = %q, want %q", tt.what, got, tt.want)
		}
	}
}

func TestThrottleBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		delay := throttleBackoff(attempt)
		if delay <= 0 {
			t.Fatalf("throttleBackoff(%d) = %v, want positive", attempt, delay)
		}
		if delay > 75*time.Second {
			t.Fatalf("throttleBackoff(%d) = %v, exceeds cap", attempt, delay)
		}
	}
}

func TestWaitSettingsDefaults(t *testing.T) {
	w := WaitSettings{PollInterval: time.Second}.withDefaults()
	if w.PollInterval != time.Second {
		t.Fatalf("withDefaults overwrote an explicit value: %v", w.PollInterval)
	}
	d := DefaultWaitSettings()
	if w.SnapshotTimeout != d.SnapshotTimeout || w.DetachRetries != d.DetachRetries {
		t.Fatalf("withDefaults did not fill zero values: %+v", w)
	}
}
