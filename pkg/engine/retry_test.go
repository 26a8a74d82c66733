package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func retrySettings() config.RetrySettings {
	return config.RetrySettings{
		MaxAttempts:         3,
		InitialDelaySeconds: 1.0,
		MaxDelaySeconds:     60.0,
		ExponentialBase:     2.0,
		Jitter:              false,
	}
}

// fakeSleep records the schedule instead of waiting.
func fakeSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func retryableErr(msg string) error {
	return &contracts.PluginInvocationError{
		Plugin:    "demo",
		NodeID:    "node-1",
		Retryable: true,
		Err:       errors.New(msg),
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	m := NewRetryManager(retrySettings(), nil, nil)
	m.sleep = fakeSleep(&delays)

	attempts := []int{}
	err := m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return retryableErr("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	// Attempts are 0-based so each one audits under its own node state.
	assert.Equal(t, []int{0, 1, 2}, attempts)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays)
}

func TestRetryExhaustionWrapsLastError(t *testing.T) {
	var delays []time.Duration
	var events []contracts.Event
	m := NewRetryManager(retrySettings(), func(ev contracts.Event) { events = append(events, ev) }, nil)
	m.sleep = fakeSleep(&delays)

	calls := 0
	err := m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(int) error {
		calls++
		return retryableErr("still down")
	})

	var exceeded *contracts.MaxRetriesExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.Attempts)
	assert.ErrorContains(t, exceeded.LastErr, "still down")
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)

	// Two scheduled retries plus the exhaustion event.
	require.Len(t, events, 3)
	last, ok := events[2].(contracts.RetryScheduledEvent)
	require.True(t, ok)
	assert.True(t, last.Exceeded)
}

func TestRetryNonRetryableFailsImmediately(t *testing.T) {
	var delays []time.Duration
	m := NewRetryManager(retrySettings(), nil, nil)
	m.sleep = fakeSleep(&delays)

	permanent := errors.New("schema violation")
	calls := 0
	err := m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(int) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
}

func TestRetryExponentialBaseReachesBackoff(t *testing.T) {
	// Regression: the configured base must become the backoff multiplier,
	// not the library default of 1.5.
	settings := retrySettings()
	settings.MaxAttempts = 4
	settings.ExponentialBase = 3.0

	var delays []time.Duration
	m := NewRetryManager(settings, nil, nil)
	m.sleep = fakeSleep(&delays)

	err := m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(int) error {
		return retryableErr("flaky")
	})
	var exceeded *contracts.MaxRetriesExceeded
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}, delays)
}

func TestRetryDelayCapped(t *testing.T) {
	settings := retrySettings()
	settings.MaxAttempts = 5
	settings.InitialDelaySeconds = 10.0
	settings.MaxDelaySeconds = 15.0

	var delays []time.Duration
	m := NewRetryManager(settings, nil, nil)
	m.sleep = fakeSleep(&delays)

	_ = m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(int) error {
		return retryableErr("flaky")
	})
	require.Len(t, delays, 4)
	assert.Equal(t, 10*time.Second, delays[0])
	for _, d := range delays[1:] {
		assert.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestRetryCancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewRetryManager(retrySettings(), nil, nil)
	m.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := m.Execute(ctx, "run-1", "node-1", "tok-1", func(int) error {
		return retryableErr("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryCapacityErrorIsRetryable(t *testing.T) {
	var delays []time.Duration
	m := NewRetryManager(retrySettings(), nil, nil)
	m.sleep = fakeSleep(&delays)

	calls := 0
	err := m.Execute(context.Background(), "run-1", "node-1", "tok-1", func(int) error {
		calls++
		if calls == 1 {
			return &contracts.CapacityError{Service: "warehouse", Err: errors.New("429")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
