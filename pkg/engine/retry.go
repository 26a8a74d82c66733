package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// RetryManager reruns node invocations that raised transient errors. An
// error result returned by a plugin is a data decision and is never retried;
// only raised retryable errors come back through here. Every attempt records
// its own node state, so the audit trail shows the full history.
type RetryManager struct {
	settings config.RetrySettings
	emit     contracts.TelemetryFunc
	logger   *slog.Logger

	// sleep is replaced in tests so schedules can be asserted without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryManager builds a manager over the configured schedule. emit may be
// nil when telemetry is disabled.
func NewRetryManager(settings config.RetrySettings, emit contracts.TelemetryFunc, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryManager{
		settings: settings,
		emit:     emit,
		logger:   logger,
		sleep:    sleepContext,
	}
}

// MaxAttempts returns the configured attempt budget.
func (m *RetryManager) MaxAttempts() int { return m.settings.MaxAttempts }

// newBackOff builds the delay schedule for one invocation. MaxElapsedTime is
// disabled: the attempt budget bounds the loop, not wall time.
func (m *RetryManager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(m.settings.InitialDelaySeconds * float64(time.Second))
	bo.MaxInterval = time.Duration(m.settings.MaxDelaySeconds * float64(time.Second))
	bo.Multiplier = m.settings.ExponentialBase
	bo.RandomizationFactor = 0
	if m.settings.Jitter {
		bo.RandomizationFactor = 0.5
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Execute runs op until it succeeds, fails non-retryably, or exhausts the
// attempt budget. op receives the 0-based attempt number so each attempt can
// be audited under its own node state. Exhaustion returns MaxRetriesExceeded
// wrapping the last error; context cancellation aborts between attempts.
func (m *RetryManager) Execute(ctx context.Context, runID, nodeID, tokenID string, op func(attempt int) error) error {
	bo := m.newBackOff()
	var lastErr error

	for attempt := 0; attempt < m.settings.MaxAttempts; attempt++ {
		err := op(attempt)
		if err == nil {
			return nil
		}
		if !contracts.IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == m.settings.MaxAttempts-1 {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		if m.emit != nil {
			m.emit(contracts.RetryScheduledEvent{
				BaseEvent: contracts.NewBaseEvent(runID),
				NodeID:    nodeID,
				TokenID:   tokenID,
				Attempt:   attempt + 1,
				Delay:     delay,
				LastErr:   err.Error(),
			})
		}
		m.logger.Warn("retrying node after transient failure",
			"run_id", runID,
			"node_id", nodeID,
			"token_id", tokenID,
			"next_attempt", attempt+1,
			"delay", delay,
			"error", err)

		if serr := m.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	if m.emit != nil {
		m.emit(contracts.RetryScheduledEvent{
			BaseEvent: contracts.NewBaseEvent(runID),
			NodeID:    nodeID,
			TokenID:   tokenID,
			Attempt:   m.settings.MaxAttempts,
			LastErr:   lastErr.Error(),
			Exceeded:  true,
		})
	}
	return &contracts.MaxRetriesExceeded{Attempts: m.settings.MaxAttempts, LastErr: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
