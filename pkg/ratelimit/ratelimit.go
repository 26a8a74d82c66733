// Package ratelimit throttles calls to named external services. Plugins
// declare the service they call; the registry grants permission through
// per-service token buckets refilled at the configured requests-per-minute.
//
// The registry adapts to provider pushback: a throttle signal halves a
// service's effective rate, and each completed call nudges it back toward
// the configured budget. Bucket state can persist across runs so a process
// started right after another does not burst past a shared budget.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elspeth-io/elspeth/pkg/config"
)

const (
	// minFactor bounds multiplicative decrease so a service can always
	// recover instead of stalling at an effective rate of zero.
	minFactor = 0.05
	// recoveryStep is the additive increase applied per completed call.
	recoveryStep = 0.05
	// throttleDecay is the multiplicative decrease applied per throttle
	// signal.
	throttleDecay = 0.5
)

// Registry enforces per-service rate limits. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	settings config.RateLimitSettings
	logger   *slog.Logger
	now      func() time.Time

	throttles atomic.Uint64
}

// bucket is the state for one service. Effective rate is the configured
// requests-per-minute scaled by factor, which throttle signals shrink and
// completed calls restore.
type bucket struct {
	rpm     int
	tokens  float64
	factor  float64
	updated time.Time
}

// NewRegistry builds a registry from settings. When a persistence path is
// configured, previously saved bucket state is restored; a missing or
// unreadable state file starts fresh rather than failing the run.
func NewRegistry(settings config.RateLimitSettings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		buckets:  make(map[string]*bucket),
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
	if settings.Enabled && settings.PersistencePath != "" {
		r.restore()
	}
	return r
}

// Acquire blocks until service may make another call or ctx is cancelled.
// The returned release must be called when the call finishes; it feeds the
// rate-recovery side of the limiter. Disabled registries and services with
// a zero budget grant immediately.
func (r *Registry) Acquire(ctx context.Context, service string) (func(), error) {
	if !r.settings.Enabled {
		return func() {}, nil
	}
	limit := r.settings.ServiceLimit(service)
	if limit <= 0 {
		return func() {}, nil
	}

	for {
		wait, ok := r.take(service, limit)
		if ok {
			return r.releaseFunc(service), nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// take attempts to consume one token. On failure it returns how long to
// wait before the next token is due at the current effective rate.
func (r *Registry) take(service string, limit int) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.bucket(service, limit)
	r.refill(b)
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	perSecond := b.perSecond()
	wait := time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

// Throttle records provider pushback for a service: its effective rate is
// halved and its accumulated burst is forfeited. Executors call this when a
// plugin reports a rate-limit response.
func (r *Registry) Throttle(service string) {
	if !r.settings.Enabled {
		return
	}
	limit := r.settings.ServiceLimit(service)
	if limit <= 0 {
		return
	}
	r.mu.Lock()
	b := r.bucket(service, limit)
	r.refill(b)
	b.factor *= throttleDecay
	if b.factor < minFactor {
		b.factor = minFactor
	}
	b.tokens = 0
	factor := b.factor
	r.mu.Unlock()

	r.throttles.Add(1)
	r.logger.Warn("service throttled, reducing effective rate",
		"service", service,
		"requests_per_minute", limit,
		"factor", factor)
}

// ThrottleCount returns the total throttle signals seen. The worker pool
// polls this between adjustment ticks to back off concurrency alongside the
// per-service rates.
func (r *Registry) ThrottleCount() uint64 {
	return r.throttles.Load()
}

// releaseFunc builds the post-call hook for a service. Completed calls
// restore the effective rate one step toward the configured budget. The
// hook tolerates double invocation since callers often both defer it and
// call it explicitly on the happy path.
func (r *Registry) releaseFunc(service string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			b, ok := r.buckets[service]
			if !ok || b.factor >= 1 {
				return
			}
			b.factor += recoveryStep
			if b.factor > 1 {
				b.factor = 1
			}
		})
	}
}

// bucket returns the service's bucket, creating a full one on first use.
// Callers hold r.mu.
func (r *Registry) bucket(service string, limit int) *bucket {
	b, ok := r.buckets[service]
	if !ok {
		b = &bucket{
			rpm:     limit,
			tokens:  float64(limit),
			factor:  1,
			updated: r.now(),
		}
		r.buckets[service] = b
	}
	// Reconfigured limits take effect without losing adaptive state.
	b.rpm = limit
	return b
}

// refill credits tokens for time elapsed since the last update, capped at
// one minute of effective budget. Callers hold r.mu.
func (r *Registry) refill(b *bucket) {
	now := r.now()
	elapsed := now.Sub(b.updated).Seconds()
	if elapsed < 0 {
		// Clock went backwards (restored state from a skewed host).
		elapsed = 0
	}
	b.updated = now
	b.tokens += elapsed * b.perSecond()
	if ceiling := b.capacity(); b.tokens > ceiling {
		b.tokens = ceiling
	}
}

func (b *bucket) perSecond() float64 {
	return float64(b.rpm) * b.factor / 60
}

func (b *bucket) capacity() float64 {
	c := float64(b.rpm) * b.factor
	if c < 1 {
		c = 1
	}
	return c
}
