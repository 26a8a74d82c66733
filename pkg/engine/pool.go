package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

// PoolConfig sizes a PooledExecutor and its AIMD throttle.
type PoolConfig struct {
	// PoolSize caps concurrent in-flight work items.
	PoolSize int

	// MaxCapacityRetrySeconds bounds how long one item keeps retrying
	// capacity errors before its slot gives up.
	MaxCapacityRetrySeconds float64

	// MinDispatchDelayMS spaces consecutive dispatches across all workers
	// so a fresh batch cannot burst a saturated service.
	MinDispatchDelayMS float64

	Throttle ThrottleConfig
}

// ThrottleConfig tunes the AIMD schedule.
type ThrottleConfig struct {
	// InitialDelayMS seeds the backoff after the first capacity error.
	InitialDelayMS float64
	// Multiplier scales the delay per further capacity error.
	Multiplier float64
	// DecreaseMS is subtracted from the delay per success.
	DecreaseMS float64
	MaxDelayMS float64
}

// DefaultPoolConfig returns the schedule used when a pipeline only sets the
// worker count.
func DefaultPoolConfig(poolSize int) PoolConfig {
	if poolSize < 1 {
		poolSize = 1
	}
	return PoolConfig{
		PoolSize:                poolSize,
		MaxCapacityRetrySeconds: 300,
		MinDispatchDelayMS:      0,
		Throttle: ThrottleConfig{
			InitialDelayMS: 200,
			Multiplier:     2.0,
			DecreaseMS:     50,
			MaxDelayMS:     30_000,
		},
	}
}

// ThrottleStats is a snapshot of the AIMD state for audit recording.
type ThrottleStats struct {
	CapacityRetries int
	Successes       int
	CurrentDelayMS  float64
	PeakDelayMS     float64
	TotalWaitMS     float64
}

// AIMDThrottle adapts a shared dispatch delay: a capacity error multiplies
// it, a success subtracts from it. Additive increase and multiplicative
// decrease of the effective request rate.
type AIMDThrottle struct {
	cfg ThrottleConfig

	mu              sync.Mutex
	delayMS         float64
	peakMS          float64
	capacityRetries int
	successes       int
	totalWaitMS     float64
}

// NewAIMDThrottle builds a throttle starting at zero delay.
func NewAIMDThrottle(cfg ThrottleConfig) *AIMDThrottle {
	return &AIMDThrottle{cfg: cfg}
}

// OnSuccess eases the delay additively toward zero.
func (t *AIMDThrottle) OnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes++
	t.delayMS -= t.cfg.DecreaseMS
	if t.delayMS < 0 {
		t.delayMS = 0
	}
}

// OnCapacityError backs the delay off multiplicatively.
func (t *AIMDThrottle) OnCapacityError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacityRetries++
	if t.delayMS <= 0 {
		t.delayMS = t.cfg.InitialDelayMS
	} else {
		t.delayMS *= t.cfg.Multiplier
	}
	if t.cfg.MaxDelayMS > 0 && t.delayMS > t.cfg.MaxDelayMS {
		t.delayMS = t.cfg.MaxDelayMS
	}
	if t.delayMS > t.peakMS {
		t.peakMS = t.delayMS
	}
}

// CurrentDelayMS returns the delay in force.
func (t *AIMDThrottle) CurrentDelayMS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delayMS
}

// RecordWait accumulates time actually spent throttled.
func (t *AIMDThrottle) RecordWait(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalWaitMS += ms
}

// Stats snapshots the throttle for audit recording.
func (t *AIMDThrottle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThrottleStats{
		CapacityRetries: t.capacityRetries,
		Successes:       t.successes,
		CurrentDelayMS:  t.delayMS,
		PeakDelayMS:     t.peakMS,
		TotalWaitMS:     t.totalWaitMS,
	}
}

// PoolResult is one work item's outcome. Capacity exhaustion and permanent
// failures land in Err; the caller decides what a failed item means.
type PoolResult[T any] struct {
	Value T
	Err   error
}

// PoolStats summarizes one executor for audit recording.
type PoolStats struct {
	PoolSize                    int
	MaxConcurrentReached        int
	CapacityRetries             int
	Successes                   int
	CurrentDelayMS              float64
	PeakDelayMS                 float64
	TotalThrottleWaitMS         float64
	DispatchDelayAtCompletionMS float64
}

// Map renders the stats for an audit payload.
func (s PoolStats) Map() map[string]any {
	return map[string]any{
		"pool_size":                       s.PoolSize,
		"max_concurrent_reached":          s.MaxConcurrentReached,
		"capacity_retries":                s.CapacityRetries,
		"successes":                       s.Successes,
		"current_delay_ms":                s.CurrentDelayMS,
		"peak_delay_ms":                   s.PeakDelayMS,
		"total_throttle_time_ms":          s.TotalThrottleWaitMS,
		"dispatch_delay_at_completion_ms": s.DispatchDelayAtCompletionMS,
	}
}

// PooledExecutor runs independent work items concurrently while handing
// results back in submission order. Capacity errors back the whole pool off
// through the AIMD throttle; the item that hit one releases its slot while
// it waits, retries until its budget runs out, and only then fails.
//
// ExecuteBatch calls are serialized: the reorder buffer indexes one batch at
// a time, so interleaved batches would hand results to the wrong caller.
type PooledExecutor[T any] struct {
	cfg      PoolConfig
	throttle *AIMDThrottle
	logger   *slog.Logger

	sem     chan struct{}
	batchMu sync.Mutex

	// Dispatch gate: consecutive dispatches across all workers stay at
	// least MinDispatchDelayMS apart.
	gateMu       sync.Mutex
	lastDispatch time.Time

	// Optional external throttle signal (the rate-limit registry's
	// throttle count). An increase between samples counts as a capacity
	// signal.
	signalMu       sync.Mutex
	throttleSignal func() uint64
	lastSignal     uint64

	statsMu       sync.Mutex
	activeWorkers int
	maxConcurrent int
	delayAtFinish float64

	closed  chan struct{}
	closeMu sync.Once
}

// NewPooledExecutor builds an executor over the config.
func NewPooledExecutor[T any](cfg PoolConfig, logger *slog.Logger) *PooledExecutor[T] {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PooledExecutor[T]{
		cfg:      cfg,
		throttle: NewAIMDThrottle(cfg.Throttle),
		logger:   logger,
		sem:      make(chan struct{}, cfg.PoolSize),
		closed:   make(chan struct{}),
	}
}

// SetThrottleSignal installs a monotonic counter sampled before each
// dispatch. Observed increases back the pool off as if a capacity error had
// occurred; the rate-limit registry's throttle count plugs in here.
func (p *PooledExecutor[T]) SetThrottleSignal(fn func() uint64) {
	p.signalMu.Lock()
	defer p.signalMu.Unlock()
	p.throttleSignal = fn
	if fn != nil {
		p.lastSignal = fn()
	}
}

// Shutdown stops the executor; subsequent ExecuteBatch calls fail. In-flight
// batches finish normally since ExecuteBatch blocks its caller.
func (p *PooledExecutor[T]) Shutdown() {
	p.closeMu.Do(func() { close(p.closed) })
}

// Stats snapshots the pool for audit recording.
func (p *PooledExecutor[T]) Stats() PoolStats {
	ts := p.throttle.Stats()
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return PoolStats{
		PoolSize:                    p.cfg.PoolSize,
		MaxConcurrentReached:        p.maxConcurrent,
		CapacityRetries:             ts.CapacityRetries,
		Successes:                   ts.Successes,
		CurrentDelayMS:              ts.CurrentDelayMS,
		PeakDelayMS:                 ts.PeakDelayMS,
		TotalThrottleWaitMS:         ts.TotalWaitMS,
		DispatchDelayAtCompletionMS: p.delayAtFinish,
	}
}

// ExecuteBatch runs count work items concurrently and returns entries in
// submission order. Item errors are carried per entry; ExecuteBatch itself
// only fails on cancellation, shutdown, or a bookkeeping violation.
func (p *PooledExecutor[T]) ExecuteBatch(ctx context.Context, count int, work func(ctx context.Context, index int) (T, error)) ([]BufferEntry[PoolResult[T]], error) {
	if count == 0 {
		return nil, nil
	}
	select {
	case <-p.closed:
		return nil, errors.New("pooled executor is shut down")
	default:
	}

	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	p.statsMu.Lock()
	p.maxConcurrent = 0
	p.statsMu.Unlock()

	buffer := NewReorderBuffer[PoolResult[T]]()
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		idx := buffer.Submit()
		wg.Add(1)
		go func(slot, item int) {
			defer wg.Done()
			value, err := p.runOne(ctx, item, work)
			buffer.Complete(slot, PoolResult[T]{Value: value, Err: err})
		}(idx, i)
	}
	wg.Wait()

	entries := buffer.Ready()
	if len(entries) != count {
		return nil, contracts.NewFrameworkBug("pool-ordering",
			"pool returned %d entries for %d work items", len(entries), count)
	}

	p.statsMu.Lock()
	p.delayAtFinish = p.throttle.CurrentDelayMS()
	p.statsMu.Unlock()
	return entries, nil
}

// runOne executes a single item with capacity-error retry. The slot is
// acquired inside the worker, never by the dispatcher: a worker that
// releases its slot to wait out a backoff must be able to reacquire it
// without the dispatcher having handed every permit to queued work.
func (p *PooledExecutor[T]) runOne(ctx context.Context, index int, work func(ctx context.Context, index int) (T, error)) (T, error) {
	var zero T
	deadline := time.Now().Add(time.Duration(p.cfg.MaxCapacityRetrySeconds * float64(time.Second)))

	if err := p.acquire(ctx); err != nil {
		return zero, err
	}
	holding := true
	defer func() {
		if holding {
			p.release()
		}
	}()

	for {
		if err := p.waitDispatchGate(ctx); err != nil {
			return zero, err
		}
		p.sampleThrottleSignal()

		value, err := work(ctx, index)
		if err == nil {
			p.throttle.OnSuccess()
			return value, nil
		}
		if !contracts.IsRetryable(err) {
			return zero, err
		}
		if time.Now().After(deadline) {
			return zero, fmt.Errorf("capacity retry budget (%.0fs) exhausted: %w",
				p.cfg.MaxCapacityRetrySeconds, err)
		}

		p.throttle.OnCapacityError()

		// Release the slot while waiting so healthy workers keep moving.
		p.release()
		holding = false

		delayMS := p.throttle.CurrentDelayMS()
		if delayMS > 0 {
			if serr := sleepContext(ctx, time.Duration(delayMS*float64(time.Millisecond))); serr != nil {
				return zero, serr
			}
			p.throttle.RecordWait(delayMS)
		}

		if aerr := p.acquire(ctx); aerr != nil {
			return zero, aerr
		}
		holding = true
	}
}

func (p *PooledExecutor[T]) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.statsMu.Lock()
	p.activeWorkers++
	if p.activeWorkers > p.maxConcurrent {
		p.maxConcurrent = p.activeWorkers
	}
	p.statsMu.Unlock()
	return nil
}

func (p *PooledExecutor[T]) release() {
	p.statsMu.Lock()
	p.activeWorkers--
	p.statsMu.Unlock()
	<-p.sem
}

// waitDispatchGate holds dispatches MinDispatchDelayMS apart across all
// workers. The gate only enforces global pacing; AIMD backoff is the
// failing worker's personal cooldown and happens in runOne.
func (p *PooledExecutor[T]) waitDispatchGate(ctx context.Context) error {
	delay := time.Duration(p.cfg.MinDispatchDelayMS * float64(time.Millisecond))
	if delay <= 0 {
		return nil
	}

	var waited time.Duration
	for {
		p.gateMu.Lock()
		now := time.Now()
		if p.lastDispatch.IsZero() || now.Sub(p.lastDispatch) >= delay {
			p.lastDispatch = now
			p.gateMu.Unlock()
			break
		}
		remaining := delay - now.Sub(p.lastDispatch)
		p.gateMu.Unlock()

		// Sleep outside the lock so other workers can check the gate.
		if err := sleepContext(ctx, remaining); err != nil {
			return err
		}
		waited += remaining
	}

	if waited > 0 {
		p.throttle.RecordWait(float64(waited.Microseconds()) / 1000.0)
	}
	return nil
}

// sampleThrottleSignal folds external throttle observations into the AIMD
// schedule. One backoff per sample, however many signals arrived since.
func (p *PooledExecutor[T]) sampleThrottleSignal() {
	p.signalMu.Lock()
	fn := p.throttleSignal
	last := p.lastSignal
	p.signalMu.Unlock()
	if fn == nil {
		return
	}
	current := fn()
	if current > last {
		p.signalMu.Lock()
		p.lastSignal = current
		p.signalMu.Unlock()
		p.throttle.OnCapacityError()
	}
}
