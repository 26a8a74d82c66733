package ratelimit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/config"
)

func enabledSettings(defaultRPM int) config.RateLimitSettings {
	return config.RateLimitSettings{
		Enabled:                  true,
		DefaultRequestsPerMinute: defaultRPM,
	}
}

func TestAcquireDisabledRegistryGrantsImmediately(t *testing.T) {
	r := NewRegistry(config.RateLimitSettings{Enabled: false}, nil)
	release, err := r.Acquire(context.Background(), "anything")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
	assert.Empty(t, r.buckets)
}

func TestAcquireUnlimitedServiceGrantsImmediately(t *testing.T) {
	settings := enabledSettings(0)
	settings.Services = map[string]config.ServiceRateLimit{
		"metered": {RequestsPerMinute: 10},
	}
	r := NewRegistry(settings, nil)

	// No default and no override means no budget to enforce.
	release, err := r.Acquire(context.Background(), "unmetered")
	require.NoError(t, err)
	release()
	assert.Empty(t, r.buckets)
}

func TestAcquireConsumesBurstThenWaits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewRegistry(enabledSettings(60), nil)
	r.now = func() time.Time { return now }

	// A fresh bucket carries a full minute of burst.
	for i := 0; i < 60; i++ {
		wait, ok := r.take("svc", 60)
		require.True(t, ok, "call %d should be within burst", i)
		assert.Zero(t, wait)
	}

	// Burst spent: the next token is due in one second at 60 rpm.
	wait, ok := r.take("svc", 60)
	require.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(50*time.Millisecond))

	// Advancing the clock refills.
	now = now.Add(2 * time.Second)
	wait, ok = r.take("svc", 60)
	require.True(t, ok)
	assert.Zero(t, wait)
}

func TestAcquireRespectsServiceOverride(t *testing.T) {
	settings := enabledSettings(60)
	settings.Services = map[string]config.ServiceRateLimit{
		"slow": {RequestsPerMinute: 2},
	}
	now := time.Unix(1700000000, 0)
	r := NewRegistry(settings, nil)
	r.now = func() time.Time { return now }

	_, ok := r.take("slow", settings.ServiceLimit("slow"))
	require.True(t, ok)
	_, ok = r.take("slow", settings.ServiceLimit("slow"))
	require.True(t, ok)

	// Two per minute: third call waits ~30s.
	wait, ok := r.take("slow", settings.ServiceLimit("slow"))
	require.False(t, ok)
	assert.InDelta(t, float64(30*time.Second), float64(wait), float64(time.Second))
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	settings := enabledSettings(1)
	r := NewRegistry(settings, nil)

	// Drain the single-token burst.
	release, err := r.Acquire(context.Background(), "svc")
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "svc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThrottleHalvesEffectiveRate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewRegistry(enabledSettings(60), nil)
	r.now = func() time.Time { return now }

	_, ok := r.take("svc", 60)
	require.True(t, ok)

	r.Throttle("svc")
	assert.Equal(t, uint64(1), r.ThrottleCount())

	b := r.buckets["svc"]
	assert.Equal(t, 0.5, b.factor)
	assert.Zero(t, b.tokens)

	// Halved rate: one token every two seconds instead of every one.
	wait, ok := r.take("svc", 60)
	require.False(t, ok)
	assert.InDelta(t, float64(2*time.Second), float64(wait), float64(100*time.Millisecond))
}

func TestThrottleFloorsAtMinimumFactor(t *testing.T) {
	r := NewRegistry(enabledSettings(60), nil)
	for i := 0; i < 20; i++ {
		r.Throttle("svc")
	}
	assert.Equal(t, minFactor, r.buckets["svc"].factor)
	assert.Equal(t, uint64(20), r.ThrottleCount())
}

func TestReleaseRecoversThrottledRate(t *testing.T) {
	r := NewRegistry(enabledSettings(60), nil)
	r.Throttle("svc")
	require.Equal(t, 0.5, r.buckets["svc"].factor)

	release := r.releaseFunc("svc")
	release()
	assert.InDelta(t, 0.55, r.buckets["svc"].factor, 1e-9)

	// Double invocation is a no-op.
	release()
	assert.InDelta(t, 0.55, r.buckets["svc"].factor, 1e-9)

	// Recovery caps at the configured budget.
	for i := 0; i < 20; i++ {
		r.releaseFunc("svc")()
	}
	assert.Equal(t, 1.0, r.buckets["svc"].factor)
}

func TestThrottleIgnoresUnmeteredService(t *testing.T) {
	r := NewRegistry(enabledSettings(0), nil)
	r.Throttle("svc")
	assert.Empty(t, r.buckets)
	assert.Zero(t, r.ThrottleCount())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ratelimit.json")
	settings := enabledSettings(60)
	settings.PersistencePath = path

	now := time.Unix(1700000000, 0)
	first := NewRegistry(settings, nil)
	first.now = func() time.Time { return now }
	for i := 0; i < 50; i++ {
		_, ok := first.take("svc", 60)
		require.True(t, ok)
	}
	first.Throttle("other")
	require.NoError(t, first.Close())

	second := NewRegistry(settings, nil)
	second.now = func() time.Time { return now }

	// Spend carries over: 10 tokens left on svc, throttle factor on other.
	b := second.buckets["svc"]
	require.NotNil(t, b)
	assert.InDelta(t, 10, b.tokens, 0.01)
	assert.InDelta(t, 0.5, second.buckets["other"].factor, 1e-9)
}

func TestRestoreSkipsServicesNoLongerLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	settings := enabledSettings(60)
	settings.PersistencePath = path

	first := NewRegistry(settings, nil)
	_, ok := first.take("svc", 60)
	require.True(t, ok)
	require.NoError(t, first.Close())

	unlimited := enabledSettings(0)
	unlimited.PersistencePath = path
	second := NewRegistry(unlimited, nil)
	assert.Empty(t, second.buckets)
}

func TestRestoreIgnoresCorruptState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ratelimit.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	settings := enabledSettings(60)
	settings.PersistencePath = path
	r := NewRegistry(settings, nil)
	assert.Empty(t, r.buckets)

	// Fresh buckets work despite the corrupt file.
	_, ok := r.take("svc", 60)
	assert.True(t, ok)
}

func TestRestoreIgnoresVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ratelimit.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"_version":"0.9","services":{"svc":{"tokens":1}}}`), 0o644))

	settings := enabledSettings(60)
	settings.PersistencePath = path
	r := NewRegistry(settings, nil)
	assert.Empty(t, r.buckets)
}

func TestCloseWithoutPersistencePathIsNoop(t *testing.T) {
	r := NewRegistry(enabledSettings(60), nil)
	_, ok := r.take("svc", 60)
	require.True(t, ok)
	assert.NoError(t, r.Close())
}
