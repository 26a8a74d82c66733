package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// stateVersion guards the persisted format. Unknown versions are discarded,
// never migrated; buckets refill within a minute anyway.
const stateVersion = "1.0"

// lockTimeout bounds how long restore and Close wait for the state file
// lock when another process holds it.
const lockTimeout = 2 * time.Second

type persistedState struct {
	Version  string                     `json:"_version"`
	SavedAt  time.Time                  `json:"saved_at"`
	Services map[string]persistedBucket `json:"services"`
}

type persistedBucket struct {
	RPM       int       `json:"requests_per_minute"`
	Tokens    float64   `json:"tokens"`
	Factor    float64   `json:"factor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// restore loads bucket state saved by a previous process. Failures degrade
// to a fresh start: stale rate state is never worth failing a run over.
func (r *Registry) restore() {
	path := r.settings.PersistencePath
	lock, err := acquireStateLock(path)
	if err != nil {
		r.logger.Warn("rate limit state locked by another process, starting fresh",
			"path", path, "error", err)
		return
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("failed to read rate limit state, starting fresh",
				"path", path, "error", err)
		}
		return
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Warn("corrupt rate limit state, starting fresh",
			"path", path, "error", err)
		return
	}
	if state.Version != stateVersion {
		r.logger.Warn("rate limit state version mismatch, starting fresh",
			"path", path, "found", state.Version, "expected", stateVersion)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for service, saved := range state.Services {
		// Only honor state for services still under a limit; the current
		// configuration defines the budget, the file only the spend.
		limit := r.settings.ServiceLimit(service)
		if limit <= 0 {
			continue
		}
		b := &bucket{
			rpm:     limit,
			tokens:  saved.Tokens,
			factor:  saved.Factor,
			updated: saved.UpdatedAt,
		}
		if b.factor <= 0 || b.factor > 1 {
			b.factor = 1
		}
		if b.tokens < 0 {
			b.tokens = 0
		}
		r.buckets[service] = b
	}
}

// Close persists bucket state for the next process. Safe to call when
// persistence is disabled.
func (r *Registry) Close() error {
	if !r.settings.Enabled || r.settings.PersistencePath == "" {
		return nil
	}

	r.mu.Lock()
	state := persistedState{
		Version:  stateVersion,
		SavedAt:  r.now(),
		Services: make(map[string]persistedBucket, len(r.buckets)),
	}
	for service, b := range r.buckets {
		r.refill(b)
		state.Services[service] = persistedBucket{
			RPM:       b.rpm,
			Tokens:    b.tokens,
			Factor:    b.factor,
			UpdatedAt: b.updated,
		}
	}
	r.mu.Unlock()

	path := r.settings.PersistencePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create rate limit state directory: %w", err)
	}
	lock, err := acquireStateLock(path)
	if err != nil {
		return fmt.Errorf("failed to lock rate limit state file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rate limit state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write rate limit state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace rate limit state: %w", err)
	}
	return nil
}

// acquireStateLock takes an exclusive advisory lock on the state file's
// sibling lock file. The lock file is separate so replacing the state file
// atomically does not release the lock mid-write.
func acquireStateLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errors.New("lock acquisition timed out")
	}
	return lock, nil
}
