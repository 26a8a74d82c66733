package payload

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

func TestMakeAndParseRef(t *testing.T) {
	ref := MakeRef([]byte("hello"))
	version, hash, err := ParseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, canonical.Version, version)
	assert.Len(t, hash, 64)
	assert.True(t, strings.HasPrefix(ref, canonical.Version+":"))

	// Same bytes, same ref.
	assert.Equal(t, ref, MakeRef([]byte("hello")))
	assert.NotEqual(t, ref, MakeRef([]byte("hello!")))
}

func TestParseRefRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		ref  string
	}{
		{"no separator", "deadbeef"},
		{"empty version", ":" + strings.Repeat("a", 64)},
		{"short hash", canonical.Version + ":abc"},
		{"non-hex hash", canonical.Version + ":" + strings.Repeat("g", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseRef(tt.ref)
			assert.ErrorContains(t, err, "malformed payload ref")
		})
	}
}

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	payload := []byte(`{"prompt":"hello"}`)
	ref, err := store.Put(ctx, payload)
	require.NoError(t, err)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Idempotent put returns the same ref.
	again, err := store.Put(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}

func TestFSStoreFanOutLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), []byte("fan out"))
	require.NoError(t, err)

	_, hash, err := ParseRef(ref)
	require.NoError(t, err)
	expected := filepath.Join(dir, hash[:2], hash[2:4], hash)
	_, statErr := os.Stat(expected)
	assert.NoError(t, statErr, "payload file lives under two-level fan-out")
}

func TestFSStoreGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ref := MakeRef([]byte("never stored"))
	_, err = store.Get(context.Background(), ref)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, ref, notFound.Ref)
}

func TestFSStoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("pristine"))
	require.NoError(t, err)

	_, hash, err := ParseRef(ref)
	require.NoError(t, err)
	path := filepath.Join(dir, hash[:2], hash[2:4], hash)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err = store.Get(ctx, ref)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, hash, integrity.Expected)
}

func TestFSStorePurge(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("short lived"))
	require.NoError(t, err)

	require.NoError(t, store.Purge(ctx, ref))
	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	// Purging again is not an error.
	assert.NoError(t, store.Purge(ctx, ref))
}

func TestFSStorePurgeOlderThan(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	oldRef, err := store.Put(ctx, []byte("old payload"))
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("fresh payload"))
	require.NoError(t, err)

	// Age the first payload's file past the cutoff.
	_, oldHash, err := ParseRef(oldRef)
	require.NoError(t, err)
	oldPath := filepath.Join(dir, oldHash[:2], oldHash[2:4], oldHash)
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	purged, err := store.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	exists, err := store.Exists(ctx, oldRef)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("in memory"))
	require.NoError(t, err)

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("in memory"), got)

	// Mutating the returned slice does not affect the store.
	got[0] = 'X'
	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("in memory"), again)

	require.NoError(t, store.Purge(ctx, ref))
	_, err = store.Get(ctx, ref)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, store.Len())
}

func TestCachedStore(t *testing.T) {
	inner := NewMemoryStore()
	store, err := NewCachedStore(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("cache me"))
	require.NoError(t, err)

	// Purge the inner store directly; the cache still serves reads.
	require.NoError(t, inner.Purge(ctx, ref))
	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("cache me"), got)

	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	// Purging through the cache drops both layers.
	require.NoError(t, store.Purge(ctx, ref))
	_, err = store.Get(ctx, ref)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCachedStoreReturnsCopies(t *testing.T) {
	store, err := NewCachedStore(NewMemoryStore(), 4)
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, []byte("immutable"))
	require.NoError(t, err)

	first, err := store.Get(ctx, ref)
	require.NoError(t, err)
	first[0] = 'X'

	second, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), second)
}
