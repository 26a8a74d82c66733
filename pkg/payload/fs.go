package payload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

// FSStore stores payloads on the local filesystem under a two-level hash
// fan-out (ab/cd/abcd...), one file per payload. Writes go through a temp
// file and rename so readers never observe partial payloads; reads verify
// content against the ref hash before returning.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create payload store directory %s: %w", baseDir, err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the store's root directory.
func (s *FSStore) BaseDir() string { return s.baseDir }

func (s *FSStore) pathFor(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash[2:4], hash)
}

// Put stores payload and returns its ref. Existing payloads are not
// rewritten; content addressing makes the write idempotent.
func (s *FSStore) Put(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := MakeRef(payload)
	_, hash, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	path := s.pathFor(hash)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create payload directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".payload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp payload file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write payload %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync payload %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close payload %s: %w", ref, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to finalize payload %s: %w", ref, err)
	}
	return ref, nil
}

// Get reads a payload and verifies it still hashes to its ref. Corruption
// surfaces as an IntegrityError; a purged or never-stored ref surfaces as a
// NotFoundError.
func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, hash, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload %s: %w", ref, err)
	}
	if actual := canonical.HashBytes(data); actual != hash {
		return nil, &IntegrityError{Ref: ref, Expected: hash, Actual: actual}
	}
	return data, nil
}

// Exists reports whether the payload bytes are still present.
func (s *FSStore) Exists(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, hash, err := ParseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.pathFor(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat payload %s: %w", ref, err)
	}
	return true, nil
}

// Purge removes a payload's bytes. The audit database keeps the hash, so
// lineage verification still works; only the content is gone. Purging an
// absent ref is not an error.
func (s *FSStore) Purge(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, hash, err := ParseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.pathFor(hash)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to purge payload %s: %w", ref, err)
	}
	return nil
}

// PurgeOlderThan removes payloads whose files predate cutoff, returning the
// number purged. Used by retention enforcement.
func (s *FSStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	purged := 0
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to purge %s: %w", path, err)
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return purged, fmt.Errorf("payload retention sweep failed: %w", err)
	}
	return purged, nil
}
