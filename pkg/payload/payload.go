// Package payload provides content-addressed blob storage for audit
// payloads: request and response bodies, full row snapshots, anything too
// large or too sensitive to inline in the audit database. The database
// stores only the ref and hash; payload bytes may be purged later without
// breaking lineage, since the hash remains verifiable.
package payload

import (
	"context"
	"fmt"
	"strings"

	"github.com/elspeth-io/elspeth/pkg/canonical"
)

// Store is a content-addressed blob store. Put is idempotent: storing the
// same bytes twice yields the same ref.
type Store interface {
	Put(ctx context.Context, payload []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Purger removes payload bytes while their hashes stay recorded in the
// audit database. Stores that cannot purge simply do not implement it.
type Purger interface {
	Purge(ctx context.Context, ref string) error
}

// NotFoundError reports a ref whose payload is absent, either never stored
// or purged under retention.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("payload %s not found", e.Ref)
}

// IntegrityError reports stored bytes that no longer hash to their ref.
type IntegrityError struct {
	Ref      string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("payload %s failed integrity check: expected %s, got %s", e.Ref, e.Expected, e.Actual)
}

// MakeRef builds a ref for the given payload bytes.
func MakeRef(payload []byte) string {
	return canonical.Version + ":" + canonical.HashBytes(payload)
}

// ParseRef splits a ref into canonicalization version and hash, validating
// the shape.
func ParseRef(ref string) (version, hash string, err error) {
	version, hash, ok := strings.Cut(ref, ":")
	if !ok || version == "" {
		return "", "", fmt.Errorf("malformed payload ref %q: expected <version>:<sha256>", ref)
	}
	if len(hash) != 64 {
		return "", "", fmt.Errorf("malformed payload ref %q: hash must be 64 hex characters, got %d", ref, len(hash))
	}
	for _, r := range hash {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return "", "", fmt.Errorf("malformed payload ref %q: hash contains non-hex character %q", ref, r)
		}
	}
	return version, hash, nil
}
