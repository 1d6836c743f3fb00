package feature

import (
	"context"
	"strings"
)

// Reader is the read side of a Store. The Evaluator depends only on this, so a
// cache can stand in front of the real store.
type Reader interface {
	// Get returns the flag for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Flag, error)
}

// Store persists flag definitions with optimistic concurrency.
//
// Implementations own Version, CreatedAt and UpdatedAt. Create stores a new
// flag at version 1 and fails with ErrConflict if the key is taken. Update is
// conditional: the supplied flag's Version must equal the stored version,
// otherwise it fails with ErrConcurrencyConflict and nothing is written. A
// successful Update increments the version, keeps the stored CreatedAt and
// returns the record as stored.
type Store interface {
	Reader
	List(ctx context.Context, filter Filter) ([]Flag, error)
	Create(ctx context.Context, f Flag) (Flag, error)
	Update(ctx context.Context, f Flag) (Flag, error)
}

// Filter narrows a List call. The zero Filter matches every flag.
type Filter struct {
	Status    Status `json:"status,omitempty"`
	KeyPrefix string `json:"prefix,omitempty"`
}

// Match reports whether f passes the filter.
func (flt Filter) Match(f Flag) bool {
	if flt.Status != "" && f.Status != flt.Status {
		return false
	}
	return strings.HasPrefix(f.Key, flt.KeyPrefix)
}
