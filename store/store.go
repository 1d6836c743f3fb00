// Package store holds the feature.Store implementations and the helpers they
// share.
//
// Every implementation gives the same guarantees: Create assigns version 1 and
// fails with feature.ErrConflict when the key exists; Update succeeds only when
// the supplied version matches the stored one, failing with
// feature.ErrConcurrencyConflict otherwise; List returns flags ordered by key.
// The storetest package checks these guarantees against a live store.
package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/go-kit/rollout/feature"
)

// Stamp prepares f for its first write: version 1, both timestamps set to now.
func Stamp(f feature.Flag, now time.Time) feature.Flag {
	f = f.Clone()
	f.Normalize()
	f.Version = 1
	f.CreatedAt = now.UTC()
	f.UpdatedAt = f.CreatedAt
	return f
}

// Next prepares f to replace current: the version is bumped, CreatedAt kept,
// UpdatedAt set to now.
func Next(f, current feature.Flag, now time.Time) feature.Flag {
	f = f.Clone()
	f.Normalize()
	f.Key = current.Key
	f.Version = current.Version + 1
	f.CreatedAt = current.CreatedAt
	f.UpdatedAt = now.UTC()
	return f
}

// Sort orders flags by key.
func Sort(flags []feature.Flag) {
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
}

// Encode is the serialized form used by the key-value backends.
func Encode(f feature.Flag) ([]byte, error) {
	b, err := json.Marshal(f)
	return b, errors.Wrapf(err, "encode flag %q", f.Key)
}

// Decode reverses Encode.
func Decode(b []byte) (feature.Flag, error) {
	var f feature.Flag
	if err := json.Unmarshal(b, &f); err != nil {
		return feature.Flag{}, errors.Wrap(err, "decode flag")
	}
	f.Normalize()
	return f, nil
}
