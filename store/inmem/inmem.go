// Package inmem implements feature.Store in process memory.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

// Store is a feature.Store backed by a map. Flags are copied on the way in
// and on the way out, so callers never share memory with the store.
type Store struct {
	mtx   sync.RWMutex
	flags map[string]feature.Flag
	now   func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		flags: map[string]feature.Flag{},
		now:   time.Now,
	}
}

// Get implements feature.Reader.
func (s *Store) Get(_ context.Context, key string) (feature.Flag, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	f, ok := s.flags[key]
	if !ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrNotFound, "flag %q", key)
	}
	return f.Clone(), nil
}

// List implements feature.Store.
func (s *Store) List(_ context.Context, filter feature.Filter) ([]feature.Flag, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	flags := []feature.Flag{}
	for _, f := range s.flags {
		if filter.Match(f) {
			flags = append(flags, f.Clone())
		}
	}
	store.Sort(flags)
	return flags, nil
}

// Create implements feature.Store.
func (s *Store) Create(_ context.Context, f feature.Flag) (feature.Flag, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.flags[f.Key]; ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrConflict, "flag %q", f.Key)
	}
	f = store.Stamp(f, s.now())
	s.flags[f.Key] = f
	return f.Clone(), nil
}

// Update implements feature.Store.
func (s *Store) Update(_ context.Context, f feature.Flag) (feature.Flag, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	current, ok := s.flags[f.Key]
	if !ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrNotFound, "flag %q", f.Key)
	}
	if current.Version != f.Version {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q at version %d, not %d", f.Key, current.Version, f.Version)
	}
	f = store.Next(f, current, s.now())
	s.flags[f.Key] = f
	return f.Clone(), nil
}
