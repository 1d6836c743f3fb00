// Package consul implements feature.Store on the Consul KV store. Each flag is
// one key holding its JSON encoding; writes use check-and-set on the key's
// ModifyIndex.
package consul

import (
	"context"
	"strings"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

// DefaultPrefix is the key prefix used when none is given.
const DefaultPrefix = "rollout/flags/"

// Client is the subset of the Consul KV API the store needs.
// *consul.KV satisfies it.
type Client interface {
	Get(key string, q *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error)
	List(prefix string, q *consul.QueryOptions) (consul.KVPairs, *consul.QueryMeta, error)
	CAS(p *consul.KVPair, q *consul.WriteOptions) (bool, *consul.WriteMeta, error)
}

// NewClient returns the KV endpoint of a fully set up Consul client.
func NewClient(c *consul.Client) Client {
	return c.KV()
}

// Store is a feature.Store backed by Consul.
type Store struct {
	client Client
	prefix string
	now    func() time.Time
}

// New returns a Store keeping flags under prefix. An empty prefix selects
// DefaultPrefix.
func New(client Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// Get implements feature.Reader.
func (s *Store) Get(ctx context.Context, key string) (feature.Flag, error) {
	f, _, err := s.get(ctx, key)
	return f, err
}

func (s *Store) get(ctx context.Context, key string) (feature.Flag, uint64, error) {
	pair, _, err := s.client.Get(s.prefix+key, (&consul.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return feature.Flag{}, 0, errors.Wrapf(err, "consul get %q", key)
	}
	if pair == nil {
		return feature.Flag{}, 0, errors.Wrapf(feature.ErrNotFound, "flag %q", key)
	}
	f, err := store.Decode(pair.Value)
	if err != nil {
		return feature.Flag{}, 0, err
	}
	return f, pair.ModifyIndex, nil
}

// List implements feature.Store.
func (s *Store) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	pairs, _, err := s.client.List(s.prefix+filter.KeyPrefix, (&consul.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "consul list")
	}
	flags := []feature.Flag{}
	for _, pair := range pairs {
		f, err := store.Decode(pair.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", pair.Key)
		}
		if filter.Match(f) {
			flags = append(flags, f)
		}
	}
	store.Sort(flags)
	return flags, nil
}

// Create implements feature.Store.
func (s *Store) Create(ctx context.Context, f feature.Flag) (feature.Flag, error) {
	f = store.Stamp(f, s.now())
	// ModifyIndex 0 makes the CAS succeed only if the key does not exist.
	ok, err := s.cas(ctx, f, 0)
	if err != nil {
		return feature.Flag{}, err
	}
	if !ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrConflict, "flag %q", f.Key)
	}
	return f, nil
}

// Update implements feature.Store.
func (s *Store) Update(ctx context.Context, f feature.Flag) (feature.Flag, error) {
	current, index, err := s.get(ctx, f.Key)
	if err != nil {
		return feature.Flag{}, err
	}
	if current.Version != f.Version {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q at version %d, not %d", f.Key, current.Version, f.Version)
	}
	f = store.Next(f, current, s.now())
	ok, err := s.cas(ctx, f, index)
	if err != nil {
		return feature.Flag{}, err
	}
	if !ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q changed during update", f.Key)
	}
	return f, nil
}

func (s *Store) cas(ctx context.Context, f feature.Flag, index uint64) (bool, error) {
	value, err := store.Encode(f)
	if err != nil {
		return false, err
	}
	ok, _, err := s.client.CAS(&consul.KVPair{
		Key:         s.prefix + f.Key,
		Value:       value,
		ModifyIndex: index,
	}, (&consul.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, errors.Wrapf(err, "consul cas %q", f.Key)
	}
	return ok, nil
}
