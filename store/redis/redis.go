// Package redis implements feature.Store on Redis. Each flag is a string key
// holding its JSON encoding, and a set indexes the keys for listing. Writes run
// in MULTI/EXEC transactions guarded by WATCH.
package redis

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

// DefaultPrefix is the key prefix used when none is given.
const DefaultPrefix = "rollout"

// Store is a feature.Store backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// New returns a Store keeping its keys under prefix. An empty prefix selects
// DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *Store) dataKey(key string) string { return s.prefix + ":flag:" + key }
func (s *Store) indexKey() string         { return s.prefix + ":flags" }

// Get implements feature.Reader.
func (s *Store) Get(ctx context.Context, key string) (feature.Flag, error) {
	return s.get(ctx, s.client, key)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, key string) (feature.Flag, error) {
	b, err := c.Get(ctx, s.dataKey(key)).Bytes()
	if err == redis.Nil {
		return feature.Flag{}, errors.Wrapf(feature.ErrNotFound, "flag %q", key)
	}
	if err != nil {
		return feature.Flag{}, errors.Wrapf(err, "redis get %q", key)
	}
	return store.Decode(b)
}

// List implements feature.Store.
func (s *Store) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "redis list")
	}
	var dataKeys []string
	for _, k := range keys {
		if strings.HasPrefix(k, filter.KeyPrefix) {
			dataKeys = append(dataKeys, s.dataKey(k))
		}
	}
	flags := []feature.Flag{}
	if len(dataKeys) == 0 {
		return flags, nil
	}
	sort.Strings(dataKeys)

	values, err := s.client.MGet(ctx, dataKeys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis list")
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // indexed but deleted
		}
		f, err := store.Decode([]byte(str))
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", dataKeys[i])
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
	value, err := store.Encode(f)
	if err != nil {
		return feature.Flag{}, err
	}
	k := s.dataKey(f.Key)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, k).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return feature.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, 0)
			pipe.SAdd(ctx, s.indexKey(), f.Key)
			return nil
		})
		return err
	}, k)
	switch {
	case err == nil:
		return f, nil
	case err == redis.TxFailedErr, errors.Is(err, feature.ErrConflict):
		// Someone else wrote the key between our WATCH and EXEC.
		return feature.Flag{}, errors.Wrapf(feature.ErrConflict, "flag %q", f.Key)
	default:
		return feature.Flag{}, errors.Wrapf(err, "redis create %q", f.Key)
	}
}

// Update implements feature.Store.
func (s *Store) Update(ctx context.Context, f feature.Flag) (feature.Flag, error) {
	var (
		k       = s.dataKey(f.Key)
		updated feature.Flag
	)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, f.Key)
		if err != nil {
			return err
		}
		if current.Version != f.Version {
			return errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q at version %d, not %d", f.Key, current.Version, f.Version)
		}
		updated = store.Next(f, current, s.now())
		value, err := store.Encode(updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, value, 0)
			return nil
		})
		return err
	}, k)
	switch {
	case err == nil:
		return updated, nil
	case err == redis.TxFailedErr:
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q changed during update", f.Key)
	case errors.Is(err, feature.ErrNotFound), errors.Is(err, feature.ErrConcurrencyConflict):
		return feature.Flag{}, err
	default:
		return feature.Flag{}, errors.Wrapf(err, "redis update %q", f.Key)
	}
}
