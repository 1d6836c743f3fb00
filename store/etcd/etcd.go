// Package etcd implements feature.Store on etcd v3. Each flag is one key
// holding its JSON encoding; writes are transactions comparing the key's
// revision.
package etcd

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

// DefaultPrefix is the key prefix used when none is given.
const DefaultPrefix = "/rollout/flags/"

// ClientOptions defines options for the etcd client.
type ClientOptions struct {
	DialTimeout   time.Duration
	DialKeepAlive time.Duration
	Username      string
	Password      string
}

// NewClient connects to the named machines, e.g. "localhost:2379".
func NewClient(machines []string, options ClientOptions) (*clientv3.Client, error) {
	if options.DialTimeout == 0 {
		options.DialTimeout = 3 * time.Second
	}
	if options.DialKeepAlive == 0 {
		options.DialKeepAlive = 3 * time.Second
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:         machines,
		DialTimeout:       options.DialTimeout,
		DialKeepAliveTime: options.DialKeepAlive,
		Username:          options.Username,
		Password:          options.Password,
	})
	return c, errors.Wrap(err, "etcd connect")
}

// Store is a feature.Store backed by etcd.
type Store struct {
	kv     clientv3.KV
	prefix string
	now    func() time.Time
}

// New returns a Store keeping flags under prefix. An empty prefix selects
// DefaultPrefix.
func New(kv clientv3.KV, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		kv:     kv,
		prefix: prefix,
		now:    time.Now,
	}
}

// Get implements feature.Reader.
func (s *Store) Get(ctx context.Context, key string) (feature.Flag, error) {
	f, _, err := s.get(ctx, key)
	return f, err
}

func (s *Store) get(ctx context.Context, key string) (feature.Flag, int64, error) {
	resp, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil {
		return feature.Flag{}, 0, errors.Wrapf(err, "etcd get %q", key)
	}
	if len(resp.Kvs) == 0 {
		return feature.Flag{}, 0, errors.Wrapf(feature.ErrNotFound, "flag %q", key)
	}
	kv := resp.Kvs[0]
	f, err := store.Decode(kv.Value)
	if err != nil {
		return feature.Flag{}, 0, err
	}
	return f, kv.ModRevision, nil
}

// List implements feature.Store.
func (s *Store) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	resp, err := s.kv.Get(ctx, s.prefix+filter.KeyPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, errors.Wrap(err, "etcd list")
	}
	flags := []feature.Flag{}
	for _, kv := range resp.Kvs {
		f, err := store.Decode(kv.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", kv.Key)
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
	k := s.prefix + f.Key
	ok, err := s.put(ctx, f, clientv3.Compare(clientv3.CreateRevision(k), "=", 0))
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
	current, rev, err := s.get(ctx, f.Key)
	if err != nil {
		return feature.Flag{}, err
	}
	if current.Version != f.Version {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q at version %d, not %d", f.Key, current.Version, f.Version)
	}
	f = store.Next(f, current, s.now())
	k := s.prefix + f.Key
	ok, err := s.put(ctx, f, clientv3.Compare(clientv3.ModRevision(k), "=", rev))
	if err != nil {
		return feature.Flag{}, err
	}
	if !ok {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q changed during update", f.Key)
	}
	return f, nil
}

func (s *Store) put(ctx context.Context, f feature.Flag, cmp clientv3.Cmp) (bool, error) {
	value, err := store.Encode(f)
	if err != nil {
		return false, err
	}
	resp, err := s.kv.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(s.prefix+f.Key, string(value))).
		Commit()
	if err != nil {
		return false, errors.Wrapf(err, "etcd txn %q", f.Key)
	}
	return resp.Succeeded, nil
}
