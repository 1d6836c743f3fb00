// Package postgres implements feature.Store on a Postgres table. Each flag is
// a row keyed by the flag key, with the definition in a JSONB column and the
// version in its own column so updates can be made conditional on it.
package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS feature_flags (
	key        TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// uniqueViolation is the Postgres error code for a duplicate primary key.
const uniqueViolation = "23505"

// Store is a feature.Store backed by Postgres.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New returns a Store using db. Call Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// Migrate creates the flags table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "create feature_flags table")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Get implements feature.Reader.
func (s *Store) Get(ctx context.Context, key string) (feature.Flag, error) {
	return s.get(ctx, s.db, key)
}

func (s *Store) get(ctx context.Context, q queryer, key string) (feature.Flag, error) {
	var data []byte
	err := q.QueryRowContext(ctx, "SELECT data FROM feature_flags WHERE key = $1", key).Scan(&data)
	if err == sql.ErrNoRows {
		return feature.Flag{}, errors.Wrapf(feature.ErrNotFound, "flag %q", key)
	}
	if err != nil {
		return feature.Flag{}, errors.Wrapf(err, "select flag %q", key)
	}
	return store.Decode(data)
}

// List implements feature.Store.
func (s *Store) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM feature_flags WHERE key LIKE $1 AND ($2 = '' OR data->>'status' = $2) ORDER BY key",
		likePrefix(filter.KeyPrefix), string(filter.Status),
	)
	if err != nil {
		return nil, errors.Wrap(err, "select flags")
	}
	defer rows.Close()

	flags := []feature.Flag{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan flag")
		}
		f, err := store.Decode(data)
		if err != nil {
			return nil, err
		}
		if filter.Match(f) {
			flags = append(flags, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "select flags")
	}
	store.Sort(flags)
	return flags, nil
}

// Create implements feature.Store.
func (s *Store) Create(ctx context.Context, f feature.Flag) (feature.Flag, error) {
	f = store.Stamp(f, s.now())
	data, err := store.Encode(f)
	if err != nil {
		return feature.Flag{}, err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO feature_flags (key, version, data, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)",
		f.Key, f.Version, string(data), f.CreatedAt, f.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return feature.Flag{}, errors.Wrapf(feature.ErrConflict, "flag %q", f.Key)
	}
	if err != nil {
		return feature.Flag{}, errors.Wrapf(err, "insert flag %q", f.Key)
	}
	return f, nil
}

// Update implements feature.Store.
func (s *Store) Update(ctx context.Context, f feature.Flag) (feature.Flag, error) {
	current, err := s.get(ctx, s.db, f.Key)
	if err != nil {
		return feature.Flag{}, err
	}
	if current.Version != f.Version {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q at version %d, not %d", f.Key, current.Version, f.Version)
	}
	f = store.Next(f, current, s.now())
	data, err := store.Encode(f)
	if err != nil {
		return feature.Flag{}, err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE feature_flags SET version = $1, data = $2, updated_at = $3 WHERE key = $4 AND version = $5",
		f.Version, string(data), f.UpdatedAt, f.Key, current.Version,
	)
	if err != nil {
		return feature.Flag{}, errors.Wrapf(err, "update flag %q", f.Key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return feature.Flag{}, errors.Wrapf(err, "update flag %q", f.Key)
	}
	if n == 0 {
		return feature.Flag{}, errors.Wrapf(feature.ErrConcurrencyConflict, "flag %q changed during update", f.Key)
	}
	return f, nil
}

// likePrefix turns a literal key prefix into a LIKE pattern. Keys may contain
// '_', which LIKE would otherwise treat as a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
