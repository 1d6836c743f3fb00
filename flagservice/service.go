// Package flagservice implements the administrative operations on flags.
//
// Every mutation reads the current record from the store, applies the change
// to a copy, validates it and writes it back conditionally on the version it
// read. A write that lost a race is retried with backoff; once committed, the
// local cache entry is dropped and a change event is published for other
// replicas.
package flagservice

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/go-kit/rollout/backoff"
	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/pubsub"
)

// Service manages flag definitions and evaluates them.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (feature.Flag, error)
	Get(ctx context.Context, key string) (feature.Flag, error)
	List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error)
	Update(ctx context.Context, key string, req UpdateRequest) (feature.Flag, error)
	UpdateStatus(ctx context.Context, key string, status feature.Status) (feature.Flag, error)
	SetRollout(ctx context.Context, key string, percentage int) (feature.Flag, error)
	AddEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error)
	RemoveEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error)
	AddDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error)
	RemoveDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error)
	Evaluate(ctx context.Context, key, subjectID string) (feature.Detail, error)
}

// CreateRequest describes a new flag. Type defaults to BOOLEAN and Status to
// DRAFT.
type CreateRequest struct {
	Key               string         `json:"key"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Type              feature.Type   `json:"type,omitempty"`
	Status            feature.Status `json:"status,omitempty"`
	DefaultValue      bool           `json:"defaultValue"`
	RolloutPercentage int            `json:"rolloutPercentage"`
	EnabledUserIDs    []string       `json:"enabledUserIds,omitempty"`
	DisabledUserIDs   []string       `json:"disabledUserIds,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left alone.
//
// A supplied override list replaces the current one, and its members are
// taken off the opposing list. Supplying both lists with a common member is
// invalid.
type UpdateRequest struct {
	Name              *string         `json:"name,omitempty"`
	Description       *string         `json:"description,omitempty"`
	Status            *feature.Status `json:"status,omitempty"`
	DefaultValue      *bool           `json:"defaultValue,omitempty"`
	RolloutPercentage *int            `json:"rolloutPercentage,omitempty"`
	EnabledUserIDs    *[]string       `json:"enabledUserIds,omitempty"`
	DisabledUserIDs   *[]string       `json:"disabledUserIds,omitempty"`
}

// Cache is the read path used for evaluation. Mutations invalidate it.
type Cache interface {
	feature.Reader
	Invalidate(key string)
}

// DefaultMaxRetries bounds the retries of a mutation that keeps losing
// version races.
const DefaultMaxRetries = 5

type service struct {
	store      feature.Store
	cache      Cache
	evaluator  *feature.Evaluator
	publisher  pubsub.Publisher
	maxRetries int
	newBackoff func() *backoff.ExponentialBackoff
	logger     log.Logger
}

// Option sets an optional parameter for the service.
type Option func(*service)

// WithCache routes evaluations through c and invalidates it after every
// committed mutation. Without it, evaluations read the store directly.
func WithCache(c Cache) Option {
	return func(s *service) { s.cache = c }
}

// WithPublisher announces committed mutations on p.
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *service) { s.publisher = p }
}

// WithMaxRetries sets how many times a mutation is retried after a
// concurrency conflict. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(s *service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff paces retries between interval and max.
func WithBackoff(interval, max time.Duration) Option {
	return func(s *service) {
		s.newBackoff = func() *backoff.ExponentialBackoff { return backoff.New(interval, max) }
	}
}

// WithLogger sets the logger for audit lines and background failures.
func WithLogger(logger log.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// New returns a Service managing flags in store.
func New(store feature.Store, options ...Option) Service {
	s := &service{
		store:      store,
		maxRetries: DefaultMaxRetries,
		newBackoff: func() *backoff.ExponentialBackoff { return backoff.New(0, 0) },
		logger:     log.NewNopLogger(),
	}
	for _, option := range options {
		option(s)
	}
	var r feature.Reader = store
	if s.cache != nil {
		r = s.cache
	}
	s.evaluator = feature.NewEvaluator(r)
	return s
}

func (s *service) Create(ctx context.Context, req CreateRequest) (feature.Flag, error) {
	f := feature.Flag{
		Key:               req.Key,
		Name:              req.Name,
		Description:       req.Description,
		Type:              req.Type,
		Status:            req.Status,
		DefaultValue:      req.DefaultValue,
		RolloutPercentage: req.RolloutPercentage,
		EnabledUserIDs:    req.EnabledUserIDs,
		DisabledUserIDs:   req.DisabledUserIDs,
	}
	if f.Type == "" {
		f.Type = feature.TypeBoolean
	} else {
		typ, err := feature.ParseType(string(f.Type))
		if err != nil {
			return feature.Flag{}, err
		}
		f.Type = typ
	}
	if f.Status == "" {
		f.Status = feature.StatusDraft
	} else {
		status, err := feature.ParseStatus(string(f.Status))
		if err != nil {
			return feature.Flag{}, err
		}
		f.Status = status
	}
	f.Normalize()
	if err := f.Validate(); err != nil {
		return feature.Flag{}, err
	}

	created, err := s.store.Create(ctx, f)
	if err != nil {
		return feature.Flag{}, err
	}
	// The cache may hold a not-found result for this key.
	s.committed(feature.Flag{}, created, pubsub.KindCreated)
	return created, nil
}

func (s *service) Get(ctx context.Context, key string) (feature.Flag, error) {
	return s.store.Get(ctx, key)
}

func (s *service) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	if filter.Status != "" {
		status, err := feature.ParseStatus(string(filter.Status))
		if err != nil {
			return nil, err
		}
		filter.Status = status
	}
	return s.store.List(ctx, filter)
}

func (s *service) Update(ctx context.Context, key string, req UpdateRequest) (feature.Flag, error) {
	var status feature.Status
	if req.Status != nil {
		var err error
		if status, err = feature.ParseStatus(string(*req.Status)); err != nil {
			return feature.Flag{}, err
		}
	}
	if req.RolloutPercentage != nil {
		if err := feature.ValidateRollout(*req.RolloutPercentage); err != nil {
			return feature.Flag{}, err
		}
	}
	if req.EnabledUserIDs != nil {
		if err := validateUserIDs("enabledUserIds", *req.EnabledUserIDs); err != nil {
			return feature.Flag{}, err
		}
	}
	if req.DisabledUserIDs != nil {
		if err := validateUserIDs("disabledUserIds", *req.DisabledUserIDs); err != nil {
			return feature.Flag{}, err
		}
	}

	return s.mutate(ctx, key, func(f *feature.Flag) {
		if req.Name != nil {
			f.Name = *req.Name
		}
		if req.Description != nil {
			f.Description = *req.Description
		}
		if req.Status != nil {
			f.Status = status
		}
		if req.DefaultValue != nil {
			f.DefaultValue = *req.DefaultValue
		}
		if req.RolloutPercentage != nil {
			f.RolloutPercentage = *req.RolloutPercentage
		}
		switch {
		case req.EnabledUserIDs != nil && req.DisabledUserIDs != nil:
			// Both replaced; an overlap fails validation.
			f.EnabledUserIDs = *req.EnabledUserIDs
			f.DisabledUserIDs = *req.DisabledUserIDs
		case req.EnabledUserIDs != nil:
			f.EnabledUserIDs = nil
			for _, id := range *req.EnabledUserIDs {
				f.AddEnabledUser(id)
			}
		case req.DisabledUserIDs != nil:
			f.DisabledUserIDs = nil
			for _, id := range *req.DisabledUserIDs {
				f.AddDisabledUser(id)
			}
		}
	})
}

func (s *service) UpdateStatus(ctx context.Context, key string, status feature.Status) (feature.Flag, error) {
	status, err := feature.ParseStatus(string(status))
	if err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) { f.Status = status })
}

func (s *service) SetRollout(ctx context.Context, key string, percentage int) (feature.Flag, error) {
	if err := feature.ValidateRollout(percentage); err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) { f.RolloutPercentage = percentage })
}

func (s *service) AddEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	if err := validateUserIDs("enabledUserIds", userIDs); err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) {
		for _, id := range userIDs {
			f.AddEnabledUser(id)
		}
	})
}

func (s *service) RemoveEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	if err := validateUserIDs("enabledUserIds", userIDs); err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) {
		for _, id := range userIDs {
			f.RemoveEnabledUser(id)
		}
	})
}

func (s *service) AddDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	if err := validateUserIDs("disabledUserIds", userIDs); err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) {
		for _, id := range userIDs {
			f.AddDisabledUser(id)
		}
	})
}

func (s *service) RemoveDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	if err := validateUserIDs("disabledUserIds", userIDs); err != nil {
		return feature.Flag{}, err
	}
	return s.mutate(ctx, key, func(f *feature.Flag) {
		for _, id := range userIDs {
			f.RemoveDisabledUser(id)
		}
	})
}

func (s *service) Evaluate(ctx context.Context, key, subjectID string) (feature.Detail, error) {
	return s.evaluator.Detail(ctx, key, subjectID)
}

// mutate applies change to the current record of key and writes the result
// back, retrying on concurrency conflicts. It never reads from the cache.
func (s *service) mutate(ctx context.Context, key string, change func(*feature.Flag)) (feature.Flag, error) {
	var (
		b       = s.newBackoff()
		lastErr error
	)
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := b.Wait(ctx); err != nil {
				return feature.Flag{}, err
			}
		}

		current, err := s.store.Get(ctx, key)
		if err != nil {
			return feature.Flag{}, err
		}
		next := current.Clone()
		change(&next)
		next.Normalize()
		if err := next.Validate(); err != nil {
			return feature.Flag{}, err
		}
		if next.SameDefinition(current) {
			return current, nil
		}

		updated, err := s.store.Update(ctx, next)
		if errors.Is(err, feature.ErrConcurrencyConflict) {
			level.Debug(s.logger).Log("flag", key, "attempt", attempt+1, "err", err)
			lastErr = err
			continue
		}
		if err != nil {
			return feature.Flag{}, err
		}
		s.committed(current, updated, pubsub.KindUpdated)
		return updated, nil
	}
	return feature.Flag{}, lastErr
}

// committed runs after a successful write. The cache is invalidated before
// the caller sees the result, so its next evaluation observes the write.
func (s *service) committed(before, after feature.Flag, kind string) {
	if s.cache != nil {
		s.cache.Invalidate(after.Key)
	}
	if before.Status != after.Status {
		from := string(before.Status)
		if from == "" {
			from = "none"
		}
		level.Info(s.logger).Log("audit", "status", "flag", after.Key, "from", from, "to", after.Status, "version", after.Version)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(pubsub.NewEvent(after.Key, kind, after.Version)); err != nil {
			level.Warn(s.logger).Log("flag", after.Key, "during", "publish", "err", err)
		}
	}
}

func validateUserIDs(field string, ids []string) error {
	for _, id := range ids {
		if id == "" {
			return feature.Invalid(field, "user ids must not be empty")
		}
	}
	return nil
}
