package flagservice

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"

	"github.com/go-kit/rollout/feature"
)

// Middleware describes a service (as opposed to endpoint) middleware.
type Middleware func(Service) Service

// LoggingMiddleware takes a logger as a dependency
// and returns a service Middleware.
func LoggingMiddleware(logger log.Logger) Middleware {
	return func(next Service) Service {
		return loggingMiddleware{logger, next}
	}
}

type loggingMiddleware struct {
	logger log.Logger
	next   Service
}

func (mw loggingMiddleware) Create(ctx context.Context, req CreateRequest) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "Create", "flag", req.Key, "status", f.Status, "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.Create(ctx, req)
}

func (mw loggingMiddleware) Get(ctx context.Context, key string) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "Get", "flag", key, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.Get(ctx, key)
}

func (mw loggingMiddleware) List(ctx context.Context, filter feature.Filter) (flags []feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "List", "prefix", filter.KeyPrefix, "status", filter.Status, "n", len(flags), "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.List(ctx, filter)
}

func (mw loggingMiddleware) Update(ctx context.Context, key string, req UpdateRequest) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "Update", "flag", key, "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.Update(ctx, key, req)
}

func (mw loggingMiddleware) UpdateStatus(ctx context.Context, key string, status feature.Status) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "UpdateStatus", "flag", key, "status", status, "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.UpdateStatus(ctx, key, status)
}

func (mw loggingMiddleware) SetRollout(ctx context.Context, key string, percentage int) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "SetRollout", "flag", key, "percentage", percentage, "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.SetRollout(ctx, key, percentage)
}

func (mw loggingMiddleware) AddEnabledUsers(ctx context.Context, key string, userIDs []string) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "AddEnabledUsers", "flag", key, "users", len(userIDs), "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.AddEnabledUsers(ctx, key, userIDs)
}

func (mw loggingMiddleware) RemoveEnabledUsers(ctx context.Context, key string, userIDs []string) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "RemoveEnabledUsers", "flag", key, "users", len(userIDs), "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.RemoveEnabledUsers(ctx, key, userIDs)
}

func (mw loggingMiddleware) AddDisabledUsers(ctx context.Context, key string, userIDs []string) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "AddDisabledUsers", "flag", key, "users", len(userIDs), "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.AddDisabledUsers(ctx, key, userIDs)
}

func (mw loggingMiddleware) RemoveDisabledUsers(ctx context.Context, key string, userIDs []string) (f feature.Flag, err error) {
	defer func(begin time.Time) {
		mw.logger.Log("method", "RemoveDisabledUsers", "flag", key, "users", len(userIDs), "version", f.Version, "took", time.Since(begin), "err", err)
	}(time.Now())
	return mw.next.RemoveDisabledUsers(ctx, key, userIDs)
}

// Evaluate is not logged; it sits on the hot path.
func (mw loggingMiddleware) Evaluate(ctx context.Context, key, subjectID string) (feature.Detail, error) {
	return mw.next.Evaluate(ctx, key, subjectID)
}

// InstrumentingMiddleware returns a service middleware that counts
// evaluations by flag, value and reason, and mutations by method and outcome.
func InstrumentingMiddleware(evaluations, mutations metrics.Counter) Middleware {
	return func(next Service) Service {
		return instrumentingMiddleware{
			evaluations: evaluations,
			mutations:   mutations,
			next:        next,
		}
	}
}

type instrumentingMiddleware struct {
	evaluations metrics.Counter
	mutations   metrics.Counter
	next        Service
}

func (mw instrumentingMiddleware) count(method string, err error) {
	mw.mutations.With("method", method, "success", strconv.FormatBool(err == nil)).Add(1)
}

func (mw instrumentingMiddleware) Create(ctx context.Context, req CreateRequest) (feature.Flag, error) {
	f, err := mw.next.Create(ctx, req)
	mw.count("Create", err)
	return f, err
}

func (mw instrumentingMiddleware) Get(ctx context.Context, key string) (feature.Flag, error) {
	return mw.next.Get(ctx, key)
}

func (mw instrumentingMiddleware) List(ctx context.Context, filter feature.Filter) ([]feature.Flag, error) {
	return mw.next.List(ctx, filter)
}

func (mw instrumentingMiddleware) Update(ctx context.Context, key string, req UpdateRequest) (feature.Flag, error) {
	f, err := mw.next.Update(ctx, key, req)
	mw.count("Update", err)
	return f, err
}

func (mw instrumentingMiddleware) UpdateStatus(ctx context.Context, key string, status feature.Status) (feature.Flag, error) {
	f, err := mw.next.UpdateStatus(ctx, key, status)
	mw.count("UpdateStatus", err)
	return f, err
}

func (mw instrumentingMiddleware) SetRollout(ctx context.Context, key string, percentage int) (feature.Flag, error) {
	f, err := mw.next.SetRollout(ctx, key, percentage)
	mw.count("SetRollout", err)
	return f, err
}

func (mw instrumentingMiddleware) AddEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	f, err := mw.next.AddEnabledUsers(ctx, key, userIDs)
	mw.count("AddEnabledUsers", err)
	return f, err
}

func (mw instrumentingMiddleware) RemoveEnabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	f, err := mw.next.RemoveEnabledUsers(ctx, key, userIDs)
	mw.count("RemoveEnabledUsers", err)
	return f, err
}

func (mw instrumentingMiddleware) AddDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	f, err := mw.next.AddDisabledUsers(ctx, key, userIDs)
	mw.count("AddDisabledUsers", err)
	return f, err
}

func (mw instrumentingMiddleware) RemoveDisabledUsers(ctx context.Context, key string, userIDs []string) (feature.Flag, error) {
	f, err := mw.next.RemoveDisabledUsers(ctx, key, userIDs)
	mw.count("RemoveDisabledUsers", err)
	return f, err
}

func (mw instrumentingMiddleware) Evaluate(ctx context.Context, key, subjectID string) (feature.Detail, error) {
	d, err := mw.next.Evaluate(ctx, key, subjectID)
	if err == nil {
		mw.evaluations.With("flag", key, "value", strconv.FormatBool(d.Value), "reason", string(d.Reason)).Add(1)
	}
	return d, err
}
