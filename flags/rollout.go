package flags

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/go-kit/rollout/feature"
)

// contextKey type is unexported, unique to this package
type contextKey int

// subjectKey marks the subject id in the context
const subjectKey contextKey = 0

// WithSubject sets the subject (typically a user id) that flags are
// evaluated for.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectKey, subjectID)
}

// SubjectFrom returns the subject set by WithSubject. Requests without one
// are evaluated for the anonymous subject "", which is bucketed like any other.
func SubjectFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// Evaluator is satisfied by *feature.Evaluator.
type Evaluator interface {
	Evaluate(ctx context.Context, key, subjectID string) (bool, error)
}

var _ Evaluator = (*feature.Evaluator)(nil)

// NewBooler builds a Booler that evaluates the flag key for the subject in
// the context. When the flag cannot be evaluated, including when it does not
// exist, the error is logged and defaultVal is returned.
func NewBooler(e Evaluator, key string, defaultVal bool, logger log.Logger) Booler {
	return BoolerFunc(func(ctx context.Context) bool {
		subject, _ := SubjectFrom(ctx)
		val, err := e.Evaluate(ctx, key, subject)
		if err != nil {
			level.Warn(logger).Log("flag", key, "subject", subject, "err", err)
			return defaultVal
		}
		return val
	})
}
