package feature

import "context"

// Reason explains which rule decided an evaluation.
type Reason string

// Evaluation reasons, in precedence order.
const (
	ReasonNotLive      Reason = "NOT_LIVE"
	ReasonDisabledUser Reason = "DISABLED_USER"
	ReasonEnabledUser  Reason = "ENABLED_USER"
	ReasonInactive     Reason = "INACTIVE"
	ReasonRollout      Reason = "ROLLOUT"
)

// Detail is the outcome of evaluating a flag for one subject. Bucket is -1
// unless the rollout rule was reached.
type Detail struct {
	Key     string `json:"key"`
	Value   bool   `json:"value"`
	Reason  Reason `json:"reason"`
	Bucket  int    `json:"bucket"`
	Version int64  `json:"version"`
}

// Decide applies the precedence rules to f for subjectID. The first matching
// rule wins:
//
//   - DRAFT and ARCHIVED flags return DefaultValue.
//   - A subject on the deny list gets false, even if it is also allowed.
//   - A subject on the allow list gets true.
//   - INACTIVE flags return DefaultValue.
//   - ACTIVE flags return Bucket(key, subject) < RolloutPercentage.
func Decide(f Flag, subjectID string) Detail {
	d := Detail{Key: f.Key, Bucket: -1, Version: f.Version}
	switch {
	case !f.Status.Live():
		d.Value, d.Reason = f.DefaultValue, ReasonNotLive
	case f.IsDisabledUser(subjectID):
		d.Value, d.Reason = false, ReasonDisabledUser
	case f.IsEnabledUser(subjectID):
		d.Value, d.Reason = true, ReasonEnabledUser
	case f.Status == StatusInactive:
		d.Value, d.Reason = f.DefaultValue, ReasonInactive
	default:
		d.Bucket = Bucket(f.Key, subjectID)
		d.Value, d.Reason = d.Bucket < f.RolloutPercentage, ReasonRollout
	}
	return d
}

// Evaluator answers whether a flag is on for a subject. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	flags Reader
}

// NewEvaluator returns an Evaluator reading flags from r, typically a cache in
// front of a Store.
func NewEvaluator(r Reader) *Evaluator {
	return &Evaluator{flags: r}
}

// Evaluate returns the value of the flag for subjectID. Unknown keys fail with
// ErrNotFound rather than evaluating to false.
func (e *Evaluator) Evaluate(ctx context.Context, key, subjectID string) (bool, error) {
	d, err := e.Detail(ctx, key, subjectID)
	return d.Value, err
}

// Detail is like Evaluate but also reports why the value was chosen.
func (e *Evaluator) Detail(ctx context.Context, key, subjectID string) (Detail, error) {
	f, err := e.flags.Get(ctx, key)
	if err != nil {
		return Detail{Key: key, Bucket: -1}, err
	}
	return Decide(f, subjectID), nil
}

// EvaluateOr returns the value of the flag for subjectID, or fallback if the
// flag cannot be read for any reason.
func (e *Evaluator) EvaluateOr(ctx context.Context, key, subjectID string, fallback bool) bool {
	v, err := e.Evaluate(ctx, key, subjectID)
	if err != nil {
		return fallback
	}
	return v
}
