package feature_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-kit/rollout/feature"
)

type mapReader map[string]feature.Flag

func (m mapReader) Get(_ context.Context, key string) (feature.Flag, error) {
	f, ok := m[key]
	if !ok {
		return feature.Flag{}, feature.ErrNotFound
	}
	return f, nil
}

func newFlag(key string, status feature.Status, pct int) feature.Flag {
	f := feature.Flag{
		Key:               key,
		Name:              key,
		Type:              feature.TypeBoolean,
		Status:            status,
		RolloutPercentage: pct,
	}
	f.Normalize()
	return f
}

func TestDecidePrecedence(t *testing.T) {
	for _, testcase := range []struct {
		name    string
		status  feature.Status
		pct     int
		dflt    bool
		enabled []string
		denied  []string
		subject string
		want    bool
		reason  feature.Reason
	}{
		{"enabled user beats zero rollout", feature.StatusActive, 0, false, []string{"u"}, nil, "u", true, feature.ReasonEnabledUser},
		{"disabled user beats full rollout", feature.StatusActive, 100, true, nil, []string{"u"}, "u", false, feature.ReasonDisabledUser},
		{"deny wins over allow", feature.StatusActive, 100, true, []string{"u"}, []string{"u"}, "u", false, feature.ReasonDisabledUser},
		{"full rollout", feature.StatusActive, 100, false, nil, nil, "u", true, feature.ReasonRollout},
		{"zero rollout", feature.StatusActive, 0, true, nil, nil, "u", false, feature.ReasonRollout},
		{"inactive uses default", feature.StatusInactive, 100, false, nil, nil, "u", false, feature.ReasonInactive},
		{"inactive honours allow list", feature.StatusInactive, 0, false, []string{"u"}, nil, "u", true, feature.ReasonEnabledUser},
		{"inactive honours deny list", feature.StatusInactive, 0, true, nil, []string{"u"}, "u", false, feature.ReasonDisabledUser},
		{"draft ignores allow list", feature.StatusDraft, 100, false, []string{"u"}, nil, "u", false, feature.ReasonNotLive},
		{"archived ignores deny list", feature.StatusArchived, 0, true, nil, []string{"u"}, "u", true, feature.ReasonNotLive},
	} {
		t.Run(testcase.name, func(t *testing.T) {
			f := newFlag("precedence", testcase.status, testcase.pct)
			f.DefaultValue = testcase.dflt
			f.EnabledUserIDs = testcase.enabled
			f.DisabledUserIDs = testcase.denied
			f.Normalize()

			d := feature.Decide(f, testcase.subject)
			if d.Value != testcase.want {
				t.Errorf("value: want %v, have %v", testcase.want, d.Value)
			}
			if d.Reason != testcase.reason {
				t.Errorf("reason: want %s, have %s", testcase.reason, d.Reason)
			}
		})
	}
}

func TestDecideNotLiveNeutrality(t *testing.T) {
	for _, status := range []feature.Status{feature.StatusDraft, feature.StatusArchived} {
		for _, dflt := range []bool{true, false} {
			for _, pct := range []int{0, 50, 100} {
				f := newFlag("neutral", status, pct)
				f.DefaultValue = dflt
				f.EnabledUserIDs = []string{"s-1", "s-3"}
				f.DisabledUserIDs = []string{"s-2"}
				f.Normalize()
				for i := 0; i < 200; i++ {
					subject := fmt.Sprintf("s-%d", i)
					if have := feature.Decide(f, subject).Value; have != dflt {
						t.Fatalf("%s pct=%d subject=%s: want default %v, have %v", status, pct, subject, dflt, have)
					}
				}
			}
		}
	}
}

func TestDecideMonotonicRollout(t *testing.T) {
	for i := 0; i < 2000; i++ {
		subject := fmt.Sprintf("subject-%d", i)
		on := false
		for pct := 0; pct <= feature.MaxRollout; pct++ {
			have := feature.Decide(newFlag("monotonic", feature.StatusActive, pct), subject).Value
			if on && !have {
				t.Fatalf("%s flipped back to false at %d%%", subject, pct)
			}
			on = have
		}
		if !on {
			t.Fatalf("%s not enabled at 100%%", subject)
		}
	}
}

func TestDecideReportsBucket(t *testing.T) {
	f := newFlag("bucketed", feature.StatusActive, 40)
	d := feature.Decide(f, "u1")
	if want := feature.Bucket("bucketed", "u1"); d.Bucket != want {
		t.Errorf("bucket: want %d, have %d", want, d.Bucket)
	}
	if d.Value != (d.Bucket < 40) {
		t.Errorf("value %v inconsistent with bucket %d", d.Value, d.Bucket)
	}

	f.Status = feature.StatusDraft
	if d := feature.Decide(f, "u1"); d.Bucket != -1 {
		t.Errorf("draft flag: want bucket -1, have %d", d.Bucket)
	}
}

func TestScenarioRolloutShare(t *testing.T) {
	f := newFlag("new-dashboard", feature.StatusActive, 30)
	ev := feature.NewEvaluator(mapReader{f.Key: f})

	const n = 10000
	on := 0
	for i := 0; i < n; i++ {
		v, err := ev.Evaluate(context.Background(), "new-dashboard", fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if v {
			on++
		}
	}
	if on < 2700 || on > 3300 {
		t.Errorf("want 27-33%% of %d subjects enabled, have %d", n, on)
	}
}

func TestScenarioAllowListOnly(t *testing.T) {
	f := newFlag("k", feature.StatusActive, 0)
	f.EnabledUserIDs = []string{"u1"}
	ev := feature.NewEvaluator(mapReader{f.Key: f})

	for subject, want := range map[string]bool{"u1": true, "u2": false} {
		have, err := ev.Evaluate(context.Background(), "k", subject)
		if err != nil {
			t.Fatal(err)
		}
		if want != have {
			t.Errorf("%s: want %v, have %v", subject, want, have)
		}
	}
}

func TestEvaluateUnknownFlag(t *testing.T) {
	ev := feature.NewEvaluator(mapReader{})

	if _, err := ev.Evaluate(context.Background(), "missing", "u1"); !errors.Is(err, feature.ErrNotFound) {
		t.Errorf("want ErrNotFound, have %v", err)
	}
	if have := ev.EvaluateOr(context.Background(), "missing", "u1", true); !have {
		t.Error("EvaluateOr: want fallback true")
	}
}

func TestEvaluateDetail(t *testing.T) {
	f := newFlag("detail", feature.StatusActive, 100)
	f.Version = 7
	ev := feature.NewEvaluator(mapReader{f.Key: f})

	have, err := ev.Detail(context.Background(), "detail", "someone")
	if err != nil {
		t.Fatal(err)
	}
	want := feature.Detail{
		Key:     "detail",
		Value:   true,
		Reason:  feature.ReasonRollout,
		Bucket:  feature.Bucket("detail", "someone"),
		Version: 7,
	}
	if diff := cmp.Diff(want, have); diff != "" {
		t.Errorf("detail mismatch (-want +have):\n%s", diff)
	}
}
