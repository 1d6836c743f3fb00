package store_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/go-kit/rollout/feature"
	"github.com/go-kit/rollout/store"
)

func TestStampAndNext(t *testing.T) {
	var (
		t0 = time.Date(2020, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
		t1 = t0.Add(time.Minute)
	)
	created := store.Stamp(feature.Flag{Key: "a", EnabledUserIDs: []string{"b", "a", "b"}}, t0)
	if want, have := int64(1), created.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
	if want, have := time.UTC, created.CreatedAt.Location(); want != have {
		t.Errorf("location: want %v, have %v", want, have)
	}
	if want, have := []string{"a", "b"}, created.EnabledUserIDs; !cmp.Equal(want, have) {
		t.Errorf("enabled users: %s", cmp.Diff(want, have))
	}

	updated := store.Next(feature.Flag{Key: "other", Version: 1, CreatedAt: t1}, created, t1)
	if want, have := "a", updated.Key; want != have {
		t.Errorf("key: want %q, have %q", want, have)
	}
	if want, have := int64(2), updated.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
	if !updated.CreatedAt.Equal(t0) {
		t.Errorf("createdAt: want %v, have %v", t0, updated.CreatedAt)
	}
	if !updated.UpdatedAt.Equal(t1) {
		t.Errorf("updatedAt: want %v, have %v", t1, updated.UpdatedAt)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := store.Stamp(feature.Flag{
		Key:             "checkout.v2",
		Name:            "Checkout",
		Type:            feature.TypeBoolean,
		Status:          feature.StatusActive,
		DisabledUserIDs: []string{"z", "y"},
	}, time.Unix(1600000000, 0))

	b, err := store.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := store.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(in, out) {
		t.Errorf("round trip: %s", cmp.Diff(in, out))
	}

	if _, err := store.Decode([]byte("{")); err == nil {
		t.Error("want error decoding garbage")
	}
}
