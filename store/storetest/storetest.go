// Package storetest provides a conformance suite for feature.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-kit/rollout/feature"
)

// Run exercises s. The store must be empty; keys are created as needed.
func Run(t *testing.T, s feature.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, s) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, s) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, s) })
	t.Run("UpdateStale", func(t *testing.T) { testUpdateStale(t, s) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, s) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, s) })
	t.Run("List", func(t *testing.T) { testList(t, s) })
}

// Flag returns a valid definition for key.
func Flag(key string) feature.Flag {
	return feature.Flag{
		Key:               key,
		Name:              "flag " + key,
		Type:              feature.TypeBoolean,
		Status:            feature.StatusActive,
		RolloutPercentage: 10,
		EnabledUserIDs:    []string{"alice"},
		DisabledUserIDs:   []string{"bob"},
	}
}

var ignoreStoreFields = cmpopts.IgnoreFields(feature.Flag{}, "Version", "CreatedAt", "UpdatedAt")

func testCreateGet(t *testing.T, s feature.Store) {
	ctx := context.Background()
	in := Flag("create.get")
	created, err := s.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := int64(1), created.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Errorf("timestamps: createdAt %v, updatedAt %v", created.CreatedAt, created.UpdatedAt)
	}

	got, err := s.Get(ctx, in.Key)
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(in, got, ignoreStoreFields) {
		t.Errorf("get: %s", cmp.Diff(in, got, ignoreStoreFields))
	}
	if want, have := created.Version, got.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
}

func testCreateDuplicate(t *testing.T, s feature.Store) {
	ctx := context.Background()
	if _, err := s.Create(ctx, Flag("dup")); err != nil {
		t.Fatal(err)
	}
	second := Flag("dup")
	second.Name = "second"
	if _, err := s.Create(ctx, second); !errors.Is(err, feature.ErrConflict) {
		t.Fatalf("want ErrConflict, have %v", err)
	}
	got, err := s.Get(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "flag dup", got.Name; want != have {
		t.Errorf("first write lost: want %q, have %q", want, have)
	}
}

func testGetMissing(t *testing.T, s feature.Store) {
	if _, err := s.Get(context.Background(), "no.such.flag"); !errors.Is(err, feature.ErrNotFound) {
		t.Errorf("want ErrNotFound, have %v", err)
	}
}

func testUpdate(t *testing.T, s feature.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Flag("update"))
	if err != nil {
		t.Fatal(err)
	}

	next := created.Clone()
	next.RolloutPercentage = 60
	next.Status = feature.StatusInactive
	updated, err := s.Update(ctx, next)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := created.Version+1, updated.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("createdAt changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Errorf("updatedAt went backwards: %v -> %v", created.UpdatedAt, updated.UpdatedAt)
	}

	got, err := s.Get(ctx, "update")
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(next, got, ignoreStoreFields) {
		t.Errorf("get after update: %s", cmp.Diff(next, got, ignoreStoreFields))
	}
	if want, have := updated.Version, got.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
}

func testUpdateStale(t *testing.T, s feature.Store) {
	ctx := context.Background()
	created, err := s.Create(ctx, Flag("stale"))
	if err != nil {
		t.Fatal(err)
	}
	first := created.Clone()
	first.RolloutPercentage = 20
	if _, err := s.Update(ctx, first); err != nil {
		t.Fatal(err)
	}

	stale := created.Clone()
	stale.RolloutPercentage = 30
	if _, err := s.Update(ctx, stale); !errors.Is(err, feature.ErrConcurrencyConflict) {
		t.Fatalf("want ErrConcurrencyConflict, have %v", err)
	}
	got, err := s.Get(ctx, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := 20, got.RolloutPercentage; want != have {
		t.Errorf("rollout: want %d, have %d", want, have)
	}
}

func testUpdateMissing(t *testing.T, s feature.Store) {
	f := Flag("update.missing")
	f.Version = 1
	if _, err := s.Update(context.Background(), f); !errors.Is(err, feature.ErrNotFound) {
		t.Errorf("want ErrNotFound, have %v", err)
	}
}

// testConcurrentUpdates has every writer read, modify and conditionally write
// until it succeeds. No increment may be lost.
func testConcurrentUpdates(t *testing.T, s feature.Store) {
	ctx := context.Background()
	f := Flag("concurrent")
	f.RolloutPercentage = 0
	if _, err := s.Create(ctx, f); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errc := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				current, err := s.Get(ctx, "concurrent")
				if err != nil {
					errc <- err
					return
				}
				current.RolloutPercentage++
				_, err = s.Update(ctx, current)
				if errors.Is(err, feature.ErrConcurrencyConflict) {
					continue
				}
				if err != nil {
					errc <- err
				}
				return
			}
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	got, err := s.Get(ctx, "concurrent")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := writers, got.RolloutPercentage; want != have {
		t.Errorf("rollout: want %d, have %d", want, have)
	}
	if want, have := int64(writers+1), got.Version; want != have {
		t.Errorf("version: want %d, have %d", want, have)
	}
}

func testList(t *testing.T, s feature.Store) {
	ctx := context.Background()
	for i, status := range []feature.Status{feature.StatusDraft, feature.StatusActive, feature.StatusArchived} {
		f := Flag(fmt.Sprintf("list.%d", 3-i))
		f.Status = status
		if _, err := s.Create(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	for _, tc := range []struct {
		name   string
		filter feature.Filter
		want   []string
	}{
		{"prefix", feature.Filter{KeyPrefix: "list."}, []string{"list.1", "list.2", "list.3"}},
		{"status", feature.Filter{KeyPrefix: "list.", Status: feature.StatusActive}, []string{"list.2"}},
		{"none", feature.Filter{KeyPrefix: "nothing."}, []string{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			flags, err := s.List(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			have := []string{}
			for _, f := range flags {
				have = append(have, f.Key)
			}
			if !cmp.Equal(tc.want, have) {
				t.Errorf("keys: %s", cmp.Diff(tc.want, have))
			}
		})
	}

	all, err := s.List(ctx, feature.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Key >= all[i].Key {
			t.Errorf("unordered: %q before %q", all[i-1].Key, all[i].Key)
		}
	}
}
