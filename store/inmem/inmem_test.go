package inmem_test

import (
	"context"
	"testing"

	"github.com/go-kit/rollout/store/inmem"
	"github.com/go-kit/rollout/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, inmem.New())
}

func TestNoSharedMemory(t *testing.T) {
	var (
		s   = inmem.New()
		ctx = context.Background()
		in  = storetest.Flag("shared")
	)
	created, err := s.Create(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	in.EnabledUserIDs[0] = "mallory"
	created.DisabledUserIDs[0] = "mallory"

	got, err := s.Get(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsEnabledUser("mallory") || got.IsDisabledUser("mallory") {
		t.Errorf("store shares memory with callers: %+v", got)
	}
}
