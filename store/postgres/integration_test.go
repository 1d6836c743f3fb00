//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/go-kit/kit/log"

	"github.com/go-kit/rollout/store/storetest"
)

func TestIntegration(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN is not set")
	}
	db, err := Open(dsn, log.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE feature_flags"); err != nil {
		t.Fatal(err)
	}
	storetest.Run(t, s)
}
