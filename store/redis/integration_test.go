//go:build integration
// +build integration

package redis_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	redisstore "github.com/go-kit/rollout/store/redis"
	"github.com/go-kit/rollout/store/storetest"
)

func TestIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatal(err)
	}
	prefix := "rollout-test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	storetest.Run(t, redisstore.New(client, prefix))
}
