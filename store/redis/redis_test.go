package redis

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"github.com/statemesh/statemesh/store"
	"github.com/statemesh/statemesh/store/storetest"
)

func TestRedisKV(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // separate DB for store tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	storetest.RunKVTests(t, func(t *testing.T) store.KV {
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush test db: %v", err)
		}
		kv, err := New(Config{Client: client})
		if err != nil {
			t.Fatalf("create redis store: %v", err)
		}
		return kv
	})

	_ = client.FlushDB(ctx)
	_ = client.Close()
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing client")
	}
}
