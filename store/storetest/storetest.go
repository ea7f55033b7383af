// Package storetest provides a conformance test suite for store.KV
// implementations. Backend packages call RunKVTests from their own tests.
package storetest

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/statemesh/statemesh/store"
)

// Factory creates a fresh KV instance for testing. Implementations should
// register cleanup via t.Cleanup.
type Factory func(t *testing.T) store.KV

// RunKVTests runs the complete KV conformance suite against the factory.
func RunKVTests(t *testing.T, factory Factory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("GetAbsent", func(t *testing.T) { testGetAbsent(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("ListPrefix", func(t *testing.T) { testListPrefix(t, factory) })
}

func testPutAndGet(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	if err := kv.Put(ctx, store.NamespaceSession, "k1", []byte("v1"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	item, err := kv.Get(ctx, store.NamespaceSession, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if string(item.Data) != "v1" {
		t.Fatalf("data = %q, want %q", item.Data, "v1")
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func testGetAbsent(t *testing.T, factory Factory) {
	kv := factory(t)

	item, err := kv.Get(context.Background(), store.NamespaceSession, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testOverwrite(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	if err := kv.Put(ctx, store.NamespaceQueue, "k", []byte("old"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Put(ctx, store.NamespaceQueue, "k", []byte("new"), 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	item, err := kv.Get(ctx, store.NamespaceQueue, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || string(item.Data) != "new" {
		t.Fatalf("item = %+v, want data %q", item, "new")
	}
}

func testTTLExpiry(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	if err := kv.Put(ctx, store.NamespaceSession, "ephemeral", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}

	item, err := kv.Get(ctx, store.NamespaceSession, "ephemeral")
	if err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	if item == nil {
		t.Fatal("expected item before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("expected expires_at to be set")
	}

	time.Sleep(80 * time.Millisecond)

	item, err = kv.Get(ctx, store.NamespaceSession, "ephemeral")
	if err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be absent, got %+v", item)
	}
}

func testDelete(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	if err := kv.Put(ctx, store.NamespaceDeadLetter, "k", []byte("x"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := kv.Delete(ctx, store.NamespaceDeadLetter, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	item, err := kv.Get(ctx, store.NamespaceDeadLetter, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Fatal("expected deleted item to be absent")
	}

	// Deleting an absent key is a no-op.
	if err := kv.Delete(ctx, store.NamespaceDeadLetter, "k"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	if err := kv.Put(ctx, store.NamespaceSession, "shared", []byte("session"), 0); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := kv.Put(ctx, store.NamespaceQueue, "shared", []byte("queue"), 0); err != nil {
		t.Fatalf("put queue: %v", err)
	}

	item, err := kv.Get(ctx, store.NamespaceSession, "shared")
	if err != nil || item == nil || string(item.Data) != "session" {
		t.Fatalf("session namespace: item=%+v err=%v", item, err)
	}
	item, err = kv.Get(ctx, store.NamespaceQueue, "shared")
	if err != nil || item == nil || string(item.Data) != "queue" {
		t.Fatalf("queue namespace: item=%+v err=%v", item, err)
	}

	if err := kv.Delete(ctx, store.NamespaceSession, "shared"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	item, err = kv.Get(ctx, store.NamespaceQueue, "shared")
	if err != nil || item == nil {
		t.Fatalf("queue entry lost after session delete: item=%+v err=%v", item, err)
	}
}

func testListPrefix(t *testing.T, factory Factory) {
	kv := factory(t)
	ctx := context.Background()

	for _, k := range []string{"op_a1", "op_a2", "op_b1"} {
		if err := kv.Put(ctx, store.NamespaceQueue, k, []byte("x"), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if err := kv.Put(ctx, store.NamespaceDeadLetter, "op_a3", []byte("x"), 0); err != nil {
		t.Fatalf("put dlq: %v", err)
	}

	keys, err := kv.List(ctx, store.NamespaceQueue, "op_a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "op_a1" || keys[1] != "op_a2" {
		t.Fatalf("list(op_a) = %v, want [op_a1 op_a2]", keys)
	}

	keys, err = kv.List(ctx, store.NamespaceQueue, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("list(\"\") = %v, want 3 keys", keys)
	}
}
