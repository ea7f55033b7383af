// Package memory provides an in-process implementation of the store.KV
// contract using github.com/hashicorp/golang-lru/v2, with a background
// sweep for expired entries. Suitable for tests and single-node
// deployments.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/statemesh/statemesh/store"
)

const defaultMaxItems = 65536

// KV implements store.KV in memory.
type KV struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, *store.Item]
	done   chan struct{}
	closed bool
}

// New creates an in-memory store holding at most maxItems entries.
// maxItems <= 0 selects a default capacity.
func New(maxItems int) (*KV, error) {
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	cache, err := lru.New[string, *store.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}

	kv := &KV{
		cache: cache,
		done:  make(chan struct{}),
	}
	go kv.sweepExpired()
	return kv, nil
}

func (kv *KV) Get(ctx context.Context, ns store.Namespace, key string) (*store.Item, error) {
	storageKey := buildKey(ns, key)

	kv.mu.RLock()
	if kv.closed {
		kv.mu.RUnlock()
		return nil, store.ErrClosed
	}
	item, ok := kv.cache.Get(storageKey)
	kv.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	if item.IsExpired() {
		kv.mu.Lock()
		kv.cache.Remove(storageKey)
		kv.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (kv *KV) Put(ctx context.Context, ns store.Namespace, key string, data []byte, ttl time.Duration) error {
	now := time.Now()
	item := &store.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)
	if ttl > 0 {
		expiresAt := now.Add(ttl)
		item.ExpiresAt = &expiresAt
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.closed {
		return store.ErrClosed
	}
	kv.cache.Add(buildKey(ns, key), item)
	return nil
}

func (kv *KV) Delete(ctx context.Context, ns store.Namespace, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.closed {
		return store.ErrClosed
	}
	kv.cache.Remove(buildKey(ns, key))
	return nil
}

func (kv *KV) List(ctx context.Context, ns store.Namespace, prefix string) ([]string, error) {
	full := buildKey(ns, prefix)

	kv.mu.RLock()
	defer kv.mu.RUnlock()
	if kv.closed {
		return nil, store.ErrClosed
	}

	var out []string
	for _, storageKey := range kv.cache.Keys() {
		if !strings.HasPrefix(storageKey, full) {
			continue
		}
		if item, ok := kv.cache.Peek(storageKey); ok && !item.IsExpired() {
			out = append(out, strings.TrimPrefix(storageKey, buildKey(ns, "")))
		}
	}
	return out, nil
}

// Close stops the sweep goroutine and drops all entries.
func (kv *KV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.closed {
		return nil
	}
	kv.closed = true
	close(kv.done)
	kv.cache.Purge()
	return nil
}

func buildKey(ns store.Namespace, key string) string {
	return string(ns) + ":" + key
}

func (kv *KV) sweepExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-kv.done:
			return
		case <-ticker.C:
		}

		kv.mu.Lock()
		for _, key := range kv.cache.Keys() {
			if item, ok := kv.cache.Peek(key); ok && item.IsExpired() {
				kv.cache.Remove(key)
			}
		}
		kv.mu.Unlock()
	}
}

var _ store.KV = (*KV)(nil)
