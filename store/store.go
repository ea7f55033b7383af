// Package store defines the local state store contract shared by the
// session cache, the sync operation queue, and the dead-letter store.
// Backends provide per-key TTL but no transactional cross-key guarantees;
// hot-path callers access the store by key, never by range scan.
package store

import (
	"context"
	"errors"
	"time"
)

// Namespace partitions keys into the three logical stores.
type Namespace string

const (
	// NamespaceSession holds cached session records.
	NamespaceSession Namespace = "session"
	// NamespaceQueue holds active sync operations.
	NamespaceQueue Namespace = "queue"
	// NamespaceDeadLetter holds operations that exhausted their retry budget.
	NamespaceDeadLetter Namespace = "deadletter"
)

// Default retention per namespace.
const (
	SessionTTL    = 24 * time.Hour
	QueueTTL      = 24 * time.Hour
	DeadLetterTTL = 7 * 24 * time.Hour
)

// Item is a stored value with its lifecycle metadata.
type Item struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the item's TTL has elapsed.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// KV is the key-value store contract. Get returns (nil, nil) for absent or
// expired keys; errors are reserved for backend failures.
type KV interface {
	Get(ctx context.Context, ns Namespace, key string) (*Item, error)
	Put(ctx context.Context, ns Namespace, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, ns Namespace, key string) error

	// List returns the keys in the namespace that begin with prefix. Pass an
	// empty prefix for the whole namespace. Intended for the dead-letter
	// reconciler and queue recovery, not for hot-path reads.
	List(ctx context.Context, ns Namespace, prefix string) ([]string, error)

	Close() error
}

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("store: closed")
