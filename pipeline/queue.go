package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/statemesh/statemesh/store"
)

// Queue persists operations in the local state store: active work in the
// queue namespace, exhausted work in the dead-letter namespace with longer
// retention. Records are looked up by id, never rewritten except for
// status/retry fields, and completed records stay until their TTL expires
// as an audit and idempotency trail.
type Queue struct {
	kv store.KV
}

// NewQueue wraps the store.
func NewQueue(kv store.KV) *Queue {
	return &Queue{kv: kv}
}

// Get loads an active operation, nil when absent.
func (q *Queue) Get(ctx context.Context, operationID string) (*Operation, error) {
	return q.get(ctx, store.NamespaceQueue, operationID)
}

// Put writes an active operation, stamping UpdatedAt.
func (q *Queue) Put(ctx context.Context, op *Operation) error {
	op.UpdatedAt = time.Now().UTC()
	return q.put(ctx, store.NamespaceQueue, op, store.QueueTTL)
}

// GetDeadLetter loads a dead-lettered operation, nil when absent.
func (q *Queue) GetDeadLetter(ctx context.Context, operationID string) (*Operation, error) {
	return q.get(ctx, store.NamespaceDeadLetter, operationID)
}

// MoveToDeadLetter copies the full record into the dead-letter namespace
// and removes it from the active queue.
func (q *Queue) MoveToDeadLetter(ctx context.Context, op *Operation) error {
	op.UpdatedAt = time.Now().UTC()
	if err := q.put(ctx, store.NamespaceDeadLetter, op, store.DeadLetterTTL); err != nil {
		return err
	}
	if err := q.kv.Delete(ctx, store.NamespaceQueue, op.OperationID); err != nil {
		return fmt.Errorf("remove %s from queue: %w", op.OperationID, err)
	}
	return nil
}

// ListDeadLetters returns every dead-letter record.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]*Operation, error) {
	keys, err := q.kv.List(ctx, store.NamespaceDeadLetter, "")
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	ops := make([]*Operation, 0, len(keys))
	for _, key := range keys {
		op, err := q.get(ctx, store.NamespaceDeadLetter, key)
		if err != nil {
			return nil, err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

// DeleteDeadLetter removes a recovered dead-letter record.
func (q *Queue) DeleteDeadLetter(ctx context.Context, operationID string) error {
	if err := q.kv.Delete(ctx, store.NamespaceDeadLetter, operationID); err != nil {
		return fmt.Errorf("delete dead letter %s: %w", operationID, err)
	}
	return nil
}

// ListPending returns active operations still in pending state, for crash
// recovery at startup.
func (q *Queue) ListPending(ctx context.Context) ([]*Operation, error) {
	return q.listByStatus(ctx, func(op *Operation) bool {
		return op.Status == StatusPending
	})
}

// ListStalled returns operations stuck in processing whose last update is
// older than cutoff: work interrupted mid-flight by a crash or shutdown
// that no worker will ever finish.
func (q *Queue) ListStalled(ctx context.Context, cutoff time.Time) ([]*Operation, error) {
	return q.listByStatus(ctx, func(op *Operation) bool {
		return op.Status == StatusProcessing && op.UpdatedAt.Before(cutoff)
	})
}

func (q *Queue) listByStatus(ctx context.Context, keep func(*Operation) bool) ([]*Operation, error) {
	keys, err := q.kv.List(ctx, store.NamespaceQueue, "")
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}

	var ops []*Operation
	for _, key := range keys {
		op, err := q.get(ctx, store.NamespaceQueue, key)
		if err != nil {
			return nil, err
		}
		if op != nil && keep(op) {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (q *Queue) get(ctx context.Context, ns store.Namespace, operationID string) (*Operation, error) {
	item, err := q.kv.Get(ctx, ns, operationID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", operationID, err)
	}
	if item == nil {
		return nil, nil
	}
	var op Operation
	if err := json.Unmarshal(item.Data, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", operationID, err)
	}
	return &op, nil
}

func (q *Queue) put(ctx context.Context, ns store.Namespace, op *Operation, ttl time.Duration) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.OperationID, err)
	}
	if err := q.kv.Put(ctx, ns, op.OperationID, data, ttl); err != nil {
		return fmt.Errorf("persist operation %s: %w", op.OperationID, err)
	}
	return nil
}
