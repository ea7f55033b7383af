package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/statemesh/statemesh/store"
	"github.com/statemesh/statemesh/store/memory"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	kv, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return NewQueue(kv)
}

// putWithUpdatedAt persists an operation with a forged UpdatedAt, bypassing
// Put's timestamping.
func putWithUpdatedAt(t *testing.T, ctx context.Context, q *Queue, op *Operation, updatedAt time.Time) {
	t.Helper()
	op.UpdatedAt = updatedAt
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := q.kv.Put(ctx, store.NamespaceQueue, op.OperationID, data, store.QueueTTL); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op := &Operation{
		OperationID:   "op_abc",
		SourceEventID: "evt-1",
		SyncType:      SyncContentUpdate,
		Status:        StatusPending,
		Payload:       []byte(`{"k":"v"}`),
	}
	if err := q.Put(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}
	if op.UpdatedAt.IsZero() {
		t.Error("put must stamp UpdatedAt")
	}

	got, err := q.Get(ctx, "op_abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SourceEventID != "evt-1" || got.SyncType != SyncContentUpdate {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	missing, err := q.Get(ctx, "op_nope")
	if err != nil || missing != nil {
		t.Fatalf("absent lookup = (%+v, %v), want (nil, nil)", missing, err)
	}
}

func TestMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	op := &Operation{OperationID: "op_dead", Status: StatusDeadLetter, RetryCount: 3}
	if err := q.Put(ctx, op); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := q.MoveToDeadLetter(ctx, op); err != nil {
		t.Fatalf("move: %v", err)
	}

	active, err := q.Get(ctx, "op_dead")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if active != nil {
		t.Error("operation still in active queue after dead-lettering")
	}

	dead, err := q.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].OperationID != "op_dead" || dead[0].RetryCount != 3 {
		t.Fatalf("dead letters = %+v", dead)
	}

	if err := q.DeleteDeadLetter(ctx, "op_dead"); err != nil {
		t.Fatalf("delete dead letter: %v", err)
	}
	dead, err = q.ListDeadLetters(ctx)
	if err != nil || len(dead) != 0 {
		t.Fatalf("dead letters after delete = (%+v, %v)", dead, err)
	}
}

func TestListStalledFiltersByAgeAndStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now().UTC()

	putWithUpdatedAt(t, ctx, q, &Operation{OperationID: "op_old_proc", Status: StatusProcessing}, now.Add(-time.Hour))
	putWithUpdatedAt(t, ctx, q, &Operation{OperationID: "op_fresh_proc", Status: StatusProcessing}, now)
	putWithUpdatedAt(t, ctx, q, &Operation{OperationID: "op_old_pending", Status: StatusPending}, now.Add(-time.Hour))

	stalled, err := q.ListStalled(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].OperationID != "op_old_proc" {
		t.Fatalf("stalled = %+v, want only op_old_proc", stalled)
	}
}

func TestListPendingFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for _, op := range []*Operation{
		{OperationID: "op_p1", Status: StatusPending},
		{OperationID: "op_p2", Status: StatusPending},
		{OperationID: "op_done", Status: StatusCompleted},
		{OperationID: "op_run", Status: StatusProcessing},
	} {
		if err := q.Put(ctx, op); err != nil {
			t.Fatalf("put %s: %v", op.OperationID, err)
		}
	}

	pending, err := q.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d ops, want 2: %+v", len(pending), pending)
	}
	for _, op := range pending {
		if op.Status != StatusPending {
			t.Errorf("non-pending op returned: %+v", op)
		}
	}
}
