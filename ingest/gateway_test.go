package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/statemesh/statemesh/pipeline"
	"github.com/statemesh/statemesh/store"
	"github.com/statemesh/statemesh/store/memory"
)

const testSecret = "test-webhook-secret"

type mapResolver struct {
	identities map[string]string
}

func (r *mapResolver) ResolveIdentity(ctx context.Context, ev *Event) (string, error) {
	id, ok := r.identities[ev.Data.ID]
	if !ok {
		return "", ErrNoIdentity
	}
	return id, nil
}

type captureDispatcher struct {
	mu  sync.Mutex
	ops []*pipeline.Operation
}

func (d *captureDispatcher) Submit(op *pipeline.Operation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op.Clone())
	return true
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

type gatewayFixture struct {
	gw       *Gateway
	kv       *memory.KV
	queue    *pipeline.Queue
	dispatch *captureDispatcher
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	kv, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	queue := pipeline.NewQueue(kv)
	dispatch := &captureDispatcher{}
	resolver := &mapResolver{identities: map[string]string{"res-1": "PEO-001"}}

	gw, err := NewGateway(Config{Secret: testSecret}, queue, resolver, dispatch)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return &gatewayFixture{gw: gw, kv: kv, queue: queue, dispatch: dispatch}
}

func validEventBody(t *testing.T, resourceID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"object":           "event",
		"id":               "evt-100",
		"created_time":     "2026-08-01T12:00:00Z",
		"last_edited_time": "2026-08-01T12:30:00Z",
		"type":             "page.content_updated",
		"parent":           map[string]any{"type": "page_id", "page_id": "pg-9"},
		"data": map[string]any{
			"object":           "page",
			"id":               resourceID,
			"last_edited_time": "2026-08-01T12:30:00Z",
			"properties":       map[string]any{"title": "hello"},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func post(gw *Gateway, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func queueKeys(t *testing.T, kv *memory.KV) []string {
	t.Helper()
	keys, err := kv.List(context.Background(), store.NamespaceQueue, "")
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	return keys
}

func TestGatewayAcceptsSignedEvent(t *testing.T) {
	f := newGatewayFixture(t)
	body := validEventBody(t, "res-1")

	rec := post(f.gw, body, Sign([]byte(testSecret), body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp["status"] != "accepted" {
		t.Fatalf("response = %v", resp)
	}
	if resp["operation_id"] == "" {
		t.Fatal("response missing operation_id")
	}

	op, err := f.queue.Get(context.Background(), resp["operation_id"])
	if err != nil || op == nil {
		t.Fatalf("queued operation = (%+v, %v)", op, err)
	}
	if op.Status != pipeline.StatusPending || op.RetryCount != 0 {
		t.Errorf("fresh operation state: %+v", op)
	}
	if op.SyncType != pipeline.SyncContentUpdate {
		t.Errorf("sync type = %s", op.SyncType)
	}
	if op.AssociatedIdentity != "PEO-001" || op.TargetResourceID != "res-1" {
		t.Errorf("attribution: %+v", op)
	}
	if f.dispatch.count() != 1 {
		t.Errorf("dispatched %d operations, want 1", f.dispatch.count())
	}
}

func TestGatewayIdempotentRedelivery(t *testing.T) {
	f := newGatewayFixture(t)
	body := validEventBody(t, "res-1")
	sig := Sign([]byte(testSecret), body)

	first := decodeResponse(t, post(f.gw, body, sig))
	second := post(f.gw, body, sig)

	if second.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", second.Code)
	}
	resp := decodeResponse(t, second)
	if resp["status"] != "already_processed" {
		t.Fatalf("redelivery response = %v", resp)
	}
	if resp["operation_id"] != first["operation_id"] {
		t.Errorf("redelivery mapped to a different operation: %v vs %v", resp, first)
	}
	if got := queueKeys(t, f.kv); len(got) != 1 {
		t.Errorf("queue holds %d operations, want exactly 1", len(got))
	}
	if f.dispatch.count() != 1 {
		t.Errorf("dispatched %d times, want 1", f.dispatch.count())
	}
}

func TestGatewayRedeliveryOfDeadLetteredEvent(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)
	body := validEventBody(t, "res-1")
	sig := Sign([]byte(testSecret), body)

	first := decodeResponse(t, post(f.gw, body, sig))

	// Exhaust the operation into the dead-letter store.
	op, err := f.queue.Get(ctx, first["operation_id"])
	if err != nil || op == nil {
		t.Fatalf("queued operation = (%+v, %v)", op, err)
	}
	op.Status = pipeline.StatusDeadLetter
	op.RetryCount = 3
	if err := f.queue.MoveToDeadLetter(ctx, op); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	second := post(f.gw, body, sig)
	if second.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", second.Code)
	}
	resp := decodeResponse(t, second)
	if resp["status"] != "already_processed" {
		t.Fatalf("redelivery response = %v, want already_processed", resp)
	}
	if resp["operation_id"] != first["operation_id"] {
		t.Errorf("redelivery mapped to a different operation: %v vs %v", resp, first)
	}

	// Dead-lettered work only leaves through the reconciler's recovery hook.
	if got := queueKeys(t, f.kv); len(got) != 0 {
		t.Errorf("redelivery re-enqueued dead-lettered operation: %v", got)
	}
	if f.dispatch.count() != 1 {
		t.Errorf("dispatched %d times, want 1", f.dispatch.count())
	}
	dead, err := f.queue.ListDeadLetters(ctx)
	if err != nil || len(dead) != 1 || dead[0].RetryCount != 3 {
		t.Errorf("dead-letter record disturbed: (%+v, %v)", dead, err)
	}
}

func TestGatewayRejectsBadSignature(t *testing.T) {
	f := newGatewayFixture(t)
	body := validEventBody(t, "res-1")

	t.Run("wrong secret", func(t *testing.T) {
		rec := post(f.gw, body, Sign([]byte("wrong-secret"), body))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})
	t.Run("missing header", func(t *testing.T) {
		rec := post(f.gw, body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})
	t.Run("not hex", func(t *testing.T) {
		rec := post(f.gw, body, "zzzz")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	if got := queueKeys(t, f.kv); len(got) != 0 {
		t.Errorf("rejected requests reached the queue: %v", got)
	}
	if f.dispatch.count() != 0 {
		t.Errorf("rejected requests were dispatched: %d", f.dispatch.count())
	}
}

func TestGatewayRejectsMalformedEvents(t *testing.T) {
	f := newGatewayFixture(t)

	for name, mutate := range map[string]func(map[string]any){
		"wrong object":   func(m map[string]any) { m["object"] = "page" },
		"unknown type":   func(m map[string]any) { m["type"] = "page.deleted" },
		"missing id":     func(m map[string]any) { delete(m, "id") },
		"missing parent": func(m map[string]any) { delete(m, "parent") },
		"missing data":   func(m map[string]any) { delete(m, "data") },
	} {
		t.Run(name, func(t *testing.T) {
			var ev map[string]any
			if err := json.Unmarshal(validEventBody(t, "res-1"), &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			mutate(ev)
			body, err := json.Marshal(ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			rec := post(f.gw, body, Sign([]byte(testSecret), body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}

	if got := queueKeys(t, f.kv); len(got) != 0 {
		t.Errorf("malformed events reached the queue: %v", got)
	}
}

func TestGatewayDropsUnattributableEvent(t *testing.T) {
	f := newGatewayFixture(t)
	body := validEventBody(t, "res-unknown")

	rec := post(f.gw, body, Sign([]byte(testSecret), body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so the sender stops retrying", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp["status"] != "dropped" {
		t.Fatalf("response = %v", resp)
	}
	if got := queueKeys(t, f.kv); len(got) != 0 {
		t.Errorf("dropped event reached the queue: %v", got)
	}
	if f.dispatch.count() != 0 {
		t.Errorf("dropped event was dispatched: %d", f.dispatch.count())
	}
}

func TestGatewayMethodNotAllowed(t *testing.T) {
	f := newGatewayFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	f.gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestEventTypeSyncTypeMapping(t *testing.T) {
	for _, tc := range []struct {
		ev   EventType
		want pipeline.SyncType
	}{
		{EventSchemaUpdated, pipeline.SyncSchemaUpdate},
		{EventContentUpdated, pipeline.SyncContentUpdate},
		{EventStructureChanged, pipeline.SyncStructureChange},
		{EventType("bogus"), pipeline.SyncType("")},
	} {
		if got := tc.ev.SyncType(); got != tc.want {
			t.Errorf("SyncType(%s) = %s, want %s", tc.ev, got, tc.want)
		}
	}
}
