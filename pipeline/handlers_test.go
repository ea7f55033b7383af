package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeSource struct {
	doc json.RawMessage
	err error
}

func (s *fakeSource) Fetch(ctx context.Context, resourceID string) (json.RawMessage, error) {
	return s.doc, s.err
}

type fakeCanon struct {
	schemaCalls  int
	contentCalls int
	lastDoc      json.RawMessage
	lastIdentity string
	applyErr     error
	verifyErr    error
	verified     []string
}

func (c *fakeCanon) UpsertSchema(ctx context.Context, identity, resourceID string, schema json.RawMessage) error {
	c.schemaCalls++
	c.lastIdentity = identity
	c.lastDoc = schema
	return c.applyErr
}

func (c *fakeCanon) UpsertContent(ctx context.Context, identity, resourceID string, properties json.RawMessage) error {
	c.contentCalls++
	c.lastIdentity = identity
	c.lastDoc = properties
	return c.applyErr
}

func (c *fakeCanon) Restructure(ctx context.Context, identity, resourceID string, structure json.RawMessage) error {
	c.lastIdentity = identity
	c.lastDoc = structure
	return c.applyErr
}

func (c *fakeCanon) Verify(ctx context.Context, resourceID string) error {
	c.verified = append(c.verified, resourceID)
	return c.verifyErr
}

func TestTypedHandlerOverlaysPayloadOnFetchedState(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{doc: json.RawMessage(`{"title":"old","status":"active"}`)}
	canon := &fakeCanon{}
	handlers := Handlers(src, canon)

	op := &Operation{
		OperationID:        "op_x",
		SyncType:           SyncContentUpdate,
		TargetResourceID:   "res-1",
		AssociatedIdentity: "PEO-001",
		Payload:            json.RawMessage(`{"title":"new"}`),
	}
	if err := handlers[SyncContentUpdate].Apply(ctx, op); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(canon.lastDoc, &doc); err != nil {
		t.Fatalf("decode applied doc: %v", err)
	}
	if doc["title"] != "new" {
		t.Errorf("payload field must win: %v", doc)
	}
	if doc["status"] != "active" {
		t.Errorf("fetched field must survive: %v", doc)
	}
	if canon.lastIdentity != "PEO-001" {
		t.Errorf("identity = %q", canon.lastIdentity)
	}
	if len(canon.verified) != 1 || canon.verified[0] != "res-1" {
		t.Errorf("verify calls = %v, want [res-1]", canon.verified)
	}
}

func TestTypedHandlerPropagatesFailures(t *testing.T) {
	ctx := context.Background()
	op := &Operation{SyncType: SyncSchemaUpdate, TargetResourceID: "res-1", Payload: json.RawMessage(`{}`)}

	t.Run("fetch failure", func(t *testing.T) {
		src := &fakeSource{err: errors.New("rate limited")}
		h := Handlers(src, &fakeCanon{})[SyncSchemaUpdate]
		if err := h.Apply(ctx, op); err == nil {
			t.Fatal("expected fetch error to surface")
		}
	})

	t.Run("apply failure", func(t *testing.T) {
		canon := &fakeCanon{applyErr: errors.New("constraint violated")}
		h := Handlers(&fakeSource{}, canon)[SyncSchemaUpdate]
		if err := h.Apply(ctx, op); err == nil {
			t.Fatal("expected apply error to surface")
		}
		if len(canon.verified) != 0 {
			t.Error("verify must not run after a failed apply")
		}
	})

	t.Run("verify failure", func(t *testing.T) {
		canon := &fakeCanon{verifyErr: errors.New("inconsistent")}
		h := Handlers(&fakeSource{}, canon)[SyncSchemaUpdate]
		if err := h.Apply(ctx, op); err == nil {
			t.Fatal("expected verify error to surface")
		}
	})
}

func TestMergeDocuments(t *testing.T) {
	t.Run("payload wins on conflict", func(t *testing.T) {
		got, err := mergeDocuments(
			json.RawMessage(`{"a":1,"b":2}`),
			json.RawMessage(`{"b":3,"c":4}`),
		)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		var doc map[string]int
		if err := json.Unmarshal(got, &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if doc["a"] != 1 || doc["b"] != 3 || doc["c"] != 4 {
			t.Errorf("merged = %v", doc)
		}
	})

	t.Run("empty current", func(t *testing.T) {
		got, err := mergeDocuments(nil, json.RawMessage(`{"a":1}`))
		if err != nil || string(got) != `{"a":1}` {
			t.Fatalf("merge = (%s, %v)", got, err)
		}
	})

	t.Run("empty payload", func(t *testing.T) {
		got, err := mergeDocuments(json.RawMessage(`{"a":1}`), nil)
		if err != nil || string(got) != `{"a":1}` {
			t.Fatalf("merge = (%s, %v)", got, err)
		}
	})

	t.Run("malformed current", func(t *testing.T) {
		if _, err := mergeDocuments(json.RawMessage(`not json`), json.RawMessage(`{}`)); err == nil {
			t.Fatal("expected decode error")
		}
	})
}
