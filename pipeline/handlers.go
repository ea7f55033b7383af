package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler applies one sync operation against the canonical domain store.
type Handler interface {
	Apply(ctx context.Context, op *Operation) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, op *Operation) error

func (f HandlerFunc) Apply(ctx context.Context, op *Operation) error { return f(ctx, op) }

// Source reads the current external state of a resource.
type Source interface {
	Fetch(ctx context.Context, resourceID string) (json.RawMessage, error)
}

// Canon is the canonical domain store the pipeline writes into. It is an
// external collaborator; implementations decide how upserts map onto
// domain entities.
type Canon interface {
	UpsertSchema(ctx context.Context, identity, resourceID string, schema json.RawMessage) error
	UpsertContent(ctx context.Context, identity, resourceID string, properties json.RawMessage) error
	Restructure(ctx context.Context, identity, resourceID string, structure json.RawMessage) error

	// Verify checks post-condition consistency after an upsert.
	Verify(ctx context.Context, resourceID string) error
}

// Handlers builds the default per-type handler set: each fetches the
// resource's current external state, applies the typed update to the
// canonical store, and verifies the result.
func Handlers(src Source, canon Canon) map[SyncType]Handler {
	return map[SyncType]Handler{
		SyncSchemaUpdate:    &typedHandler{src: src, canon: canon, apply: canon.UpsertSchema},
		SyncContentUpdate:   &typedHandler{src: src, canon: canon, apply: canon.UpsertContent},
		SyncStructureChange: &typedHandler{src: src, canon: canon, apply: canon.Restructure},
	}
}

type typedHandler struct {
	src   Source
	canon Canon
	apply func(ctx context.Context, identity, resourceID string, doc json.RawMessage) error
}

func (h *typedHandler) Apply(ctx context.Context, op *Operation) error {
	current, err := h.src.Fetch(ctx, op.TargetResourceID)
	if err != nil {
		return fmt.Errorf("fetch external state for %s: %w", op.TargetResourceID, err)
	}

	doc, err := mergeDocuments(current, op.Payload)
	if err != nil {
		return fmt.Errorf("transform %s: %w", op.TargetResourceID, err)
	}

	if err := h.apply(ctx, op.AssociatedIdentity, op.TargetResourceID, doc); err != nil {
		return fmt.Errorf("apply %s to %s: %w", op.SyncType, op.TargetResourceID, err)
	}
	if err := h.canon.Verify(ctx, op.TargetResourceID); err != nil {
		return fmt.Errorf("verify %s: %w", op.TargetResourceID, err)
	}
	return nil
}

// mergeDocuments overlays the event payload onto the fetched external
// state, producing the document handed to the canonical store. Event
// fields win over the fetched snapshot.
func mergeDocuments(current, payload json.RawMessage) (json.RawMessage, error) {
	if len(current) == 0 {
		return payload, nil
	}
	if len(payload) == 0 {
		return current, nil
	}

	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(current, &base); err != nil {
		return nil, fmt.Errorf("decode external state: %w", err)
	}
	if err := json.Unmarshal(payload, &overlay); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}
