package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/statemesh/statemesh/internal/logctx"
	"github.com/statemesh/statemesh/metrics"
	"github.com/statemesh/statemesh/pipeline"
)

// DefaultSignatureHeader carries the hex-encoded HMAC-SHA256 of the raw
// request body.
const DefaultSignatureHeader = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20

// ErrNoIdentity is returned by resolvers when an event cannot be
// attributed to any domain entity.
var ErrNoIdentity = errors.New("ingest: no identity for resource")

// IdentityResolver attributes an event's target resource to a domain
// identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, ev *Event) (string, error)
}

// Dispatcher receives newly queued operations for asynchronous processing.
// *pipeline.Processor satisfies it.
type Dispatcher interface {
	Submit(op *pipeline.Operation) bool
}

// Config controls the gateway. Defaults can be loaded via envdecode.
type Config struct {
	// Secret is the shared webhook signing secret. ENV: WEBHOOK_SECRET
	Secret string `env:"WEBHOOK_SECRET"`
	// SignatureHeader overrides the header the signature is read from.
	// ENV: WEBHOOK_SIGNATURE_HEADER
	SignatureHeader string `env:"WEBHOOK_SIGNATURE_HEADER,default=X-Webhook-Signature"`
}

// Gateway is the inbound webhook boundary. It implements http.Handler.
type Gateway struct {
	secret    []byte
	sigHeader string
	schema    *jsonschema.Schema
	queue     *pipeline.Queue
	resolver  IdentityResolver
	dispatch  Dispatcher
	log       *slog.Logger
	met       *metrics.Set
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets a custom logger.
func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithGatewayMetrics attaches prometheus instrumentation.
func WithGatewayMetrics(m *metrics.Set) GatewayOption {
	return func(g *Gateway) { g.met = m }
}

// NewGateway creates the webhook boundary.
func NewGateway(cfg Config, queue *pipeline.Queue, resolver IdentityResolver, dispatch Dispatcher, opts ...GatewayOption) (*Gateway, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	sch, err := compileEventSchema()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		secret:    []byte(cfg.Secret),
		sigHeader: cfg.SignatureHeader,
		schema:    sch,
		queue:     queue,
		resolver:  resolver,
		dispatch:  dispatch,
		log:       slog.Default(),
	}
	if g.sigHeader == "" {
		g.sigHeader = DefaultSignatureHeader
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		g.met.IncWebhook("error")
		g.log.ErrorContext(ctx, "read webhook body", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "read body"})
		return
	}
	if len(body) > maxBodyBytes {
		g.met.IncWebhook("rejected_size")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body too large"})
		return
	}

	// Authenticity first: nothing is parsed, logged in detail, or queued
	// for a request that does not carry a valid signature.
	if !g.verifySignature(body, r.Header.Get(g.sigHeader)) {
		g.met.IncWebhook("rejected_signature")
		g.log.WarnContext(ctx, "webhook signature mismatch")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	if err := validateEventBody(g.schema, body); err != nil {
		g.met.IncWebhook("rejected_schema")
		g.log.WarnContext(ctx, "webhook event failed validation", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		g.met.IncWebhook("rejected_schema")
		g.log.WarnContext(ctx, "webhook event failed decoding", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed timestamps"})
		return
	}

	status, op, err := g.accept(ctx, &ev)
	if err != nil {
		g.met.IncWebhook("error")
		g.log.ErrorContext(ctx, "webhook intake failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "intake failed"})
		return
	}

	g.met.IncWebhook(status)
	resp := map[string]string{"status": status}
	if op != nil {
		resp["operation_id"] = op.OperationID
	}
	writeJSON(w, http.StatusOK, resp)
}

// accept converts a verified, validated event into a queued operation.
// Returns the response status: accepted, already_processed, or dropped.
func (g *Gateway) accept(ctx context.Context, ev *Event) (string, *pipeline.Operation, error) {
	opID := pipeline.OperationID(ev.ID, string(ev.Type), ev.LastEditedTime)

	// At-least-once delivery is expected; a known id means the event has
	// already been accepted and must not produce a second operation. The
	// dead-letter namespace counts too: a dead-lettered operation is
	// terminal and only leaves through the reconciler's recovery hook, so
	// redelivery must not resurrect it into the primary pipeline.
	existing, err := g.queue.Get(ctx, opID)
	if err != nil {
		return "", nil, err
	}
	if existing == nil {
		existing, err = g.queue.GetDeadLetter(ctx, opID)
		if err != nil {
			return "", nil, err
		}
	}
	if existing != nil {
		g.log.InfoContext(ctx, "duplicate webhook delivery", "operation_id", opID)
		return "already_processed", existing, nil
	}

	identity, err := g.resolver.ResolveIdentity(ctx, ev)
	if err != nil || identity == "" {
		if err != nil && !errors.Is(err, ErrNoIdentity) {
			return "", nil, fmt.Errorf("resolve identity for %s: %w", ev.Data.ID, err)
		}
		// Unattributable events are unrecoverable locally; acknowledge the
		// sender so it does not retry into the same gap.
		g.log.WarnContext(ctx, "event dropped, no identity for resource",
			"event_id", ev.ID, "resource_id", ev.Data.ID)
		return "dropped", nil, nil
	}

	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return "", nil, fmt.Errorf("encode event data: %w", err)
	}

	op := &pipeline.Operation{
		OperationID:        opID,
		SourceEventID:      ev.ID,
		SyncType:           ev.Type.SyncType(),
		TargetResourceID:   ev.Data.ID,
		AssociatedIdentity: identity,
		Payload:            payload,
		RetryCount:         0,
		Status:             pipeline.StatusPending,
		CreatedAt:          time.Now().UTC(),
	}
	if err := g.queue.Put(ctx, op); err != nil {
		return "", nil, err
	}

	// The HTTP response is not held open for processing.
	g.dispatch.Submit(op)

	g.log.InfoContext(ctx, "webhook event accepted",
		"operation_id", op.OperationID, "sync_type", op.SyncType)
	return "accepted", op, nil
}

func (g *Gateway) verifySignature(body []byte, signature string) bool {
	supplied, err := hex.DecodeString(signature)
	if err != nil || len(supplied) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return hmac.Equal(supplied, mac.Sum(nil))
}

// Sign computes the signature a sender must attach for the given body.
// Exposed for senders and tests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
