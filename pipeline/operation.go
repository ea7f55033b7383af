// Package pipeline implements the reliable half of event ingestion: queued
// idempotent sync operations, per-type handler dispatch with retry
// accounting, dead-letter escalation, and the scheduled dead-letter
// reconciler.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SyncType selects the handler an operation is dispatched to.
type SyncType string

const (
	SyncSchemaUpdate    SyncType = "schema_update"
	SyncContentUpdate   SyncType = "content_update"
	SyncStructureChange SyncType = "structure_change"
)

// Valid reports whether the sync type is one of the known kinds.
func (t SyncType) Valid() bool {
	switch t {
	case SyncSchemaUpdate, SyncContentUpdate, SyncStructureChange:
		return true
	}
	return false
}

// Status is the lifecycle state of an operation.
// pending → processing → {completed | pending(retry) | dlq}.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dlq"
)

// Operation is one unit of queued, idempotent work derived from an inbound
// event. OperationID is a deterministic function of the source event's
// identity, so redelivery of the same event maps onto the same record.
type Operation struct {
	OperationID        string          `json:"operation_id"`
	SourceEventID      string          `json:"source_event_id"`
	SyncType           SyncType        `json:"sync_type"`
	TargetResourceID   string          `json:"target_resource_id"`
	AssociatedIdentity string          `json:"associated_identity"`
	Payload            json.RawMessage `json:"payload"`
	RetryCount         int             `json:"retry_count"`
	Status             Status          `json:"status"`
	ErrorDetail        string          `json:"error_detail,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Terminal reports whether the operation has reached a state it never
// leaves.
func (o *Operation) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusDeadLetter
}

// Clone returns an independent copy.
func (o *Operation) Clone() *Operation {
	out := *o
	out.Payload = append(json.RawMessage(nil), o.Payload...)
	return &out
}

// OperationID derives the idempotency key for an event: a hash over the
// source event id, its type, and its last-modified timestamp. Redelivery
// of the same logical event always yields the same id; a modified event
// yields a new one.
func OperationID(sourceEventID, eventType string, lastEdited time.Time) string {
	h := sha256.New()
	h.Write([]byte(sourceEventID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(lastEdited.UTC().Format(time.RFC3339Nano)))
	return "op_" + hex.EncodeToString(h.Sum(nil))[:40]
}
