// Package sessionsync owns session lifecycle, vector-clock bookkeeping and
// conflict resolution between a node's local session cache and the remote
// authority service. Each node runs its own Synchronizer; cross-node
// coordination happens only through the authority and the local state
// store — there is no shared memory between nodes.
package sessionsync

import (
	"errors"
	"sort"
	"time"

	"github.com/statemesh/statemesh/vclock"
)

// SyncStatus tracks how a local session replica relates to the authority.
type SyncStatus string

const (
	// StatusSynced means the local replica matches the last known remote state.
	StatusSynced SyncStatus = "synced"
	// StatusPending means a local write has not yet been confirmed propagated.
	StatusPending SyncStatus = "pending"
	// StatusConflict means propagation or sync exhausted its retries; the
	// divergence is recorded rather than silently discarded.
	StatusConflict SyncStatus = "conflict"
)

var (
	// ErrNotFound is returned when a session exists neither locally nor at
	// the authority. Authority implementations return it from Fetch for
	// absent sessions.
	ErrNotFound = errors.New("sessionsync: session not found")
)

// SessionContext is one authenticated principal's state on one node.
// SessionID and CreatedAt are immutable once created; ExpiresAt may only be
// extended by a merge; Clock[OwnerNodeID] only ever increases for writes
// originating on this node.
type SessionContext struct {
	SessionID   string    `json:"session_id"`
	SubjectID   string    `json:"subject_id"`
	OwnerNodeID string    `json:"owner_node_id"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`

	// LastSyncedAt records the last successful reconciliation with the
	// authority and drives the staleness check on reads.
	LastSyncedAt time.Time `json:"last_synced_at"`

	TrustLevel  int          `json:"trust_level"`
	Permissions []string     `json:"permissions"`
	Clock       vclock.Clock `json:"vector_clock"`
	SyncStatus  SyncStatus   `json:"sync_status"`
}

// Expired reports whether the session lifetime has elapsed at now.
func (s *SessionContext) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasPermission reports whether the capability is granted.
func (s *SessionContext) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *SessionContext) Clone() *SessionContext {
	out := *s
	out.Permissions = append([]string(nil), s.Permissions...)
	out.Clock = s.Clock.Clone()
	return &out
}

// mergeSessions deterministically resolves two concurrent versions of the
// same session: clock join, max trust, permission union, latest expiry.
// Commutative and idempotent, so repeated out-of-order reconciliation
// converges regardless of which side runs it.
func mergeSessions(local, remote *SessionContext) *SessionContext {
	merged := local.Clone()
	merged.Clock = vclock.Merge(local.Clock, remote.Clock)
	if remote.TrustLevel > merged.TrustLevel {
		merged.TrustLevel = remote.TrustLevel
	}
	merged.Permissions = unionPermissions(local.Permissions, remote.Permissions)
	if remote.ExpiresAt.After(merged.ExpiresAt) {
		merged.ExpiresAt = remote.ExpiresAt
	}
	// CreatedAt is immutable; keep the earlier timestamp in case the two
	// replicas disagree.
	if remote.CreatedAt.Before(merged.CreatedAt) {
		merged.CreatedAt = remote.CreatedAt
	}
	merged.SyncStatus = StatusSynced
	return merged
}

// unionPermissions returns the sorted, de-duplicated union of both sets.
func unionPermissions(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, p := range a {
		seen[p] = struct{}{}
	}
	for _, p := range b {
		seen[p] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
