package sessionsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/statemesh/statemesh/internal/logctx"
	"github.com/statemesh/statemesh/internal/sealbox"
	"github.com/statemesh/statemesh/metrics"
	"github.com/statemesh/statemesh/retry"
	"github.com/statemesh/statemesh/store"
	"github.com/statemesh/statemesh/vclock"
)

// Authority is the remote service that holds the cross-node source of
// truth for sessions. Fetch returns ErrNotFound for absent sessions.
type Authority interface {
	Fetch(ctx context.Context, sessionID string) (*SessionContext, error)
	Store(ctx context.Context, sess *SessionContext) error
}

// Config controls a node's Synchronizer. Defaults can be loaded via
// envdecode.
type Config struct {
	// NodeID identifies this node in vector clocks. ENV: NODE_ID
	NodeID string `env:"NODE_ID"`
	// SessionLifetime is the fixed lifetime granted at creation.
	// ENV: SESSION_LIFETIME
	SessionLifetime time.Duration `env:"SESSION_LIFETIME,default=24h"`
	// ResyncAfter is the sync-recency window: a read older than this since
	// the last successful sync triggers a resync. ENV: SESSION_RESYNC_AFTER
	ResyncAfter time.Duration `env:"SESSION_RESYNC_AFTER,default=5m"`
	// PropagationWorkers bounds the number of in-flight background
	// propagations. ENV: PROPAGATION_WORKERS
	PropagationWorkers int `env:"PROPAGATION_WORKERS,default=4"`
	// PropagationBuffer is the capacity of the propagation queue.
	// ENV: PROPAGATION_BUFFER
	PropagationBuffer int `env:"PROPAGATION_BUFFER,default=64"`

	// SealKey, when set, enables AES-GCM sealing of session records at
	// rest. Must be 16, 24 or 32 bytes.
	SealKey []byte

	// Retry is the shared propagation backoff policy.
	Retry retry.Policy
}

// Updates carries the field-level changes applied by Update. Nil fields are
// left unchanged; Permissions replaces the whole set.
type Updates struct {
	TrustLevel  *int
	Permissions []string
	// ExtendLifetime pushes ExpiresAt forward by the given duration.
	ExtendLifetime time.Duration
}

// Synchronizer owns the local session cache for one node and reconciles it
// with the authority. Safe for concurrent use; updates to the same session
// are serialized through a per-key mutex.
type Synchronizer struct {
	kv     store.KV
	remote Authority
	cfg    Config
	box    *sealbox.Box
	log    *slog.Logger
	met    *metrics.Set

	keys *keyedMutex
	jobs chan *SessionContext
	wg   sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *metrics.Set) Option {
	return func(s *Synchronizer) { s.met = m }
}

// New creates a Synchronizer. Run must be called before Update's
// non-blocking propagation can make progress.
func New(kv store.KV, remote Authority, cfg Config, opts ...Option) (*Synchronizer, error) {
	if kv == nil {
		return nil, fmt.Errorf("store is required")
	}
	if remote == nil {
		return nil, fmt.Errorf("authority is required")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 24 * time.Hour
	}
	if cfg.ResyncAfter <= 0 {
		cfg.ResyncAfter = 5 * time.Minute
	}
	if cfg.PropagationWorkers <= 0 {
		cfg.PropagationWorkers = 4
	}
	if cfg.PropagationBuffer <= 0 {
		cfg.PropagationBuffer = 64
	}

	s := &Synchronizer{
		kv:     kv,
		remote: remote,
		cfg:    cfg,
		log:    slog.Default(),
		keys:   newKeyedMutex(),
		jobs:   make(chan *SessionContext, cfg.PropagationBuffer),
	}
	if len(cfg.SealKey) > 0 {
		box, err := sealbox.New(cfg.SealKey)
		if err != nil {
			return nil, fmt.Errorf("seal key: %w", err)
		}
		s.box = box
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// NodeID returns this node's identifier.
func (s *Synchronizer) NodeID() string { return s.cfg.NodeID }

// Run starts the bounded propagation worker pool and blocks until ctx is
// done. Propagations queued at shutdown stay pending and are reconciled by
// the staleness check on a later read.
func (s *Synchronizer) Run(ctx context.Context) error {
	for i := 0; i < s.cfg.PropagationWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sess := <-s.jobs:
					s.propagate(ctx, sess)
				}
			}
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
	return ctx.Err()
}

// Create mints a new session for the subject, persists it locally and
// propagates it to the authority before returning. Propagation failure is
// fatal: the local record is removed and the error surfaced, so a failed
// Create leaves nothing behind.
func (s *Synchronizer) Create(ctx context.Context, subjectID string, trustLevel int, permissions []string) (*SessionContext, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("subject id is required")
	}

	now := time.Now().UTC()
	sess := &SessionContext{
		SessionID:    uuid.NewString(),
		SubjectID:    subjectID,
		OwnerNodeID:  s.cfg.NodeID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.SessionLifetime),
		LastSyncedAt: now,
		TrustLevel:   trustLevel,
		Permissions:  unionPermissions(permissions, nil),
		Clock:        vclock.Clock{s.cfg.NodeID: 1},
		SyncStatus:   StatusSynced,
	}

	if err := s.persistLocal(ctx, sess); err != nil {
		return nil, err
	}
	if err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.remote.Store(ctx, sess)
	}); err != nil {
		_ = s.kv.Delete(context.WithoutCancel(ctx), store.NamespaceSession, sess.SessionID)
		s.met.IncPropagationFailure()
		return nil, fmt.Errorf("propagate new session: %w", err)
	}

	s.log.InfoContext(s.sessionCtx(ctx, sess), "session created")
	return sess.Clone(), nil
}

// Get returns the session, refreshing it from the authority when the local
// replica is pending or stale. A session absent locally is fetched from the
// authority and adopted; ErrNotFound is returned when it exists nowhere.
// Expired sessions are dropped at read time.
func (s *Synchronizer) Get(ctx context.Context, sessionID string) (*SessionContext, error) {
	unlock := s.keys.lock(sessionID)
	defer unlock()

	local, err := s.loadLocal(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if local == nil {
		remote, err := s.remote.Fetch(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("fetch session from authority: %w", err)
		}
		if remote.Expired(now) {
			return nil, ErrNotFound
		}
		adopted := remote.Clone()
		adopted.SyncStatus = StatusSynced
		adopted.LastSyncedAt = now
		if err := s.persistLocal(ctx, adopted); err != nil {
			return nil, err
		}
		return adopted.Clone(), nil
	}

	if local.Expired(now) {
		_ = s.kv.Delete(ctx, store.NamespaceSession, sessionID)
		return nil, ErrNotFound
	}

	if local.SyncStatus == StatusPending || now.Sub(local.LastSyncedAt) > s.cfg.ResyncAfter {
		local = s.sync(ctx, local)
	}
	return local.Clone(), nil
}

// Update applies field-level changes to the session: it ticks this node's
// clock entry, flips the replica to pending, persists, and queues a
// non-blocking propagation. If that propagation ultimately exhausts its
// retries the session is marked conflict and logged, never silently
// discarded.
func (s *Synchronizer) Update(ctx context.Context, sessionID string, upd Updates) (*SessionContext, error) {
	unlock := s.keys.lock(sessionID)

	local, err := s.loadLocal(ctx, sessionID)
	if err != nil {
		unlock()
		return nil, err
	}
	if local == nil {
		unlock()
		return nil, ErrNotFound
	}

	local.Clock.Tick(s.cfg.NodeID)
	if upd.TrustLevel != nil {
		local.TrustLevel = *upd.TrustLevel
	}
	if upd.Permissions != nil {
		local.Permissions = unionPermissions(upd.Permissions, nil)
	}
	if upd.ExtendLifetime > 0 {
		local.ExpiresAt = local.ExpiresAt.Add(upd.ExtendLifetime)
	}
	local.SyncStatus = StatusPending

	if err := s.persistLocal(ctx, local); err != nil {
		unlock()
		return nil, err
	}

	// Release before handing off: the propagation worker re-acquires this
	// key's lock to settle the replica's status, so blocking on a full
	// queue while still holding it would wedge the pair permanently.
	snapshot := local.Clone()
	unlock()

	select {
	case s.jobs <- snapshot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return local.Clone(), nil
}

// Expire ends the session early. The local replica is removed and a
// tombstoned copy (expiry now, clock ticked) is pushed to the authority so
// other nodes drop it on their next read. A failed push is surfaced, but
// the local record is already gone either way.
func (s *Synchronizer) Expire(ctx context.Context, sessionID string) error {
	unlock := s.keys.lock(sessionID)
	defer unlock()

	local, err := s.loadLocal(ctx, sessionID)
	if err != nil {
		return err
	}
	if local == nil {
		return ErrNotFound
	}

	local.Clock.Tick(s.cfg.NodeID)
	local.ExpiresAt = time.Now().UTC()
	local.SyncStatus = StatusSynced

	if err := s.kv.Delete(ctx, store.NamespaceSession, sessionID); err != nil {
		return fmt.Errorf("remove expired session %s: %w", sessionID, err)
	}
	if err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.remote.Store(ctx, local)
	}); err != nil {
		s.met.IncPropagationFailure()
		s.log.ErrorContext(s.sessionCtx(ctx, local), "propagate session expiry", "error", err)
		return fmt.Errorf("propagate session expiry: %w", err)
	}

	s.log.InfoContext(s.sessionCtx(ctx, local), "session expired")
	return nil
}

// Sync forces reconciliation with the authority and returns the best-known
// session. Network failures are absorbed: the replica is marked conflict
// and returned rather than an error.
func (s *Synchronizer) Sync(ctx context.Context, sessionID string) (*SessionContext, error) {
	unlock := s.keys.lock(sessionID)
	defer unlock()

	local, err := s.loadLocal(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, ErrNotFound
	}
	return s.sync(ctx, local).Clone(), nil
}

// sync reconciles one local replica with the authority. Caller must hold
// the per-key lock.
func (s *Synchronizer) sync(ctx context.Context, local *SessionContext) *SessionContext {
	lctx := s.sessionCtx(ctx, local)

	remote, err := s.remote.Fetch(ctx, local.SessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		// Local copy is authoritative; push it up.
		return s.pushLocal(ctx, local)

	case err != nil:
		s.markConflict(ctx, local, err)
		return local

	default:
		switch local.Clock.Compare(remote.Clock) {
		case vclock.After:
			return s.pushLocal(ctx, local)

		case vclock.Before, vclock.Equal:
			adopted := remote.Clone()
			adopted.SyncStatus = StatusSynced
			adopted.LastSyncedAt = time.Now().UTC()
			if err := s.persistLocal(ctx, adopted); err != nil {
				s.log.ErrorContext(lctx, "persist adopted session", "error", err)
				return local
			}
			return adopted

		default: // concurrent
			merged := mergeSessions(local, remote)
			merged.LastSyncedAt = time.Now().UTC()
			if err := s.persistLocal(ctx, merged); err != nil {
				s.log.ErrorContext(lctx, "persist merged session", "error", err)
				return local
			}
			s.met.IncMerge()
			s.log.InfoContext(lctx, "merged concurrent session versions",
				"merged_clock", merged.Clock)

			// The merged clock dominates the remote copy; push it so the
			// authority converges without waiting for the other node.
			select {
			case s.jobs <- merged.Clone():
			default:
				s.log.DebugContext(lctx, "propagation queue full, merge push deferred")
			}
			return merged
		}
	}
}

// pushLocal propagates the local replica to the authority with retry and
// records the outcome. Caller must hold the per-key lock.
func (s *Synchronizer) pushLocal(ctx context.Context, local *SessionContext) *SessionContext {
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.remote.Store(ctx, local)
	})
	if err != nil {
		s.met.IncPropagationFailure()
		s.markConflict(ctx, local, err)
		return local
	}

	local.SyncStatus = StatusSynced
	local.LastSyncedAt = time.Now().UTC()
	if perr := s.persistLocal(ctx, local); perr != nil {
		s.log.ErrorContext(s.sessionCtx(ctx, local), "persist synced session", "error", perr)
	}
	return local
}

// propagate is the background half of Update: it pushes a pending snapshot
// and then settles the stored replica's status, unless a newer local write
// has taken over in the meantime.
func (s *Synchronizer) propagate(ctx context.Context, snapshot *SessionContext) {
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		return s.remote.Store(ctx, snapshot)
	})

	unlock := s.keys.lock(snapshot.SessionID)
	defer unlock()

	current, lerr := s.loadLocal(ctx, snapshot.SessionID)
	if lerr != nil || current == nil {
		return
	}
	// A newer local write owns the replica's fate now.
	if !current.Clock.Equal(snapshot.Clock) {
		return
	}

	if err != nil {
		s.met.IncPropagationFailure()
		s.markConflict(ctx, current, err)
		return
	}

	current.SyncStatus = StatusSynced
	current.LastSyncedAt = time.Now().UTC()
	if perr := s.persistLocal(ctx, current); perr != nil {
		s.log.ErrorContext(s.sessionCtx(ctx, current), "persist propagated session", "error", perr)
	}
}

func (s *Synchronizer) markConflict(ctx context.Context, sess *SessionContext, cause error) {
	sess.SyncStatus = StatusConflict
	s.met.IncConflict()
	s.log.ErrorContext(s.sessionCtx(ctx, sess), "session sync failed, marked conflict", "error", cause)
	if err := s.persistLocal(context.WithoutCancel(ctx), sess); err != nil {
		s.log.ErrorContext(ctx, "persist conflict marker", "session_id", sess.SessionID, "error", err)
	}
}

func (s *Synchronizer) loadLocal(ctx context.Context, sessionID string) (*SessionContext, error) {
	item, err := s.kv.Get(ctx, store.NamespaceSession, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if item == nil {
		return nil, nil
	}

	data := item.Data
	if s.box != nil {
		data, err = s.box.Open(data)
		if err != nil {
			return nil, fmt.Errorf("unseal session %s: %w", sessionID, err)
		}
	}

	var sess SessionContext
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Synchronizer) persistLocal(ctx context.Context, sess *SessionContext) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.SessionID, err)
	}
	if s.box != nil {
		data, err = s.box.Seal(data)
		if err != nil {
			return fmt.Errorf("seal session %s: %w", sess.SessionID, err)
		}
	}
	if err := s.kv.Put(ctx, store.NamespaceSession, sess.SessionID, data, store.SessionTTL); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (s *Synchronizer) sessionCtx(ctx context.Context, sess *SessionContext) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:  sess.SessionID,
		SubjectID:  sess.SubjectID,
		NodeID:     s.cfg.NodeID,
		SyncStatus: string(sess.SyncStatus),
	})
}
