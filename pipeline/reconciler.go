package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/statemesh/statemesh/internal/logctx"
	"github.com/statemesh/statemesh/metrics"
)

// RecoveryHook attempts recovery of one dead-lettered operation: manual
// reconciliation, alert escalation, or scripted repair. Returning nil
// removes the record; returning an error leaves it for the next sweep and
// for human inspection.
type RecoveryHook func(ctx context.Context, op *Operation) error

// Reconciler periodically inspects the dead-letter store. It never
// re-queues an operation into the primary pipeline: dead-lettered work
// only leaves through an explicit, auditable recovery action.
type Reconciler struct {
	queue    *Queue
	hook     RecoveryHook
	interval time.Duration
	log      *slog.Logger
	met      *metrics.Set
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger sets a custom logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithReconcilerMetrics attaches prometheus instrumentation.
func WithReconcilerMetrics(m *metrics.Set) ReconcilerOption {
	return func(r *Reconciler) { r.met = m }
}

// NewReconciler creates a Reconciler sweeping at the given interval
// (default 5m).
func NewReconciler(queue *Queue, hook RecoveryHook, interval time.Duration, opts ...ReconcilerOption) (*Reconciler, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if hook == nil {
		return nil, fmt.Errorf("recovery hook is required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	r := &Reconciler{
		queue:    queue,
		hook:     hook,
		interval: interval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("dead-letter sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass over the dead-letter store.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ops, err := r.queue.ListDeadLetters(ctx)
	if err != nil {
		return err
	}
	r.met.SetDeadLetterDepth(len(ops))

	for _, op := range ops {
		octx := logctx.WithOperationData(ctx, &logctx.OperationData{
			OperationID: op.OperationID,
			SyncType:    string(op.SyncType),
			RetryCount:  op.RetryCount,
		})

		if err := r.hook(octx, op); err != nil {
			r.met.IncReconcile("left")
			r.log.WarnContext(octx, "dead-letter recovery failed, left for next sweep", "error", err)
			continue
		}
		if err := r.queue.DeleteDeadLetter(ctx, op.OperationID); err != nil {
			r.log.ErrorContext(octx, "remove recovered dead letter", "error", err)
			continue
		}
		r.met.IncReconcile("recovered")
		r.log.InfoContext(octx, "dead-lettered operation recovered")
	}
	return nil
}
