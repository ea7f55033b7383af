package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/statemesh/statemesh/internal/logctx"
	"github.com/statemesh/statemesh/metrics"
	"github.com/statemesh/statemesh/retry"
)

// Config controls the operation processor. Defaults can be loaded via
// envdecode.
type Config struct {
	// Workers is the number of concurrent handler invocations.
	// ENV: PIPELINE_WORKERS
	Workers int `env:"PIPELINE_WORKERS,default=2"`
	// Buffer is the in-memory dispatch queue capacity. ENV: PIPELINE_BUFFER
	Buffer int `env:"PIPELINE_BUFFER,default=128"`
	// MaxRetries is the number of handler failures an operation may accrue
	// before it is dead-lettered. ENV: PIPELINE_MAX_RETRIES
	MaxRetries int `env:"PIPELINE_MAX_RETRIES,default=3"`
	// CourtesyDelayMin/Max bound the randomized delay applied before each
	// network-bound handler call, spreading load on the external source.
	CourtesyDelayMin time.Duration `env:"PIPELINE_COURTESY_MIN,default=50ms"`
	CourtesyDelayMax time.Duration `env:"PIPELINE_COURTESY_MAX,default=150ms"`
	// StalledAfter is how long an operation may sit in processing before
	// Recover treats it as interrupted and resets it to pending.
	// ENV: PIPELINE_STALLED_AFTER
	StalledAfter time.Duration `env:"PIPELINE_STALLED_AFTER,default=5m"`

	// Retry is the shared backoff policy used for scheduling re-attempts.
	Retry retry.Policy
}

// Processor dequeues operations, dispatches them to per-type handlers,
// manages retry accounting and escalates exhausted operations to the
// dead-letter store.
type Processor struct {
	queue    *Queue
	handlers map[SyncType]Handler
	cfg      Config
	log      *slog.Logger
	met      *metrics.Set

	jobs    chan *Operation
	wg      sync.WaitGroup
	retryWG sync.WaitGroup
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets a custom logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithProcessorMetrics attaches prometheus instrumentation.
func WithProcessorMetrics(m *metrics.Set) ProcessorOption {
	return func(p *Processor) { p.met = m }
}

// NewProcessor creates a Processor dispatching to the given handler set.
func NewProcessor(queue *Queue, handlers map[SyncType]Handler, cfg Config, opts ...ProcessorOption) (*Processor, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("at least one handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CourtesyDelayMax < cfg.CourtesyDelayMin {
		cfg.CourtesyDelayMax = cfg.CourtesyDelayMin
	}
	if cfg.StalledAfter <= 0 {
		cfg.StalledAfter = 5 * time.Minute
	}

	p := &Processor{
		queue:    queue,
		handlers: handlers,
		cfg:      cfg,
		log:      slog.Default(),
		jobs:     make(chan *Operation, cfg.Buffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Submit hands an operation to the worker pool without blocking the
// caller. When the dispatch buffer is full the operation stays pending in
// the queue namespace and is picked up by Recover.
func (p *Processor) Submit(op *Operation) bool {
	select {
	case p.jobs <- op.Clone():
		return true
	default:
		p.log.Warn("dispatch buffer full, operation deferred", "operation_id", op.OperationID)
		return false
	}
}

// Recover re-submits operations that are persisted as pending but not in
// flight (after a crash or a dropped Submit), and resets operations left
// in processing longer than StalledAfter, whose worker is gone.
func (p *Processor) Recover(ctx context.Context) error {
	pending, err := p.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, op := range pending {
		p.Submit(op)
	}

	stalled, err := p.queue.ListStalled(ctx, time.Now().Add(-p.cfg.StalledAfter))
	if err != nil {
		return err
	}
	for _, op := range stalled {
		op.Status = StatusPending
		if err := p.queue.Put(ctx, op); err != nil {
			p.log.Error("reset stalled operation", "operation_id", op.OperationID, "error", err)
			continue
		}
		p.Submit(op)
	}

	if len(pending)+len(stalled) > 0 {
		p.log.Info("recovered interrupted operations",
			"pending", len(pending), "stalled", len(stalled))
	}
	return nil
}

// Run starts the worker pool and blocks until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case op := <-p.jobs:
					p.process(ctx, op)
				}
			}
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
	p.retryWG.Wait()
	return ctx.Err()
}

func (p *Processor) process(ctx context.Context, submitted *Operation) {
	// Reload the persisted record: the submitted copy may be stale and
	// terminal states must never be re-entered.
	op, err := p.queue.Get(ctx, submitted.OperationID)
	if err != nil {
		p.log.Error("load operation", "operation_id", submitted.OperationID, "error", err)
		return
	}
	if op == nil || op.Terminal() || op.Status == StatusProcessing {
		return
	}

	octx := logctx.WithOperationData(ctx, &logctx.OperationData{
		OperationID: op.OperationID,
		SyncType:    string(op.SyncType),
		RetryCount:  op.RetryCount,
	})

	op.Status = StatusProcessing
	if err := p.queue.Put(ctx, op); err != nil {
		p.log.ErrorContext(octx, "mark processing", "error", err)
		return
	}

	if err := p.courtesyDelay(ctx); err != nil {
		// Shutting down; the record stays processing until a later Recover
		// sees it as stalled and resets it to pending.
		return
	}

	if err := p.dispatch(octx, op); err != nil {
		p.fail(octx, op, err)
		return
	}

	op.Status = StatusCompleted
	op.ErrorDetail = ""
	if err := p.queue.Put(ctx, op); err != nil {
		p.log.ErrorContext(octx, "mark completed", "error", err)
		return
	}
	p.met.IncOperationDone("completed")
	p.log.InfoContext(octx, "operation completed")
}

func (p *Processor) dispatch(ctx context.Context, op *Operation) error {
	h, ok := p.handlers[op.SyncType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, op.SyncType)
	}
	return h.Apply(ctx, op)
}

// fail records one handler failure and either schedules a retry or
// escalates the operation to the dead-letter store.
func (p *Processor) fail(ctx context.Context, op *Operation, cause error) {
	op.RetryCount++
	op.ErrorDetail = cause.Error()

	if op.RetryCount < p.cfg.MaxRetries {
		op.Status = StatusPending
		if err := p.queue.Put(ctx, op); err != nil {
			p.log.ErrorContext(ctx, "persist retry state", "error", err)
			return
		}
		p.met.IncRetry()

		delay := p.cfg.Retry.JitteredDelay(op.RetryCount - 1)
		p.log.WarnContext(ctx, "operation failed, retry scheduled",
			"retry_count", op.RetryCount, "delay", delay, "error", cause)

		snapshot := op.Clone()
		p.retryWG.Add(1)
		go func() {
			defer p.retryWG.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				p.Submit(snapshot)
			}
		}()
		return
	}

	op.Status = StatusDeadLetter
	if err := p.queue.MoveToDeadLetter(ctx, op); err != nil {
		p.log.ErrorContext(ctx, "move to dead letter", "error", err)
		return
	}
	p.met.IncOperationDone("dlq")
	p.log.ErrorContext(ctx, "operation dead-lettered",
		"operation_id", op.OperationID,
		"associated_identity", op.AssociatedIdentity,
		"last_error", op.ErrorDetail)
}

func (p *Processor) courtesyDelay(ctx context.Context) error {
	span := p.cfg.CourtesyDelayMax - p.cfg.CourtesyDelayMin
	d := p.cfg.CourtesyDelayMin
	if span > 0 {
		d += time.Duration(rand.Int64N(int64(span)))
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrNoHandler marks dispatch failures caused by unknown sync types.
var ErrNoHandler = errors.New("pipeline: no handler for sync type")
