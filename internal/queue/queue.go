// Package queue is the durable mutation queue: writes made while offline are
// persisted first and replayed against the remote API in priority order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flocksync/internal/config"
	"flocksync/internal/database"
	"flocksync/internal/domain"
	"flocksync/internal/events"
	"flocksync/internal/logging"
	"flocksync/internal/metrics"
	"flocksync/internal/models"
	"flocksync/internal/remote"
	"flocksync/internal/retry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidOperation is returned by Enqueue for operations that can never be replayed.
var ErrInvalidOperation = errors.New("queue: invalid operation")

// Options tune draining and the retry policy.
type Options struct {
	BatchSize   int
	Concurrency int
	Retry       retry.Policy
	MaxRetries  int
	Retention   time.Duration
	// FailFastPermanent sends permanent remote rejections straight to failed.
	FailFastPermanent bool
}

func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		BatchSize:         cfg.BatchSize,
		Concurrency:       cfg.Concurrency,
		Retry:             retry.Policy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, Factor: 2},
		MaxRetries:        cfg.MaxRetries,
		Retention:         cfg.Retention,
		FailFastPermanent: cfg.FailFastPermanent,
	}
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = models.DefaultMaxRetries
	}
	if o.Retention <= 0 {
		o.Retention = models.CompletedRetention
	}
}

// EnqueueRequest describes a write to persist. Zero Priority and MaxRetries take the defaults.
type EnqueueRequest struct {
	Op           models.Operation
	Priority     int
	MaxRetries   int
	ScheduledFor *time.Time
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Selected      int
	Succeeded     int
	Retried       int
	Failed        int
	NetworkErrors int
}

// Attempted is the number of replays that ran to an outcome.
func (r DrainResult) Attempted() int {
	return r.Succeeded + r.Retried + r.Failed
}

// AllNetworkErrors reports whether every attempt in the pass failed to reach the remote.
func (r DrainResult) AllNetworkErrors() bool {
	return r.Attempted() > 0 && r.NetworkErrors == r.Attempted()
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	Completed int64
	SyncLog   int64
}

type Queue struct {
	store      domain.QueueStore
	replayer   domain.Replayer
	deadLetter domain.DeadLetterSink
	opts       Options
	now        func() time.Time
	enqueued   *events.Listeners[models.QueuedOperation]
	tracer     trace.Tracer
	logger     zerolog.Logger
}

type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDeadLetter pushes terminally failed operations to sink.
func WithDeadLetter(sink domain.DeadLetterSink) Option {
	return func(q *Queue) { q.deadLetter = sink }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(q *Queue) { q.tracer = tracer }
}

func New(store domain.QueueStore, replayer domain.Replayer, opts Options, logger *zerolog.Logger, options ...Option) *Queue {
	opts.applyDefaults()
	log := logging.Component(logger, "queue")
	q := &Queue{
		store:    store,
		replayer: replayer,
		opts:     opts,
		now:      time.Now,
		enqueued: events.NewListeners[models.QueuedOperation](log),
		tracer:   otel.Tracer("flocksync/queue"),
		logger:   log,
	}
	for _, o := range options {
		o(q)
	}
	return q
}

// OnEnqueue registers fn to run after an operation is persisted or re-armed.
func (q *Queue) OnEnqueue(fn func(op models.QueuedOperation)) func() {
	return q.enqueued.Subscribe(fn)
}

// Enqueue validates and persists an operation. It returns once the row is durable.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueuedOperation, error) {
	if req.Op == nil {
		return nil, fmt.Errorf("%w: no operation", ErrInvalidOperation)
	}

	priority := req.Priority
	if priority == 0 {
		priority = models.DefaultPriority
	}
	if priority < models.HighestPriority || priority > models.LowestPriority {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrInvalidOperation, priority)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.opts.MaxRetries
	}

	op, err := models.EncodeOperation(req.Op)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate operation id: %w", err)
	}
	op.ID = id.String()
	op.Priority = priority
	op.MaxRetries = maxRetries
	op.CreatedAt = q.now()
	op.ScheduledFor = req.ScheduledFor

	if err := q.store.InsertOperation(ctx, op); err != nil {
		return nil, err
	}

	q.logger.Info().
		Str("id", op.ID).
		Str("kind", op.Kind).
		Str("method", op.Method).
		Str("endpoint", op.Endpoint).
		Int("priority", op.Priority).
		Msg("operation enqueued")

	q.enqueued.Notify(*op)
	return op, nil
}

// Drain replays up to limit eligible operations with bounded concurrency.
// Replay failures go through the retry policy; only storage errors are returned.
func (q *Queue) Drain(ctx context.Context, limit int) (DrainResult, error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Drain")
	defer span.End()

	if limit <= 0 {
		limit = q.opts.BatchSize
	}

	var result DrainResult
	ops, err := q.store.SelectEligible(ctx, q.now(), limit)
	if err != nil {
		span.SetStatus(codes.Error, "select_failed")
		return result, err
	}
	result.Selected = len(ops)
	span.SetAttributes(attribute.Int("queue.selected", len(ops)))
	if len(ops) == 0 {
		return result, nil
	}

	claimed := make([]models.QueuedOperation, 0, len(ops))
	for _, op := range ops {
		at := q.now()
		if err := q.store.MarkProcessing(ctx, op.ID, at); err != nil {
			if errors.Is(err, database.ErrNotPending) {
				continue
			}
			q.recover(claimed)
			span.SetStatus(codes.Error, "claim_failed")
			return result, err
		}
		op.Status = models.StatusProcessing
		op.LastAttemptAt = &at
		claimed = append(claimed, op)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.opts.Concurrency)

	for i := range claimed {
		op := claimed[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			outcome, networkErr, err := q.replay(gctx, &op)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case models.StatusCompleted:
				result.Succeeded++
			case models.StatusPending:
				result.Retried++
			case models.StatusFailed:
				result.Failed++
			}
			if networkErr {
				result.NetworkErrors++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		q.recover(claimed)
		span.SetStatus(codes.Error, "storage_failed")
		return result, err
	}

	span.SetAttributes(
		attribute.Int("queue.succeeded", result.Succeeded),
		attribute.Int("queue.retried", result.Retried),
		attribute.Int("queue.failed", result.Failed),
		attribute.Int("queue.network_errors", result.NetworkErrors),
	)
	q.logger.Debug().
		Int("selected", result.Selected).
		Int("succeeded", result.Succeeded).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Msg("drain pass finished")
	return result, nil
}

// replay sends one claimed operation and records its outcome.
func (q *Queue) replay(ctx context.Context, op *models.QueuedOperation) (outcome string, networkErr bool, err error) {
	replayErr := q.replayer.Replay(ctx, op)
	if replayErr == nil {
		if err := q.store.MarkCompleted(ctx, op.ID, q.now()); err != nil {
			return "", false, err
		}
		metrics.IncQueueOutcome("completed")
		return models.StatusCompleted, false, nil
	}

	networkErr = remote.IsNetworkError(replayErr)
	outcome, err = q.applyRetryPolicy(ctx, op, replayErr)
	return outcome, networkErr, err
}

func (q *Queue) applyRetryPolicy(ctx context.Context, op *models.QueuedOperation, cause error) (string, error) {
	retryCount := op.RetryCount + 1
	msg := cause.Error()

	permanent := q.opts.FailFastPermanent && remote.IsPermanent(cause)
	if !permanent && retryCount <= op.MaxRetries {
		next := q.now().Add(q.opts.Retry.Delay(retryCount))
		if err := q.store.MarkRetry(ctx, op.ID, retryCount, next, msg); err != nil {
			return "", err
		}
		q.logger.Warn().
			Err(cause).
			Str("id", op.ID).
			Int("retry_count", retryCount).
			Time("scheduled_for", next).
			Msg("operation failed, will retry")
		metrics.IncQueueOutcome("retried")
		return models.StatusPending, nil
	}

	if err := q.store.MarkFailed(ctx, op.ID, retryCount, msg); err != nil {
		return "", err
	}
	q.logger.Error().
		Err(cause).
		Str("id", op.ID).
		Int("retry_count", retryCount).
		Bool("permanent", permanent).
		Msg("operation failed permanently")
	metrics.IncQueueOutcome("failed")

	if q.deadLetter != nil {
		op.Status = models.StatusFailed
		op.RetryCount = retryCount
		op.Error = &msg
		if err := q.deadLetter.Push(ctx, op); err != nil {
			q.logger.Warn().Err(err).Str("id", op.ID).Msg("failed to push dead letter")
		}
	}
	return models.StatusFailed, nil
}

// recover returns claimed operations stranded by an aborted pass to pending.
func (q *Queue) recover(claimed []models.QueuedOperation) {
	if len(claimed) == 0 {
		return
	}
	if _, err := q.store.ResetProcessing(context.Background()); err != nil {
		q.logger.Error().Err(err).Msg("failed to release claimed operations")
	}
}

// Cleanup deletes completed operations past retention and prunes the sync log.
func (q *Queue) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult

	cutoff := q.now().Add(-q.opts.Retention)
	n, err := q.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Completed = n

	n, err = q.store.PruneSyncLog(ctx, models.SyncLogLimit)
	if err != nil {
		return res, err
	}
	res.SyncLog = n

	if res.Completed > 0 || res.SyncLog > 0 {
		q.logger.Info().Int64("completed", res.Completed).Int64("sync_log", res.SyncLog).Msg("queue cleaned up")
	}
	return res, nil
}

// Counts returns live per-status counts and refreshes the depth gauges.
func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return counts, err
	}
	metrics.SetQueueDepth(models.StatusPending, counts.Pending)
	metrics.SetQueueDepth(models.StatusProcessing, counts.Processing)
	metrics.SetQueueDepth(models.StatusCompleted, counts.Completed)
	metrics.SetQueueDepth(models.StatusFailed, counts.Failed)
	return counts, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	return q.store.GetOperation(ctx, id)
}

// Failed lists terminally failed operations, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]models.QueuedOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.store.ListByStatus(ctx, models.StatusFailed, limit)
}

// Retry re-arms a failed operation with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.store.RearmFailed(ctx, id); err != nil {
		return err
	}
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return err
	}
	q.logger.Info().Str("id", id).Msg("failed operation re-armed")
	q.enqueued.Notify(*op)
	return nil
}

// PurgeFailed deletes every failed operation.
func (q *Queue) PurgeFailed(ctx context.Context) (int64, error) {
	return q.store.DeleteFailed(ctx)
}

// RecoverStale resets operations left processing by a crashed process.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	n, err := q.store.ResetProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn().Int64("count", n).Msg("recovered stale processing operations")
	}
	return n, nil
}
