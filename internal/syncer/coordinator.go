// Package syncer owns the sync cycle that reconciles the mutation queue and
// the response cache with the remote API as connectivity comes and goes.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flocksync/internal/cache"
	"flocksync/internal/config"
	"flocksync/internal/domain"
	"flocksync/internal/events"
	"flocksync/internal/logging"
	"flocksync/internal/metrics"
	"flocksync/internal/models"
	"flocksync/internal/network"
	"flocksync/internal/queue"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options control the cycle and the maintenance timers. Zero intervals disable their timer.
type Options struct {
	MaxPasses         int
	Interval          time.Duration
	CleanupInterval   time.Duration
	SweepInterval     time.Duration
	SnapshotDir       string
	SnapshotInterval  time.Duration
	SnapshotRetention time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxPasses:         cfg.Sync.MaxPasses,
		Interval:          cfg.Sync.Interval,
		CleanupInterval:   cfg.Queue.CleanupInterval,
		SweepInterval:     cfg.Cache.SweepInterval,
		SnapshotDir:       cfg.Database.SnapshotDir,
		SnapshotInterval:  cfg.Database.SnapshotInterval,
		SnapshotRetention: cfg.Database.SnapshotRetention,
	}
}

// Snapshotter writes point-in-time copies of the local store.
type Snapshotter interface {
	Snapshot(ctx context.Context, dir string, at time.Time) (string, error)
	PruneSnapshots(dir string, cutoff time.Time) (int, error)
}

// Subscriber is anything that delivers realtime pushes by event type.
type Subscriber interface {
	Subscribe(eventType string, handler events.EventHandler) func()
}

type Coordinator struct {
	queue   *queue.Queue
	cache   *cache.Cache
	monitor *network.Monitor
	syncLog domain.SyncLog
	opts    Options

	snapshots Snapshotter
	now       func() time.Time
	tracer    trace.Tracer
	logger    zerolog.Logger

	inProgress atomic.Bool

	mu         sync.Mutex
	lastSyncAt *time.Time
	lastError  string

	listeners *events.Listeners[models.SyncStatus]

	// background syncs started by triggers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	detach []func()
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithSnapshots(s Snapshotter) Option {
	return func(c *Coordinator) { c.snapshots = s }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

func New(
	q *queue.Queue,
	c *cache.Cache,
	monitor *network.Monitor,
	syncLog domain.SyncLog,
	opts Options,
	logger *zerolog.Logger,
	options ...Option,
) *Coordinator {
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 10
	}
	log := logging.Component(logger, "syncer")
	co := &Coordinator{
		queue:     q,
		cache:     c,
		monitor:   monitor,
		syncLog:   syncLog,
		opts:      opts,
		now:       time.Now,
		tracer:    otel.Tracer("flocksync/syncer"),
		logger:    log,
		listeners: events.NewListeners[models.SyncStatus](log),
		ctx:       context.Background(),
	}
	for _, o := range options {
		o(co)
	}
	return co
}

// Start recovers operations stranded by a previous crash and wires the
// automatic triggers: reconnect, foreground and enqueue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if _, err := c.queue.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale operations: %w", err)
	}

	c.detach = append(c.detach,
		c.monitor.Subscribe(func(online bool) {
			if online {
				c.trigger("reconnect")
			}
		}),
		c.monitor.SubscribeForeground(func() {
			if c.monitor.Online() {
				c.trigger("foreground")
			}
		}),
		c.queue.OnEnqueue(func(models.QueuedOperation) {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.publish(c.ctx)
			}()
			if c.monitor.Online() && !c.inProgress.Load() {
				c.trigger("enqueue")
			}
		}),
	)
	return nil
}

// Close detaches the triggers and waits for background syncs to finish.
func (c *Coordinator) Close() {
	for _, fn := range c.detach {
		fn()
	}
	c.detach = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// trigger runs a sync in its own goroutine so the caller never blocks on I/O.
func (c *Coordinator) trigger(reason string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.sync(c.ctx, reason); err != nil {
			c.logger.Warn().Err(err).Str("reason", reason).Msg("triggered sync failed")
		}
	}()
}

// ForceSync runs one sync cycle now and returns the error that ended it early, if any.
// If a cycle is already running it returns nil at once.
func (c *Coordinator) ForceSync(ctx context.Context) error {
	return c.sync(ctx, "manual")
}

// InProgress reports whether a cycle is running.
func (c *Coordinator) InProgress() bool {
	return c.inProgress.Load()
}

func (c *Coordinator) sync(ctx context.Context, reason string) error {
	if !c.inProgress.CompareAndSwap(false, true) {
		c.logger.Debug().Str("reason", reason).Msg("sync already in progress")
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "Coordinator.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("sync.reason", reason))

	started := c.now()
	c.mu.Lock()
	c.lastSyncAt = &started
	c.mu.Unlock()
	c.publish(ctx)

	c.logger.Info().Str("reason", reason).Msg("sync started")
	logID, err := c.syncLog.StartSyncLog(ctx, models.LogTypeSync, "sync started: "+reason, started)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to write sync log")
	}

	if _, err := c.cache.ClearExpired(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to clear expired cache entries")
	}

	total, passes, cycleErr := c.drain(ctx)

	finished := c.now()
	status, message := models.LogStatusCompleted, fmt.Sprintf("%d passes, %d completed", passes, total.Succeeded)
	result := "completed"
	if cycleErr != nil {
		status, message, result = models.LogStatusFailed, cycleErr.Error(), "failed"
		span.SetStatus(codes.Error, cycleErr.Error())
	}
	if logID != 0 {
		if err := c.syncLog.FinishSyncLog(ctx, logID, status, message, finished, total.Succeeded, total.Retried+total.Failed); err != nil {
			c.logger.Warn().Err(err).Msg("failed to finish sync log")
		}
		if _, err := c.syncLog.PruneSyncLog(ctx, models.SyncLogLimit); err != nil {
			c.logger.Warn().Err(err).Msg("failed to prune sync log")
		}
	}

	c.mu.Lock()
	if cycleErr != nil {
		c.lastError = cycleErr.Error()
	} else {
		c.lastError = ""
	}
	c.mu.Unlock()

	metrics.ObserveSyncCycle(result, finished.Sub(started).Seconds())
	span.SetAttributes(
		attribute.Int("sync.passes", passes),
		attribute.Int("sync.succeeded", total.Succeeded),
		attribute.Int("sync.failed", total.Failed),
	)
	c.logger.Info().
		Str("reason", reason).
		Int("passes", passes).
		Int("succeeded", total.Succeeded).
		Int("retried", total.Retried).
		Int("failed", total.Failed).
		Err(cycleErr).
		Msg("sync finished")

	c.inProgress.Store(false)
	c.publish(ctx)
	return cycleErr
}

// drain runs queue passes until nothing is eligible, the monitor reports
// offline, a whole pass fails at the network level, or MaxPasses is reached.
func (c *Coordinator) drain(ctx context.Context) (queue.DrainResult, int, error) {
	var total queue.DrainResult
	passes := 0
	for passes < c.opts.MaxPasses {
		if !c.monitor.Online() {
			c.logger.Debug().Msg("offline, stopping drain")
			break
		}
		if ctx.Err() != nil {
			return total, passes, ctx.Err()
		}

		res, err := c.queue.Drain(ctx, 0)
		passes++
		total.Selected += res.Selected
		total.Succeeded += res.Succeeded
		total.Retried += res.Retried
		total.Failed += res.Failed
		total.NetworkErrors += res.NetworkErrors
		if err != nil {
			return total, passes, fmt.Errorf("drain: %w", err)
		}
		// every selected row lost its claim to another drainer
		if res.Selected == 0 || res.Attempted() == 0 {
			break
		}
		if res.AllNetworkErrors() {
			return total, passes, fmt.Errorf("remote unreachable: %d attempts failed", res.NetworkErrors)
		}
	}
	return total, passes, nil
}

// Status recomputes the engine status from live state.
func (c *Coordinator) Status(ctx context.Context) (models.SyncStatus, error) {
	st := models.SyncStatus{
		Online:     c.monitor.Online(),
		InProgress: c.inProgress.Load(),
	}

	c.mu.Lock()
	if c.lastSyncAt != nil {
		t := *c.lastSyncAt
		st.LastSyncAt = &t
	}
	st.LastError = c.lastError
	c.mu.Unlock()

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		return st, err
	}
	st.Queue = counts

	stats, err := c.cache.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.CacheItems = stats.Items
	st.CacheBytes = stats.Bytes
	return st, nil
}

// Subscribe registers fn for status updates and returns its unsubscribe func.
func (c *Coordinator) Subscribe(fn func(models.SyncStatus)) func() {
	return c.listeners.Subscribe(fn)
}

func (c *Coordinator) publish(ctx context.Context) {
	if c.listeners.Len() == 0 {
		return
	}
	st, err := c.Status(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to compute sync status")
	}
	c.listeners.Notify(st)
}

// InvalidateOn deletes cache entries under keyPrefix whenever an event of eventType arrives.
func (c *Coordinator) InvalidateOn(sub Subscriber, eventType, keyPrefix string) func() {
	return sub.Subscribe(eventType, func(e *events.Event) error {
		n, err := c.cache.DeletePrefix(context.Background(), keyPrefix)
		if err != nil {
			return fmt.Errorf("invalidate %s: %w", keyPrefix, err)
		}
		c.logger.Debug().Str("event", eventType).Str("prefix", keyPrefix).Int("deleted", n).Msg("cache invalidated")
		return nil
	})
}

// Run starts the triggers and owns the interval timers until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Close()

	var tickers []*time.Ticker
	tick := func(d time.Duration) <-chan time.Time {
		if d <= 0 {
			return nil
		}
		t := time.NewTicker(d)
		tickers = append(tickers, t)
		return t.C
	}
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	syncTick := tick(c.opts.Interval)
	cleanupTick := tick(c.opts.CleanupInterval)
	sweepTick := tick(c.opts.SweepInterval)
	var snapshotTick <-chan time.Time
	if c.snapshots != nil && c.opts.SnapshotDir != "" {
		snapshotTick = tick(c.opts.SnapshotInterval)
	}

	if c.monitor.Online() {
		c.trigger("startup")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-syncTick:
			if c.monitor.Online() {
				c.trigger("interval")
			}
		case <-cleanupTick:
			c.cleanup(ctx)
		case <-sweepTick:
			c.sweep(ctx)
		case <-snapshotTick:
			c.snapshot(ctx)
		}
	}
}

func (c *Coordinator) cleanup(ctx context.Context) {
	started := c.now()
	id, _ := c.syncLog.StartSyncLog(ctx, models.LogTypeQueueProcess, "queue cleanup", started)
	res, err := c.queue.Cleanup(ctx)
	status, msg := models.LogStatusCompleted, fmt.Sprintf("removed %d completed operations", res.Completed)
	if err != nil {
		c.logger.Error().Err(err).Msg("queue cleanup failed")
		status, msg = models.LogStatusFailed, err.Error()
	}
	if id != 0 {
		_ = c.syncLog.FinishSyncLog(ctx, id, status, msg, c.now(), int(res.Completed), boolToInt(err != nil))
	}
	c.publish(ctx)
}

func (c *Coordinator) sweep(ctx context.Context) {
	started := c.now()
	id, _ := c.syncLog.StartSyncLog(ctx, models.LogTypeCacheClean, "cache sweep", started)
	n, err := c.cache.ClearExpired(ctx)
	status, msg := models.LogStatusCompleted, fmt.Sprintf("removed %d expired entries", n)
	if err != nil {
		c.logger.Error().Err(err).Msg("cache sweep failed")
		status, msg = models.LogStatusFailed, err.Error()
	}
	if id != 0 {
		_ = c.syncLog.FinishSyncLog(ctx, id, status, msg, c.now(), n, boolToInt(err != nil))
	}
	c.publish(ctx)
}

func (c *Coordinator) snapshot(ctx context.Context) {
	now := c.now()
	path, err := c.snapshots.Snapshot(ctx, c.opts.SnapshotDir, now)
	if err != nil {
		c.logger.Error().Err(err).Msg("snapshot failed")
		return
	}
	c.logger.Info().Str("path", path).Msg("snapshot written")
	if c.opts.SnapshotRetention > 0 {
		if _, err := c.snapshots.PruneSnapshots(c.opts.SnapshotDir, now.Add(-c.opts.SnapshotRetention)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to prune snapshots")
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
