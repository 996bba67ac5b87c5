// Package ingest queues sync batches and applies them through the timeline
// engine. Batches for one room are applied in arrival order by a single
// worker; different rooms proceed in parallel.
package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"roomline/pkg/logger"
	"roomline/pkg/models"
	"roomline/pkg/telemetry"
)

var (
	ErrQueueFull   = errors.New("intake queue full")
	ErrQueueClosed = errors.New("intake queue closed")
)

const (
	defaultWorkers  = 4
	defaultCapacity = 256
)

// Appender applies one batch; *timeline.Engine satisfies it.
type Appender interface {
	Append(ctx context.Context, batch models.SyncBatch) error
}

// Options sizes the intake. Capacity is per worker shard.
type Options struct {
	Workers  int
	Capacity int
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	// OnError is called for batches that failed to apply.
	OnError func(batch models.SyncBatch, err error)
}

// Intake is a bounded, room-sharded batch queue.
type Intake struct {
	appender Appender
	shards   []chan models.SyncBatch
	metrics  *telemetry.Metrics
	log      *zap.Logger
	onError  func(models.SyncBatch, error)

	mu      sync.RWMutex
	closed  bool
	started int32
	wg      sync.WaitGroup
	dropped uint64
}

func New(appender Appender, opts Options) *Intake {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Discard()
	}
	in := &Intake{
		appender: appender,
		shards:   make([]chan models.SyncBatch, workers),
		metrics:  metrics,
		log:      logger.OrNop(opts.Logger),
		onError:  opts.OnError,
	}
	for i := range in.shards {
		in.shards[i] = make(chan models.SyncBatch, capacity)
	}
	return in
}

func (in *Intake) shard(batch models.SyncBatch) chan models.SyncBatch {
	return in.shards[xxhash.Sum64String(string(batch.RoomID))%uint64(len(in.shards))]
}

// Enqueue never blocks: a full shard rejects the batch with ErrQueueFull.
func (in *Intake) Enqueue(batch models.SyncBatch) error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return ErrQueueClosed
	}
	select {
	case in.shard(batch) <- batch:
		return nil
	default:
		atomic.AddUint64(&in.dropped, 1)
		in.metrics.IntakeBatches.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Dropped counts batches rejected because their shard was full.
func (in *Intake) Dropped() uint64 { return atomic.LoadUint64(&in.dropped) }

// Start launches one worker per shard. Workers apply with ctx; cancelling it
// abandons queued batches.
func (in *Intake) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&in.started, 0, 1) {
		return
	}
	for i, ch := range in.shards {
		in.wg.Add(1)
		go func(id int, ch <-chan models.SyncBatch) {
			defer in.wg.Done()
			in.worker(ctx, id, ch)
		}(i, ch)
	}
	in.log.Info("intake_started", zap.Int("workers", len(in.shards)))
}

func (in *Intake) worker(ctx context.Context, id int, ch <-chan models.SyncBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-ch:
			if !ok {
				return
			}
			in.apply(ctx, id, batch)
		}
	}
}

func (in *Intake) apply(ctx context.Context, worker int, batch models.SyncBatch) {
	if err := in.appender.Append(ctx, batch); err != nil {
		in.metrics.IntakeBatches.WithLabelValues(telemetry.ResultError).Inc()
		in.log.Error("batch_apply_failed",
			zap.Int("worker", worker),
			zap.Stringer("room_id", batch.RoomID),
			zap.Int("events", len(batch.Events)),
			zap.Error(err))
		if in.onError != nil {
			in.onError(batch, err)
		}
		return
	}
	in.metrics.IntakeBatches.WithLabelValues("applied").Inc()
}

// Close stops accepting batches, lets workers drain what is queued and waits
// for them.
func (in *Intake) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	for _, ch := range in.shards {
		close(ch)
	}
	in.mu.Unlock()
	in.wg.Wait()
}
