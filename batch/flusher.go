// Package batch buffers ingested point values and writes them to the durable
// store in bulk on a fixed cadence.
package batch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/telemetry"
)

// Store persists a batch of values atomically.
type Store interface {
	InsertBatch(ctx context.Context, values []pointvalue.PointValue) error
}

// Submitter runs flush I/O on the worker pool.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
}

// Options configures the flusher.
type Options struct {
	Interval   time.Duration
	AlertSpeed float64
	// MaxPending bounds the buffer including batches kept for retry.
	// Zero means unbounded.
	MaxPending int
}

// Flusher owns the pending buffer and the throughput counters.
//
// Appends and the drain swap share one mutex, so a value is either in the
// swapped batch or in the fresh buffer, never both and never neither. At most
// one flush is in flight; a failed batch goes back to the front of the buffer
// and is retried on the next tick.
type Flusher struct {
	store     Store
	tasks     Submitter
	opts      Options
	logger    zerolog.Logger
	telemetry telemetry.Collector

	mu      sync.Mutex
	pending []pointvalue.PointValue

	// flushing holds a token while a flush is in flight.
	flushing chan struct{}

	count atomic.Int64
	rate  atomic.Uint64
}

// New creates a flusher.
func New(store Store, tasks Submitter, opts Options, logger zerolog.Logger, collector telemetry.Collector) *Flusher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Flusher{
		store:     store,
		tasks:     tasks,
		opts:      opts,
		logger:    logger,
		telemetry: collector,
		flushing:  make(chan struct{}, 1),
	}
}

// Append adds values to the pending buffer and counts them.
func (f *Flusher) Append(values ...pointvalue.PointValue) {
	if len(values) == 0 {
		return
	}
	f.mu.Lock()
	f.pending = append(f.pending, values...)
	f.telemetry.SetPending(len(f.pending))
	f.mu.Unlock()
	f.count.Add(int64(len(values)))
	f.telemetry.AddIngested(len(values))
}

// Pending returns the number of buffered values.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Rate returns the ingestion rate measured at the last tick, in values per
// second.
func (f *Flusher) Rate() float64 {
	return math.Float64frombits(f.rate.Load())
}

// Tick measures the ingestion rate and hands the pending buffer to the pool
// for persistence.
func (f *Flusher) Tick(ctx context.Context) {
	n := f.count.Swap(0)
	rate := float64(n) / f.opts.Interval.Seconds()
	f.rate.Store(math.Float64bits(rate))
	f.telemetry.SetIngestRate(rate)
	if f.opts.AlertSpeed > 0 && rate >= f.opts.AlertSpeed {
		f.logger.Warn().Float64("rate", rate).Float64("threshold", f.opts.AlertSpeed).Msg("point value ingest rate above threshold")
	}

	select {
	case f.flushing <- struct{}{}:
	default:
		f.logger.Debug().Int("pending", f.Pending()).Msg("previous flush still running")
		return
	}
	batch := f.swap()
	if len(batch) == 0 {
		<-f.flushing
		return
	}
	err := f.tasks.Submit(ctx, func(taskCtx context.Context) {
		defer func() { <-f.flushing }()
		_ = f.persist(taskCtx, batch)
	})
	if err != nil {
		f.requeue(batch)
		<-f.flushing
		f.logger.Warn().Err(err).Int("values", len(batch)).Msg("flush not scheduled, retrying next tick")
	}
}

// Drain waits for an in-flight flush and then persists everything pending on
// the calling goroutine. It is used on shutdown. When ctx ends before the
// in-flight flush returns, the buffer is left untouched.
func (f *Flusher) Drain(ctx context.Context) error {
	select {
	case f.flushing <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight flush: %w", ctx.Err())
	}
	defer func() { <-f.flushing }()
	batch := f.swap()
	if len(batch) == 0 {
		return nil
	}
	return f.persist(ctx, batch)
}

func (f *Flusher) swap() []pointvalue.PointValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.pending
	f.pending = nil
	f.telemetry.SetPending(0)
	return batch
}

func (f *Flusher) persist(ctx context.Context, batch []pointvalue.PointValue) error {
	start := time.Now()
	if err := f.store.InsertBatch(ctx, batch); err != nil {
		f.telemetry.AddFlushFailed(len(batch))
		f.requeue(batch)
		f.logger.Error().Err(err).Int("values", len(batch)).Msg("flush failed, batch kept for retry")
		return err
	}
	f.telemetry.AddFlushed(len(batch))
	f.logger.Debug().Int("values", len(batch)).Dur("took", time.Since(start)).Msg("flushed point values")
	return nil
}

// requeue puts a failed batch in front of the values appended since, dropping
// the oldest values beyond MaxPending.
func (f *Flusher) requeue(batch []pointvalue.PointValue) {
	f.mu.Lock()
	merged := make([]pointvalue.PointValue, 0, len(batch)+len(f.pending))
	merged = append(merged, batch...)
	merged = append(merged, f.pending...)
	dropped := 0
	if limit := f.opts.MaxPending; limit > 0 && len(merged) > limit {
		dropped = len(merged) - limit
		merged = merged[dropped:]
	}
	f.pending = merged
	f.telemetry.SetPending(len(merged))
	f.mu.Unlock()

	if dropped > 0 {
		f.telemetry.AddDropped(dropped)
		f.logger.Error().Int("dropped", dropped).Int("max_pending", f.opts.MaxPending).Msg("pending buffer full, oldest values dropped")
	}
}
