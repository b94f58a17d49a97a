package apply

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"go.uber.org/zap"
)

// worker applies the batches of one table generation in commit order.
type worker struct {
	engine     *Engine
	id         cdc.TableID
	generation uint64
	table      destination.Table
	maxRows    int
	logger     *zap.Logger

	mu     sync.Mutex
	queue  chan *destination.Batch
	closed bool

	// lagging is set when a batch did not fit the queue. Batches are dropped until
	// the stream is replayed.
	lagging atomic.Bool
	// discard drops queued batches instead of applying them.
	discard atomic.Bool
	done    chan struct{}
}

func newWorker(e *Engine, id cdc.TableID, generation uint64, table destination.Table, maxRows int) *worker {
	return &worker{
		engine:     e,
		id:         id,
		generation: generation,
		table:      table,
		maxRows:    maxRows,
		logger:     e.logger.With(zap.Stringer("table", id), zap.Uint64("generation", generation)),
		queue:      make(chan *destination.Batch, e.cfg.QueueSize),
		done:       make(chan struct{}),
	}
}

type enqueueResult uint8

const (
	queued enqueueResult = iota
	// full: the batch was dropped and the worker lags
	full
	retired
)

// enqueue offers b without blocking. A full queue marks the worker lagging before
// enqueue returns, so a worker draining the queue meanwhile sees it.
func (w *worker) enqueue(b *destination.Batch) enqueueResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return retired
	}
	select {
	case w.queue <- b:
		w.engine.metrics.Queue(w.id, len(w.queue))
		return queued
	default:
		w.lagging.Store(true)
		return full
	}
}

// close stops accepting batches. Queued batches are still applied unless discard
// is set.
func (w *worker) close(discard bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if discard {
		w.discard.Store(true)
	}
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	for b := range w.queue {
		// coalesce what is already queued
		for b.Len() < w.maxRows {
			next, ok := w.tryNext()
			if !ok {
				break
			}
			b.Merge(next)
		}
		w.engine.metrics.Queue(w.id, len(w.queue))

		if !w.discard.Load() {
			if err := w.apply(ctx, b); err != nil {
				if ctx.Err() != nil {
					// left unconfirmed; replayed after restart
					w.logger.Warn("batch abandoned on shutdown", zap.Stringer("commit", b.CommitLSN()), zap.Error(err))
					continue
				}
				w.engine.skip(w.id, w.generation, fmt.Sprintf("apply failed: %v", err))
			}
		}
		for _, c := range b.Commits {
			w.engine.tracker.Done(c)
		}

		w.drained()
	}
}

// drained requests the replay of a lagging worker once its queue is empty. Both
// the worker and the dispatcher check, whichever sees the empty queue last.
func (w *worker) drained() {
	if w.lagging.Load() && len(w.queue) == 0 {
		w.engine.requestRestart(fmt.Sprintf("apply queue of %s drained", w.id))
	}
}

func (w *worker) tryNext() (*destination.Batch, bool) {
	select {
	case next, ok := <-w.queue:
		return next, ok
	default:
		return nil, false
	}
}

func (w *worker) apply(ctx context.Context, b *destination.Batch) error {
	attempt := 0
	operation := func() error {
		if w.discard.Load() {
			return nil
		}
		attempt++
		start := time.Now()
		applyCtx, cancel := context.WithTimeout(ctx, w.engine.cfg.ApplyTimeout)
		defer cancel()

		err := w.engine.dst.ApplyBatch(applyCtx, w.table, b)
		if err != nil {
			w.engine.metrics.ApplyError(w.id)
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			w.logger.Warn("apply batch failed", zap.Int("attempt", attempt),
				zap.Int("mutations", b.Len()), zap.Stringer("commit", b.CommitLSN()), zap.Error(err))
			return err
		}

		w.engine.metrics.ApplyDuration(w.id, time.Since(start))
		for op, n := range countOps(b) {
			w.engine.metrics.Applied(w.id, op.String(), n)
		}
		w.logger.Debug("batch applied", zap.Int("mutations", b.Len()),
			zap.Int("commits", len(b.Commits)), zap.Stringer("commit", b.CommitLSN()))
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.engine.cfg.RetryMaxElapsedTime
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func countOps(b *destination.Batch) map[destination.Op]int {
	counts := make(map[destination.Op]int, 4)
	for _, m := range b.Mutations {
		counts[m.Op]++
	}
	return counts
}
