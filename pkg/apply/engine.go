// Package apply turns the ordered change stream into per-table mutation batches
// and writes them to the destination.
//
// Events are consumed by a single dispatcher. Row changes are buffered per table
// until their transaction commits; the commit then becomes one batch per table,
// queued on that table's worker. Workers of different tables apply concurrently;
// batches of one table apply in commit order. The position tracker learns about
// every commit and every applied batch, so the confirmed position only passes a
// commit once all of its batches are durable.
//
// Changes that cannot be applied right away (their table is still being loaded, or
// its queue is full) are discarded and the table holds the confirmed position
// below them. The engine then asks for the stream to be restarted from the
// confirmed position, which replays them. Tables that already applied a replayed
// commit skip it.
package apply

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"github.com/edgeflare/pgmirror/pkg/metrics"
	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 64
	defaultApplyTimeout = 30 * time.Second
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("apply engine closed")

// Config tunes the engine.
type Config struct {
	// QueueSize is the number of batches a table may have waiting.
	QueueSize    int           `mapstructure:"queueSize"`
	ApplyTimeout time.Duration `mapstructure:"applyTimeout"`
	// RetryMaxElapsedTime bounds the retries of one batch. The table is skipped
	// when it runs out. Zero retries until shutdown.
	RetryMaxElapsedTime time.Duration `mapstructure:"retryMaxElapsedTime"`
}

func (c Config) withDefaults() Config {
	c.QueueSize = cmp.Or(c.QueueSize, defaultQueueSize)
	c.ApplyTimeout = cmp.Or(c.ApplyTimeout, defaultApplyTimeout)
	return c
}

type decision uint8

const (
	discard decision = iota
	keep
)

// tableTx collects the mutations of one table within the open transaction. The
// decision is taken on the table's first change in the transaction.
type tableTx struct {
	decision   decision
	generation uint64
	table      destination.Table
	maxRows    int
	mutations  []destination.Mutation
}

type txn struct {
	xid       uint32
	commitLSN cdc.LSN
	tables    map[cdc.TableID]*tableTx
	order     []cdc.TableID
}

type dispatched struct {
	generation uint64
	lsn        cdc.LSN
}

// verified is the last relation found compatible with a table generation.
type verified struct {
	rel        *cdc.Relation
	generation uint64
}

// replay marks a table whose discarded commits come back after a restart. It is
// armed once the stream restarted.
type replay struct {
	generation uint64
	armed      bool
}

type Engine struct {
	cfg      Config
	dst      destination.Destination
	registry *tablesync.Registry
	tracker  *position.Tracker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the dispatcher
	tx       *txn
	verified map[cdc.TableID]verified

	// mu serializes apply decisions with snapshot completion. It is taken before
	// wmu and may be held while calling the registry.
	mu         sync.Mutex
	dispatched map[cdc.TableID]dispatched
	replays    map[cdc.TableID]replay

	wmu     sync.Mutex
	workers map[cdc.TableID]*worker
	closed  bool

	restart chan struct{}

	// queueFull is called after a batch did not fit its queue, before the commit
	// is held. Tests use it to order the worker against the dispatcher.
	queueFull func(cdc.TableID)
}

// New creates an engine writing to dst. Workers live until Close or until ctx is
// canceled.
func New(ctx context.Context, cfg Config, dst destination.Destination, registry *tablesync.Registry,
	tracker *position.Tracker, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:        cfg.withDefaults(),
		dst:        dst,
		registry:   registry,
		tracker:    tracker,
		metrics:    m,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		verified:   make(map[cdc.TableID]verified),
		dispatched: make(map[cdc.TableID]dispatched),
		replays:    make(map[cdc.TableID]replay),
		workers:    make(map[cdc.TableID]*worker),
		restart:    make(chan struct{}, 1),
	}
	registry.Observe(e.onEntry)
	return e
}

// Restarts delivers a value whenever discarded changes must be replayed. The
// receiver restarts the stream from the confirmed position, calling Reset first.
func (e *Engine) Restarts() <-chan struct{} { return e.restart }

func (e *Engine) requestRestart(reason string) {
	select {
	case e.restart <- struct{}{}:
		e.logger.Info("stream restart requested", zap.String("reason", reason))
	default:
	}
}

// Consume processes the next event of the stream.
func (e *Engine) Consume(ev cdc.Event) {
	e.metrics.EventDecoded(ev.Kind)

	switch ev.Kind {
	case cdc.KindBegin:
		if e.tx != nil {
			e.logger.Warn("begin inside open transaction; abandoning it", zap.Uint32("xid", e.tx.xid))
		}
		e.tx = &txn{xid: ev.Xid, commitLSN: ev.CommitLSN, tables: make(map[cdc.TableID]*tableTx)}

	case cdc.KindRelation:
		e.checkRelation(ev.Relation)

	case cdc.KindInsert, cdc.KindUpdate, cdc.KindDelete:
		if e.tx == nil || ev.Relation == nil {
			e.logger.Warn("row change outside a transaction", zap.Stringer("lsn", ev.LSN))
			return
		}
		e.row(ev)

	case cdc.KindTruncate:
		if e.tx == nil {
			return
		}
		for _, rel := range ev.Relations {
			tt := e.tableTx(rel.Table)
			if tt.decision == keep {
				tt.mutations = append(tt.mutations, destination.Mutation{Op: destination.OpTruncate, Version: version(ev)})
			}
		}

	case cdc.KindCommit:
		e.commit(ev.CommitLSN)

	case cdc.KindKeepalive:
		if e.tx == nil && ev.LSN > 0 {
			e.tracker.Observe(ev.LSN - 1)
			e.metrics.Confirmed(e.tracker.Confirmed())
		}
	}
}

func (e *Engine) row(ev cdc.Event) {
	id := ev.Relation.Table
	tt := e.tableTx(id)
	if tt.decision == discard {
		return
	}

	if reason := e.drift(ev.Relation, tt.table.Source, tt.generation); reason != "" {
		e.abandon(id, tt, reason)
		return
	}
	if ev.Err != nil {
		e.abandon(id, tt, fmt.Sprintf("unsupported value: %v", ev.Err))
		return
	}
	muts, err := mutations(tt.table.Source, ev)
	if err != nil {
		e.abandon(id, tt, fmt.Sprintf("cannot apply %s: %v", ev.Kind, err))
		return
	}
	tt.mutations = append(tt.mutations, muts...)
}

// abandon drops the table's share of the open transaction and skips the table.
func (e *Engine) abandon(id cdc.TableID, tt *tableTx, reason string) {
	tt.decision = discard
	tt.mutations = nil
	e.skip(id, tt.generation, reason)
}

// tableTx returns the share of table id in the open transaction, deciding on
// first use whether its changes are applied.
func (e *Engine) tableTx(id cdc.TableID) *tableTx {
	if tt, ok := e.tx.tables[id]; ok {
		return tt
	}
	tt := &tableTx{}
	e.tx.tables[id] = tt
	e.tx.order = append(e.tx.order, id)

	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.registry.View(id)
	if !ok {
		return tt
	}
	tt.generation = v.Generation
	commit := e.tx.commitLSN

	switch v.State {
	case tablesync.Skipped:
		return tt
	case tablesync.NotLoaded, tablesync.Snapshotting:
		e.holdLocked(id, v.Generation, commit)
		return tt
	}

	if !v.ShouldApply(commit) {
		return tt
	}
	if r, ok := e.replays[id]; ok && r.generation == v.Generation && !r.armed {
		e.holdLocked(id, v.Generation, commit)
		return tt
	}
	if w := e.worker(id); w != nil && w.generation == v.Generation && w.lagging.Load() {
		e.holdLocked(id, v.Generation, commit)
		return tt
	}
	if d, ok := e.dispatched[id]; ok && d.generation == v.Generation && commit <= d.lsn {
		return tt
	}

	tt.decision = keep
	tt.table = destination.NewTable(v.Table, v.Config.Destination)
	tt.maxRows = v.Config.MaxBatchRows
	return tt
}

// holdLocked keeps the confirmed position below commit for table id. A table
// skipped or reloaded meanwhile does not keep the hold.
func (e *Engine) holdLocked(id cdc.TableID, generation uint64, commit cdc.LSN) {
	e.tracker.Hold(id, commit)
	if v, ok := e.registry.View(id); !ok || v.State == tablesync.Skipped || v.Generation != generation {
		e.tracker.Release(id)
	}
}

func (e *Engine) commit(lsn cdc.LSN) {
	tx := e.tx
	e.tx = nil
	if tx == nil {
		e.logger.Warn("commit without begin", zap.Stringer("lsn", lsn))
		return
	}
	if tx.commitLSN != lsn {
		e.logger.Warn("commit does not match begin", zap.Stringer("begin", tx.commitLSN), zap.Stringer("commit", lsn))
	}

	var ids []cdc.TableID
	for _, id := range tx.order {
		if tt := tx.tables[id]; tt.decision == keep && len(tt.mutations) > 0 {
			ids = append(ids, id)
		}
	}

	e.tracker.Register(lsn, len(ids))
	for _, id := range ids {
		tt := tx.tables[id]
		b := &destination.Batch{Table: id, Mutations: tt.mutations, Commits: []cdc.LSN{lsn}}
		e.dispatch(id, tt, b, lsn)
	}

	e.releaseReplays(lsn)
	e.metrics.Confirmed(e.tracker.Confirmed())
}

func (e *Engine) dispatch(id cdc.TableID, tt *tableTx, b *destination.Batch, lsn cdc.LSN) {
	w := e.workerFor(id, tt)
	res := retired
	if w != nil {
		res = w.enqueue(b)
	}
	switch res {
	case queued:
		e.mu.Lock()
		e.dispatched[id] = dispatched{generation: tt.generation, lsn: lsn}
		e.mu.Unlock()
		return
	case retired:
		// the table was skipped or reloaded, or the engine is closing
		e.tracker.Done(lsn)
		return
	}

	if e.queueFull != nil {
		e.queueFull(id)
	}
	e.mu.Lock()
	delete(e.replays, id)
	e.holdLocked(id, tt.generation, lsn)
	e.mu.Unlock()
	e.tracker.Done(lsn)

	e.logger.Warn("apply queue full; table lags until its changes are replayed",
		zap.Stringer("table", id), zap.Int("queueSize", e.cfg.QueueSize), zap.Stringer("commit", lsn))
	w.drained()
}

func (e *Engine) worker(id cdc.TableID) *worker {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	return e.workers[id]
}

// workerFor returns the worker of the table generation, starting it if needed.
func (e *Engine) workerFor(id cdc.TableID, tt *tableTx) *worker {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if e.closed {
		return nil
	}

	w := e.workers[id]
	if w != nil && w.generation == tt.generation {
		return w
	}
	if w != nil {
		w.close(true)
	}
	w = newWorker(e, id, tt.generation, tt.table, cmp.Or(tt.maxRows, tablesync.DefaultTableConfig().MaxBatchRows))
	e.workers[id] = w
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(e.ctx)
	}()
	return w
}

// releaseReplays drops the holds of replaying tables once the replay passed the
// last commit they discarded.
func (e *Engine) releaseReplays(lsn cdc.LSN) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.replays {
		if !r.armed {
			continue
		}
		if w := e.worker(id); w != nil && w.lagging.Load() {
			continue
		}
		if _, last, held := e.tracker.Held(id); !held || lsn >= last {
			e.tracker.Release(id)
			delete(e.replays, id)
			e.logger.Info("table caught up after replay", zap.Stringer("table", id), zap.Stringer("commit", lsn))
		}
	}
}

// Reset abandons the open transaction and arms pending replays. It is called
// before the stream restarts from the confirmed position.
func (e *Engine) Reset() {
	e.tx = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, r := range e.replays {
		r.armed = true
		e.replays[id] = r
	}

	e.wmu.Lock()
	defer e.wmu.Unlock()
	for id, w := range e.workers {
		if w.lagging.Swap(false) {
			e.replays[id] = replay{generation: w.generation, armed: true}
		}
	}
}

// CompleteSnapshot moves a loaded table to Streaming from startLSN. It reports
// whether changes of the table were discarded past startLSN while it was loading;
// the engine has then requested a restart to replay them.
func (e *Engine) CompleteSnapshot(id cdc.TableID, generation uint64, startLSN cdc.LSN) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registry.CompleteSnapshot(id, generation, startLSN); err != nil {
		return false, err
	}
	if _, last, held := e.tracker.Held(id); held && last > startLSN {
		e.replays[id] = replay{generation: generation}
		e.requestRestart(fmt.Sprintf("%s loaded while streaming", id))
		return true, nil
	}
	e.tracker.Release(id)
	return false, nil
}

func (e *Engine) checkRelation(rel *cdc.Relation) {
	if rel == nil {
		return
	}
	v, ok := e.registry.View(rel.Table)
	if !ok || v.State != tablesync.Streaming {
		return
	}
	// history up to the snapshot may announce older schemas
	if e.tx != nil && e.tx.commitLSN <= v.StartLSN {
		return
	}
	reason := e.drift(rel, v.Table, v.Generation)
	if reason == "" {
		return
	}
	if e.tx != nil {
		if tt, ok := e.tx.tables[rel.Table]; ok {
			tt.decision = discard
			tt.mutations = nil
		}
	}
	e.skip(rel.Table, v.Generation, reason)
}

// drift returns why rows described by rel cannot be applied to generation of
// table t, or "" when they can.
func (e *Engine) drift(rel *cdc.Relation, t *schema.Table, generation uint64) string {
	if c, ok := e.verified[rel.Table]; ok && c.rel == rel && c.generation == generation {
		return ""
	}
	d := schema.DetectDrift(t, rel)
	if d != nil && d.IdentityOnly && identity.Widening(t.IdentityColumns(), d.Key) {
		e.logger.Debug("replica identity widened", zap.Stringer("table", rel.Table), zap.Strings("key", d.Key))
		d = nil
	}
	if d != nil {
		return d.Reason
	}
	e.verified[rel.Table] = verified{rel: rel, generation: generation}
	return ""
}

// skip moves the table generation to Skipped.
func (e *Engine) skip(id cdc.TableID, generation uint64, reason string) {
	e.registry.SkipGeneration(id, generation, reason)
}

// onEntry retires workers of skipped or replaced table generations. Entries of
// generations older than the running worker are ignored.
func (e *Engine) onEntry(entry tablesync.Entry) {
	if v, ok := e.registry.View(entry.ID); ok && v.Generation > entry.Generation {
		return
	}
	e.wmu.Lock()
	if w, ok := e.workers[entry.ID]; ok && entry.Generation >= w.generation &&
		(entry.State == tablesync.Skipped || w.generation != entry.Generation) {
		w.close(true)
		delete(e.workers, entry.ID)
	}
	e.wmu.Unlock()

	if entry.State == tablesync.Skipped {
		e.tracker.Release(entry.ID)
	}
}

// Close stops accepting batches and waits for queued batches to be applied. When
// ctx ends first, remaining batches are abandoned and stay unconfirmed.
func (e *Engine) Close(ctx context.Context) error {
	e.wmu.Lock()
	if e.closed {
		e.wmu.Unlock()
		return ErrClosed
	}
	e.closed = true
	for _, w := range e.workers {
		w.close(false)
	}
	e.wmu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	defer e.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return fmt.Errorf("flush apply queues: %w", ctx.Err())
	}
}
