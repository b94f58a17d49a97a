package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgmirror/pkg/apply"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/metrics"
	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/edgeflare/pgmirror/pkg/snapshot"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotRunning is returned by operations that need a running session.
	ErrNotRunning = errors.New("replication session not running")

	errRestart     = errors.New("stream restart requested")
	errStreamEnded = errors.New("replication stream ended")
)

const persistTimeout = 5 * time.Second

// Session replicates one source database into one destination.
type Session struct {
	cfg      Config
	source   Source
	dst      destination.Destination
	store    *position.Store
	registry *tablesync.Registry
	loader   *snapshot.Loader
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// set once Run has prepared the slot and tables
	tracker *position.Tracker
	engine  *apply.Engine
	running atomic.Bool
	ready   chan struct{}

	persisted atomic.Uint64

	loadc   chan struct{}
	mu      sync.Mutex
	loading map[cdc.TableID]bool
}

// NewSession creates a session. Observers are notified of every table
// transition, after the transition is persisted.
func NewSession(cfg Config, src Source, dst destination.Destination, store *position.Store,
	logger *zap.Logger, m *metrics.Metrics, observers ...tablesync.Observer) *Session {
	if logger == nil {
		logger = zap.L()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		source:  src,
		dst:     dst,
		store:   store,
		metrics: m,
		logger:  logger,
		ready:   make(chan struct{}),
		loadc:   make(chan struct{}, 1),
		loading: make(map[cdc.TableID]bool),
	}
	s.loader = snapshot.NewLoader(src.Scanner(), dst, cfg.Snapshot, logger.Named("snapshot"), m)
	s.registry = tablesync.NewRegistry(logger.Named("tables"), append([]tablesync.Observer{s.persist, m.TableState, s.onEntry}, observers...)...)
	return s
}

// Ready is closed once the initial snapshot is loaded and streaming starts.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Registry returns the table registry.
func (s *Session) Registry() *tablesync.Registry { return s.registry }

// Run replicates until ctx ends or a fatal error occurs. Queued changes are
// applied before it returns, within the shutdown timeout.
func (s *Session) Run(ctx context.Context) (err error) {
	st, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load replication state: %w", err)
	}
	for _, e := range st.Tables {
		if e.Table != nil {
			s.source.RegisterTable(e.Table)
		}
		s.registry.Restore(e)
		s.metrics.TableState(e)
	}
	s.logger.Info("replication state loaded", zap.Stringer("confirmed", st.Confirmed), zap.Int("tables", len(st.Tables)))

	if err := s.discover(ctx); err != nil {
		return err
	}
	if err := s.source.EnsurePublication(ctx, s.replicated()); err != nil {
		return fmt.Errorf("ensure publication: %w", err)
	}

	h, err := s.source.CreateSlot(ctx)
	if err != nil {
		return fmt.Errorf("create replication slot: %w", err)
	}
	confirmed := st.Confirmed
	if h != nil {
		defer h.Release(context.WithoutCancel(ctx))
		if confirmed > 0 || len(st.Tables) > 0 {
			s.logger.Warn("replication slot was recreated; reloading every table")
			s.reloadAll(ctx)
		}
		confirmed = 0
	}

	s.tracker = position.NewTracker(confirmed)
	s.persisted.Store(uint64(confirmed))
	s.engine = apply.New(context.WithoutCancel(ctx), s.cfg.Apply, s.dst, s.registry, s.tracker, s.logger.Named("apply"), s.metrics)
	s.running.Store(true)
	defer s.running.Store(false)

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if cerr := s.engine.Close(closeCtx); cerr != nil {
			s.logger.Warn("apply queues not flushed", zap.Error(cerr))
		}
		s.savePosition(closeCtx)
		s.logger.Info("replication stopped", zap.Stringer("confirmed", s.tracker.Confirmed()))
	}()

	if h != nil {
		if err := s.loadInitial(ctx, h); err != nil {
			return err
		}
	}

	close(s.ready)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loadLoop(gctx) })
	g.Go(func() error { return s.stream(gctx) })
	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// replicated lists the tables not skipped.
func (s *Session) replicated() []cdc.TableID {
	var ids []cdc.TableID
	for _, e := range s.registry.Snapshot() {
		if e.State != tablesync.Skipped {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// discover adds the configured tables not yet replicated.
func (s *Session) discover(ctx context.Context) error {
	ids, err := s.source.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover tables: %w", err)
	}
	for _, id := range ids {
		if _, ok := s.registry.Get(id); ok {
			continue
		}
		if _, err := s.addTable(ctx, id); err != nil {
			if classify(err) == fatal {
				return err
			}
			s.logger.Warn("table not added", zap.Stringer("table", id), zap.Error(err))
		}
	}
	return nil
}

// reloadAll reloads every table still replicated. Skipped tables stay skipped.
func (s *Session) reloadAll(ctx context.Context) {
	for _, e := range s.registry.Snapshot() {
		if e.State == tablesync.Skipped {
			continue
		}
		if _, err := s.reload(ctx, e.ID); err != nil {
			s.logger.Warn("table not reloaded", zap.Stringer("table", e.ID), zap.Error(err))
			s.registry.Skip(e.ID, fmt.Sprintf("reload failed: %v", err))
		}
	}
}

// loadInitial loads every pending table from the snapshot exported with the slot.
func (s *Session) loadInitial(ctx context.Context, h *snapshot.Handle) error {
	defer h.Release(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SnapshotConcurrency)
	for _, id := range s.pending() {
		g.Go(func() error { return s.load(gctx, h, id) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	s.logger.Info("initial snapshot complete", zap.Stringer("consistentPoint", h.LSN))
	return nil
}

// pending lists the tables waiting for a snapshot.
func (s *Session) pending() []cdc.TableID {
	ids := s.registry.InState(tablesync.NotLoaded)
	return append(ids, s.registry.InState(tablesync.Snapshotting)...)
}

// load copies one table from snapshot h and starts streaming it. Table-level
// failures skip the table; only cancellation is returned.
func (s *Session) load(ctx context.Context, h *snapshot.Handle, id cdc.TableID) error {
	e, ok := s.registry.Get(id)
	if !ok || (e.State != tablesync.NotLoaded && e.State != tablesync.Snapshotting) {
		return nil
	}
	if _, err := s.registry.BeginSnapshot(id, e.Generation); err != nil {
		s.logger.Debug("snapshot not started", zap.Stringer("table", id), zap.Error(err))
		return nil
	}

	start := time.Now()
	rows, err := s.loader.Load(ctx, h, destination.NewTable(e.Table, e.Config.Destination), e.Config.SnapshotBatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.skip(id, e.Generation, fmt.Sprintf("snapshot failed: %v", err))
		return nil
	}

	replay, err := s.engine.CompleteSnapshot(id, e.Generation, h.LSN)
	if err != nil {
		// removed or reloaded meanwhile
		s.logger.Info("loaded table superseded", zap.Stringer("table", id), zap.Error(err))
		return nil
	}
	s.logger.Info("table loaded", zap.Stringer("table", id), zap.Int64("rows", rows),
		zap.Stringer("startLsn", h.LSN), zap.Duration("elapsed", time.Since(start)), zap.Bool("replay", replay))
	return nil
}

func (s *Session) skip(id cdc.TableID, generation uint64, reason string) {
	s.registry.SkipGeneration(id, generation, reason)
}

func (s *Session) wake() {
	select {
	case s.loadc <- struct{}{}:
	default:
	}
}

// loadLoop loads tables that become pending while streaming, each from its own
// temporary snapshot.
func (s *Session) loadLoop(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.SnapshotConcurrency)
	defer g.Wait()

	for {
		for _, id := range s.pending() {
			if !s.claim(id) {
				continue
			}
			g.Go(func() error {
				defer s.release(id)
				if err := s.loadLate(ctx, id); err != nil && ctx.Err() == nil {
					s.logger.Warn("late snapshot failed; retrying", zap.Stringer("table", id), zap.Error(err))
					time.AfterFunc(s.retryInterval(), s.wake)
				}
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.loadc:
		}
	}
}

func (s *Session) retryInterval() time.Duration {
	if s.cfg.Reconnect.InitialInterval > 0 {
		return s.cfg.Reconnect.InitialInterval
	}
	return 10 * time.Second
}

func (s *Session) claim(id cdc.TableID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading[id] {
		return false
	}
	s.loading[id] = true
	return true
}

func (s *Session) release(id cdc.TableID) {
	s.mu.Lock()
	delete(s.loading, id)
	s.mu.Unlock()
}

func (s *Session) loadLate(ctx context.Context, id cdc.TableID) error {
	if err := s.source.AddTables(ctx, []cdc.TableID{id}); err != nil {
		return fmt.Errorf("add %s to publication: %w", id, err)
	}
	h, err := s.source.TemporarySnapshot(ctx)
	if err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}
	defer h.Release(context.WithoutCancel(ctx))
	return s.load(ctx, h, id)
}

// stream consumes the replication stream, reconnecting from the confirmed
// position after transient failures.
func (s *Session) stream(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.Reconnect.InitialInterval > 0 {
		bo.InitialInterval = s.cfg.Reconnect.InitialInterval
	}
	if s.cfg.Reconnect.MaxInterval > 0 {
		bo.MaxInterval = s.cfg.Reconnect.MaxInterval
	}
	bo.MaxElapsedTime = s.cfg.Reconnect.MaxElapsedTime

	operation := func() error {
		for {
			before := s.tracker.Confirmed()
			err := s.streamOnce(ctx)
			if errors.Is(err, errRestart) {
				s.engine.Reset()
				continue
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if classify(err) == fatal {
				return backoff.Permanent(err)
			}

			s.engine.Reset()
			s.metrics.Reconnect()
			if s.tracker.Confirmed() > before {
				bo.Reset()
			}
			s.logger.Warn("replication stream failed; reconnecting",
				zap.Stringer("from", s.tracker.Confirmed()), zap.Error(err))
			return err
		}
	}
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// streamOnce runs one replication connection from the confirmed position.
func (s *Session) streamOnce(ctx context.Context) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan cdc.Event, s.cfg.EventBuffer)
	errc := make(chan error, 1)
	from := s.tracker.Confirmed()
	go func() { errc <- s.source.Stream(sctx, from, events, s.ack) }()

	stop := func(err error) error {
		cancel()
		<-errc
		return err
	}
	for {
		select {
		case ev := <-events:
			s.engine.Consume(ev)
		case <-s.engine.Restarts():
			s.logger.Info("restarting stream", zap.Stringer("from", s.tracker.Confirmed()))
			return stop(errRestart)
		case err := <-errc:
			if err == nil {
				err = errStreamEnded
			}
			return err
		case <-ctx.Done():
			return stop(ctx.Err())
		}
	}
}

// ack persists the confirmed position and returns the position that may be
// reported to the server.
func (s *Session) ack() cdc.LSN {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return s.savePosition(ctx)
}

func (s *Session) savePosition(ctx context.Context) cdc.LSN {
	persisted := cdc.LSN(s.persisted.Load())
	lsn := s.tracker.Confirmed()
	if lsn <= persisted {
		return persisted
	}
	if err := s.store.SavePosition(ctx, lsn); err != nil {
		s.logger.Error("persist confirmed position", zap.Stringer("lsn", lsn), zap.Error(err))
		return persisted
	}
	s.persisted.Store(uint64(lsn))
	s.metrics.Confirmed(lsn)
	return lsn
}

// persist stores every table transition.
func (s *Session) persist(e tablesync.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveTable(ctx, e); err != nil {
		s.logger.Error("persist table state", zap.Stringer("table", e.ID), zap.Error(err))
	}
}

func (s *Session) onEntry(e tablesync.Entry) {
	if e.State == tablesync.NotLoaded {
		s.wake()
	}
}
