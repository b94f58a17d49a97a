package replicator

import (
	"context"
	"fmt"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"go.uber.org/zap"
)

// prepare resolves the identity of t and checks its column types. It returns
// the reason the table cannot be replicated, if any.
func prepare(t *schema.Table) string {
	idx, err := identity.Resolve(t)
	if err != nil {
		return err.Error()
	}
	t.Identity = idx
	if err := typemap.CheckTable(t); err != nil {
		return err.Error()
	}
	return ""
}

func (s *Session) describe(ctx context.Context, id cdc.TableID) (*schema.Table, string, error) {
	t, err := s.source.Describe(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("describe %s: %w", id, err)
	}
	return t, prepare(t), nil
}

// addTable registers a new table. Tables that cannot be replicated are added
// and skipped at once so they show up with their reason.
func (s *Session) addTable(ctx context.Context, id cdc.TableID) (tablesync.Entry, error) {
	cfg, err := s.cfg.tableConfig(id)
	if err != nil {
		return tablesync.Entry{}, fmt.Errorf("%s: %w", id, err)
	}
	t, reason, err := s.describe(ctx, id)
	if err != nil {
		return tablesync.Entry{}, err
	}
	e, err := s.registry.Add(t, cfg)
	if err != nil {
		return tablesync.Entry{}, err
	}
	if reason != "" {
		s.skip(id, e.Generation, reason)
		e, _ = s.registry.Get(id)
	}
	return e, nil
}

func (s *Session) reload(ctx context.Context, id cdc.TableID) (tablesync.Entry, error) {
	t, reason, err := s.describe(ctx, id)
	if err != nil {
		return tablesync.Entry{}, err
	}
	e, err := s.registry.Reload(id, t)
	if err != nil {
		return tablesync.Entry{}, err
	}
	if reason != "" {
		s.skip(id, e.Generation, reason)
		e, _ = s.registry.Get(id)
	}
	return e, nil
}

// AddTable starts replicating a table. A skipped table is added afresh.
func (s *Session) AddTable(ctx context.Context, id cdc.TableID) (tablesync.Entry, error) {
	if cur, ok := s.registry.Get(id); ok && cur.State == tablesync.Skipped {
		return s.ReloadTable(ctx, id)
	}
	if !s.source.Matches(id) {
		s.logger.Info("table is outside the configured patterns; it stays replicated until removed", zap.Stringer("table", id))
	}
	e, err := s.addTable(ctx, id)
	if err != nil {
		return e, err
	}
	s.logger.Info("table added to replication", zap.Stringer("table", id), zap.Stringer("state", e.State))
	return e, nil
}

// ReloadTable reloads a table from a new snapshot with its current schema.
// Replication of other tables continues meanwhile.
func (s *Session) ReloadTable(ctx context.Context, id cdc.TableID) (tablesync.Entry, error) {
	if _, ok := s.registry.Get(id); !ok {
		return tablesync.Entry{}, fmt.Errorf("%s: %w", id, tablesync.ErrUnknownTable)
	}
	return s.reload(ctx, id)
}

// RemoveTable stops replicating a table. It stays listed as skipped, across
// restarts too, until AddTable or ReloadTable brings it back. Rows already in the
// destination are kept.
func (s *Session) RemoveTable(ctx context.Context, id cdc.TableID) error {
	if err := s.registry.Remove(id); err != nil {
		return err
	}
	s.logger.Info("table removed from replication", zap.Stringer("table", id))
	return nil
}

// Tables returns every replicated table.
func (s *Session) Tables() []tablesync.Entry { return s.registry.Snapshot() }

// Status summarizes a session.
type Status struct {
	Running   bool                    `json:"running"`
	Confirmed string                  `json:"confirmedLsn"`
	Persisted string                  `json:"persistedLsn"`
	Pending   int                     `json:"pendingCommits"`
	Tables    map[tablesync.State]int `json:"tables"`
}

func (s *Session) Status() Status {
	st := Status{
		Running:   s.running.Load(),
		Persisted: cdc.LSN(s.persisted.Load()).String(),
		Tables:    make(map[tablesync.State]int),
	}
	if st.Running {
		st.Confirmed = s.tracker.Confirmed().String()
		st.Pending = s.tracker.Pending()
	}
	for _, e := range s.registry.Snapshot() {
		st.Tables[e.State]++
	}
	return st
}
