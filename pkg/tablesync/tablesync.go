// Package tablesync tracks the replication lifecycle of each table:
//
//	NotLoaded -> Snapshotting -> Streaming
//
// with Skipped(reason) reachable from every state and never left. A skipped table
// re-enters replication only through Reload, which replaces it with a fresh
// NotLoaded entry of a new generation.
package tablesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("invalid table state transition")
	ErrUnknownTable      = errors.New("unknown table")
	ErrTableExists       = errors.New("table already replicated")

	errUnchanged = errors.New("entry unchanged")
)

// ReasonRemoved is the skip reason of tables removed from replication.
const ReasonRemoved = "removed"

// State is the lifecycle state of a table.
type State uint8

const (
	NotLoaded State = iota + 1
	Snapshotting
	Streaming
	Skipped
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Snapshotting:
		return "snapshotting"
	case Streaming:
		return "streaming"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for _, st := range []State{NotLoaded, Snapshotting, Streaming, Skipped} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown table state %q", s)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Entry is the descriptor and lifecycle state of one table. Entries handed out by the
// Registry are copies.
type Entry struct {
	ID          cdc.TableID   `json:"id"`
	Table       *schema.Table `json:"table"`
	Config      TableConfig   `json:"config"`
	State       State         `json:"state"`
	Reason      string        `json:"reason,omitempty"`
	StartLSN    cdc.LSN       `json:"-"`
	Fingerprint uint64        `json:"fingerprint"`
	Generation  uint64        `json:"generation"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// MarshalJSON renders StartLSN in its textual form.
func (e Entry) MarshalJSON() ([]byte, error) {
	type entry Entry
	return json.Marshal(struct {
		entry
		StartLSN string `json:"startLsn"`
	}{entry(e), e.StartLSN.String()})
}

func (e Entry) clone() Entry {
	e.Table = e.Table.Clone()
	return e
}

// View is a read-only projection of an entry. Descriptors are never modified in
// place, so Table may be shared but must not be mutated.
type View struct {
	State      State
	StartLSN   cdc.LSN
	Generation uint64
	Table      *schema.Table
	Config     TableConfig
}

// Observer is notified after every transition with a copy of the new entry.
// Observers see transitions in the order they happened and must not change the
// registry.
type Observer func(Entry)

// Registry owns all Entries. Transitions are serialized; readers get copies.
type Registry struct {
	mu sync.RWMutex
	// nmu is taken before mu is released, so notifications keep transition order
	nmu        sync.Mutex
	entries    map[cdc.TableID]*Entry
	generation uint64
	observers  []Observer
	logger     *zap.Logger
	now        func() time.Time
}

func NewRegistry(logger *zap.Logger, observers ...Observer) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	return &Registry{
		entries:   make(map[cdc.TableID]*Entry),
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
}

// Observe registers an additional observer.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// publish hands e to the observers. The caller holds mu, which publish releases.
func (r *Registry) publish(e Entry) {
	r.nmu.Lock()
	defer r.nmu.Unlock()
	observers := slices.Clone(r.observers)
	r.mu.Unlock()
	for _, o := range observers {
		o(e.clone())
	}
}

func (r *Registry) nextGeneration() uint64 {
	r.generation++
	return r.generation
}

// Add registers a new table as NotLoaded. Adding a table that is already present
// and not skipped fails with ErrTableExists.
func (r *Registry) Add(t *schema.Table, cfg TableConfig) (Entry, error) {
	r.mu.Lock()
	if cur, ok := r.entries[t.ID]; ok && cur.State != Skipped {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%s: %w", t.ID, ErrTableExists)
	}
	e := &Entry{
		ID:          t.ID,
		Table:       t.Clone(),
		Config:      cfg,
		State:       NotLoaded,
		Fingerprint: schema.Fingerprint(t),
		Generation:  r.nextGeneration(),
		UpdatedAt:   r.now(),
	}
	r.entries[t.ID] = e
	out := e.clone()
	r.logger.Info("table added", zap.Stringer("table", t.ID), zap.Uint64("generation", out.Generation))
	r.publish(out)
	return out, nil
}

// Restore loads a persisted entry without notifying observers.
func (r *Registry) Restore(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e = e.clone()
	if e.Generation > r.generation {
		r.generation = e.Generation
	}
	r.entries[e.ID] = &e
}

// BeginSnapshot moves a NotLoaded table to Snapshotting. A table already in
// Snapshotting stays there, which is how a failed scan restarts.
func (r *Registry) BeginSnapshot(id cdc.TableID, generation uint64) (Entry, error) {
	return r.transition(id, generation, func(e *Entry) error {
		switch e.State {
		case NotLoaded, Snapshotting:
			e.State = Snapshotting
			return nil
		}
		return fmt.Errorf("%s: %s -> %s: %w", id, e.State, Snapshotting, ErrInvalidTransition)
	})
}

// CompleteSnapshot moves a Snapshotting table to Streaming from startLSN on.
func (r *Registry) CompleteSnapshot(id cdc.TableID, generation uint64, startLSN cdc.LSN) (Entry, error) {
	return r.transition(id, generation, func(e *Entry) error {
		if e.State != Snapshotting {
			return fmt.Errorf("%s: %s -> %s: %w", id, e.State, Streaming, ErrInvalidTransition)
		}
		e.State = Streaming
		e.StartLSN = startLSN
		return nil
	})
}

// Skip moves a table to Skipped. It reports whether the state changed.
func (r *Registry) Skip(id cdc.TableID, reason string) bool {
	return r.SkipGeneration(id, 0, reason)
}

// SkipGeneration skips the table only while generation is current, so a failure
// of a replaced generation does not skip its reload. Zero matches any generation.
func (r *Registry) SkipGeneration(id cdc.TableID, generation uint64, reason string) bool {
	_, err := r.transition(id, generation, func(e *Entry) error {
		if e.State == Skipped {
			return ErrInvalidTransition
		}
		e.State = Skipped
		e.Reason = reason
		return nil
	})
	if err != nil {
		return false
	}
	r.logger.Warn(fmt.Sprintf("Table %s is skipped from replication stream", id),
		zap.Stringer("table", id), zap.String("reason", reason))
	return true
}

// Remove excludes a table from replication. The entry stays, skipped with
// ReasonRemoved, until the table is reloaded. Removing a removed table is a no-op.
func (r *Registry) Remove(id cdc.TableID) error {
	if r.Skip(id, ReasonRemoved) {
		return nil
	}
	_, err := r.transition(id, 0, func(e *Entry) error {
		if e.Reason == ReasonRemoved {
			return errUnchanged
		}
		e.Reason = ReasonRemoved
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// Reload replaces the table with a fresh NotLoaded entry described by t. Other
// tables are untouched.
func (r *Registry) Reload(id cdc.TableID, t *schema.Table) (Entry, error) {
	r.mu.Lock()
	cur, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%s: %w", id, ErrUnknownTable)
	}
	e := &Entry{
		ID:          id,
		Table:       t.Clone(),
		Config:      cur.Config,
		State:       NotLoaded,
		Fingerprint: schema.Fingerprint(t),
		Generation:  r.nextGeneration(),
		UpdatedAt:   r.now(),
	}
	r.entries[id] = e
	out := e.clone()
	r.logger.Info("table reloaded", zap.Stringer("table", id), zap.Uint64("generation", out.Generation))
	r.publish(out)
	return out, nil
}

// transition applies fn to the entry of id under the write lock. A non-zero
// generation must match the current entry.
func (r *Registry) transition(id cdc.TableID, generation uint64, fn func(*Entry) error) (Entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%s: %w", id, ErrUnknownTable)
	}
	if generation != 0 && e.Generation != generation {
		r.mu.Unlock()
		return Entry{}, fmt.Errorf("%s: generation %d superseded by %d: %w", id, generation, e.Generation, ErrInvalidTransition)
	}
	prev := e.State
	if err := fn(e); err != nil {
		r.mu.Unlock()
		return Entry{}, err
	}
	e.UpdatedAt = r.now()
	out := e.clone()
	if prev != out.State {
		r.logger.Debug("table state changed", zap.Stringer("table", id),
			zap.Stringer("from", prev), zap.Stringer("to", out.State))
	}
	r.publish(out)
	return out, nil
}

// Get returns a copy of the entry of id.
func (r *Registry) Get(id cdc.TableID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// View returns the current state of id without copying the descriptor.
func (r *Registry) View(id cdc.TableID) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return View{}, false
	}
	return View{State: e.State, StartLSN: e.StartLSN, Generation: e.Generation, Table: e.Table, Config: e.Config}, true
}

// ShouldApply reports whether a change committed at commitLSN belongs to the
// streamed part of table id.
func (r *Registry) ShouldApply(id cdc.TableID, commitLSN cdc.LSN) bool {
	v, ok := r.View(id)
	return ok && v.ShouldApply(commitLSN)
}

// ShouldApply reports whether a change committed at commitLSN is past the
// snapshot of a streaming table.
func (v View) ShouldApply(commitLSN cdc.LSN) bool {
	return v.State == Streaming && commitLSN > v.StartLSN
}

// Snapshot returns copies of all entries ordered by table id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

// InState returns the ids of tables in state s.
func (r *Registry) InState(s State) []cdc.TableID {
	var ids []cdc.TableID
	for _, e := range r.Snapshot() {
		if e.State == s {
			ids = append(ids, e.ID)
		}
	}
	return ids
}
