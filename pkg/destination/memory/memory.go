// Package memory is an in-process destination. It applies the same versioned merge
// rules as the persistent backends and is used for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"go.uber.org/zap"
)

var ErrTableNotFound = errors.New("destination table not found")

type record struct {
	values  cdc.Row
	version uint64
	deleted bool
}

type table struct {
	rows        map[identity.Key]*record
	truncatedAt uint64
}

// Destination keeps tables in memory.
type Destination struct {
	mu     sync.Mutex
	tables map[string]*table
	logger *zap.Logger

	// Intercept, when set, is called before every batch is applied. A non-nil
	// error fails the batch without applying it.
	Intercept func(t destination.Table, b *destination.Batch) error
}

func New(logger *zap.Logger) *Destination {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Destination{tables: make(map[string]*table), logger: logger}
}

func (d *Destination) CreateTable(_ context.Context, t destination.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tables[t.Name]; !ok {
		d.tables[t.Name] = &table{rows: make(map[identity.Key]*record)}
		d.logger.Debug("created table", zap.String("table", t.Name))
	}
	return nil
}

func (d *Destination) DropTable(_ context.Context, t destination.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tables, t.Name)
	return nil
}

type keyed struct {
	key identity.Key
	m   *destination.Mutation
}

func (d *Destination) ApplyBatch(_ context.Context, t destination.Table, b *destination.Batch) error {
	if d.Intercept != nil {
		if err := d.Intercept(t, b); err != nil {
			return err
		}
	}

	idx := t.Source.Identity
	full := identity.Full(t.Source, idx)

	// keys are resolved up front so a bad mutation leaves the table untouched
	ops := make([]keyed, len(b.Mutations))
	for i := range b.Mutations {
		m := &b.Mutations[i]
		var (
			key identity.Key
			err error
		)
		switch m.Op {
		case destination.OpInsert, destination.OpUpsert:
			if len(m.Row) != len(t.Source.Columns) {
				return fmt.Errorf("%s: row has %d values, table has %d columns", t.Name, len(m.Row), len(t.Source.Columns))
			}
			key, err = identity.Extract(m.Row, idx, full)
		case destination.OpDelete:
			key, err = identity.Encode(m.Key, full)
		case destination.OpTruncate:
		default:
			err = fmt.Errorf("unknown op %s", m.Op)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		ops[i] = keyed{key: key, m: m}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tbl, ok := d.tables[t.Name]
	if !ok {
		return fmt.Errorf("%s: %w", t.Name, ErrTableNotFound)
	}

	for _, op := range ops {
		m := op.m
		if m.Op == destination.OpTruncate {
			tbl.rows = make(map[identity.Key]*record)
			tbl.truncatedAt = max(tbl.truncatedAt, m.Version)
			continue
		}
		if m.Version <= tbl.truncatedAt {
			continue
		}
		if cur, ok := tbl.rows[op.key]; ok && cur.version > m.Version {
			continue
		}
		rec := &record{version: m.Version}
		if m.Op == destination.OpDelete {
			rec.deleted = true
		} else {
			rec.values = m.Row.Clone()
		}
		tbl.rows[op.key] = rec
	}
	return nil
}

func (d *Destination) Query(_ context.Context, t destination.Table, p destination.Predicate) ([]cdc.Row, error) {
	if len(p.Columns) != len(p.Values) {
		return nil, fmt.Errorf("predicate has %d columns and %d values", len(p.Columns), len(p.Values))
	}
	cols := make([]int, len(p.Columns))
	want := make([]identity.Key, len(p.Columns))
	for i, name := range p.Columns {
		if cols[i] = t.Source.ColumnIndex(name); cols[i] < 0 {
			return nil, fmt.Errorf("%s: unknown column %q", t.Name, name)
		}
		k, err := identity.Encode(cdc.Row{p.Values[i]}, true)
		if err != nil {
			return nil, err
		}
		want[i] = k
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tbl, ok := d.tables[t.Name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t.Name, ErrTableNotFound)
	}

	keys := make([]identity.Key, 0, len(tbl.rows))
	for k, rec := range tbl.rows {
		if !rec.deleted && matches(rec.values, cols, want) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b identity.Key) int { return strings.Compare(string(a), string(b)) })

	out := make([]cdc.Row, len(keys))
	for i, k := range keys {
		out[i] = tbl.rows[k].values.Clone()
	}
	return out, nil
}

func matches(row cdc.Row, cols []int, want []identity.Key) bool {
	for i, c := range cols {
		k, err := identity.Encode(cdc.Row{row[c]}, true)
		if err != nil || k != want[i] {
			return false
		}
	}
	return true
}

// Tables returns the names of the existing tables.
func (d *Destination) Tables() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (d *Destination) Close() error { return nil }

func init() {
	destination.Register(destination.BackendMemory, func(_ context.Context, _ map[string]any, logger *zap.Logger) (destination.Destination, error) {
		return New(logger), nil
	})
}
