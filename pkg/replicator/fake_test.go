package replicator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/pglogrepl"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/snapshot"
)

var errConnReset = errors.New("connection reset by peer")

type fakeTable struct {
	desc *schema.Table
	rel  *cdc.Relation
	rows map[int32]cdc.Row
}

type walChange struct {
	kind     cdc.Kind
	lsn      cdc.LSN
	rel      *cdc.Relation
	old, new cdc.Row
}

type walTx struct {
	xid     uint32
	commit  cdc.LSN
	changes []walChange
}

// fakeDB is an in-memory source database with a write-ahead log, exported
// snapshots and one replication slot.
type fakeDB struct {
	mu        sync.Mutex
	tables    map[cdc.TableID]*fakeTable
	wal       []walTx
	lsn       cdc.LSN
	xid       uint32
	relID     uint32
	changed   chan struct{}
	slot      bool
	snapshots map[string]map[cdc.TableID][]cdc.Row
	exported  int
	acked     cdc.LSN
	breakNext bool
	streams   int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		tables:    make(map[cdc.TableID]*fakeTable),
		changed:   make(chan struct{}),
		snapshots: make(map[string]map[cdc.TableID][]cdc.Row),
	}
}

func tableID(name string) cdc.TableID { return cdc.TableID{Schema: "public", Name: name} }

func relationOf(id uint32, t *schema.Table) *cdc.Relation {
	rel := &cdc.Relation{ID: id, Table: t.ID, ReplicaIdentity: byte(t.ReplicaIdentity)}
	for _, c := range t.Columns {
		rel.Columns = append(rel.Columns, cdc.RelationColumn{
			Name: c.Name, TypeOID: c.TypeOID, TypeMod: c.TypeMod, Key: slices.Contains(t.PrimaryKey, c.Name),
		})
	}
	return rel
}

// create adds a table (k int4 primary key, v text).
func (db *fakeDB) create(name string) {
	db.createTable(&schema.Table{
		ID: tableID(name),
		Columns: []schema.Column{
			{Name: "k", TypeOID: 23, TypeMod: -1, NotNull: true},
			{Name: "v", TypeOID: 25, TypeMod: -1},
		},
		ReplicaIdentity: schema.ReplicaIdentityDefault,
		PrimaryKey:      []string{"k"},
	})
}

func (db *fakeDB) createTable(t *schema.Table) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.relID++
	db.tables[t.ID] = &fakeTable{desc: t, rel: relationOf(db.relID, t), rows: make(map[int32]cdc.Row)}
}

// addColumn appends a nullable text column.
func (db *fakeDB) addColumn(name, column string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ft := db.tables[tableID(name)]
	desc := ft.desc.Clone()
	desc.Columns = append(desc.Columns, schema.Column{Name: column, TypeOID: 25, TypeMod: -1})
	ft.desc = desc
	ft.rel = relationOf(ft.rel.ID, desc)
	for k, row := range ft.rows {
		ft.rows[k] = append(row.Clone(), nil)
	}
}

type fakeTx struct {
	db *fakeDB
	tx *walTx
}

func (tx *fakeTx) change(name string, kind cdc.Kind, old, new cdc.Row) {
	ft := tx.db.tables[tableID(name)]
	tx.db.lsn += 8
	tx.tx.changes = append(tx.tx.changes, walChange{kind: kind, lsn: tx.db.lsn, rel: ft.rel, old: old, new: new})
}

func (tx *fakeTx) row(name string, k int32, v string) cdc.Row {
	row := make(cdc.Row, len(tx.db.tables[tableID(name)].desc.Columns))
	row[0], row[1] = k, v
	return row
}

func (tx *fakeTx) insert(name string, k int32, v string) {
	row := tx.row(name, k, v)
	tx.db.tables[tableID(name)].rows[k] = row
	tx.change(name, cdc.KindInsert, nil, row)
}

func (tx *fakeTx) update(name string, k int32, v string) {
	row := tx.row(name, k, v)
	tx.db.tables[tableID(name)].rows[k] = row
	tx.change(name, cdc.KindUpdate, nil, row)
}

func (tx *fakeTx) updateKey(name string, from, to int32) {
	ft := tx.db.tables[tableID(name)]
	prev := ft.rows[from]
	row := prev.Clone()
	row[0] = to
	delete(ft.rows, from)
	ft.rows[to] = row
	tx.change(name, cdc.KindUpdate, tx.keyOf(name, prev), row)
}

func (tx *fakeTx) delete(name string, k int32) {
	ft := tx.db.tables[tableID(name)]
	old := tx.keyOf(name, ft.rows[k])
	delete(ft.rows, k)
	tx.change(name, cdc.KindDelete, old, nil)
}

// keyOf returns a row holding only the primary key values of row, as sent for
// the old tuple of a default replica identity.
func (tx *fakeTx) keyOf(name string, row cdc.Row) cdc.Row {
	desc := tx.db.tables[tableID(name)].desc
	key := make(cdc.Row, len(desc.Columns))
	for i, c := range desc.Columns {
		if slices.Contains(desc.PrimaryKey, c.Name) && i < len(row) {
			key[i] = row[i]
		}
	}
	return key
}

func (tx *fakeTx) get(name string, k int32) (cdc.Row, bool) {
	row, ok := tx.db.tables[tableID(name)].rows[k]
	return row.Clone(), ok
}

// insertRow inserts a complete row keyed by its first column.
func (tx *fakeTx) insertRow(name string, row cdc.Row) {
	tx.db.tables[tableID(name)].rows[row[0].(int32)] = row
	tx.change(name, cdc.KindInsert, nil, row)
}

// updateRow replaces the row with the same first column. The old key is sent
// when a primary key value changes.
func (tx *fakeTx) updateRow(name string, row cdc.Row) {
	ft := tx.db.tables[tableID(name)]
	k := row[0].(int32)
	var old cdc.Row
	if prev := tx.keyOf(name, ft.rows[k]); !reflect.DeepEqual(prev, tx.keyOf(name, row)) {
		old = prev
	}
	ft.rows[k] = row
	tx.change(name, cdc.KindUpdate, old, row)
}

// exec commits one transaction and returns its commit position.
func (db *fakeDB) exec(fn func(tx *fakeTx)) cdc.LSN {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.xid++
	tx := &fakeTx{db: db, tx: &walTx{xid: db.xid}}
	fn(tx)
	db.lsn += 8
	tx.tx.commit = db.lsn
	db.wal = append(db.wal, *tx.tx)
	close(db.changed)
	db.changed = make(chan struct{})
	return tx.tx.commit
}

func (db *fakeDB) insertRange(name string, from, to int32) cdc.LSN {
	return db.exec(func(tx *fakeTx) {
		for k := from; k <= to; k++ {
			tx.insert(name, k, fmt.Sprintf("row %d", k))
		}
	})
}

func (db *fakeDB) rows(name string) map[int32]cdc.Row {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make(map[int32]cdc.Row)
	for k, row := range db.tables[tableID(name)].rows {
		out[k] = row.Clone()
	}
	return out
}

func (db *fakeDB) describe(name string) *schema.Table {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tables[tableID(name)].desc.Clone()
}

func (db *fakeDB) breakStream() {
	db.mu.Lock()
	db.breakNext = true
	db.mu.Unlock()
}

func (db *fakeDB) ackedLSN() cdc.LSN {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.acked
}

func (db *fakeDB) counters() (streams, exported int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.streams, db.exported
}

func (db *fakeDB) Discover(context.Context) ([]cdc.TableID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ids := slices.Collect(maps.Keys(db.tables))
	slices.SortFunc(ids, func(a, b cdc.TableID) int { return strings.Compare(a.String(), b.String()) })
	return ids, nil
}

func (db *fakeDB) Describe(_ context.Context, id cdc.TableID) (*schema.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ft, ok := db.tables[id]
	if !ok {
		return nil, fmt.Errorf("relation %s does not exist", id)
	}
	return ft.desc.Clone(), nil
}

func (db *fakeDB) RegisterTable(*schema.Table) {}

func (db *fakeDB) Matches(cdc.TableID) bool { return true }

func (db *fakeDB) EnsurePublication(context.Context, []cdc.TableID) error { return nil }

func (db *fakeDB) AddTables(context.Context, []cdc.TableID) error { return nil }

func (db *fakeDB) CreateSlot(context.Context) (*snapshot.Handle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.slot {
		return nil, nil
	}
	db.slot = true
	return db.exportLocked(), nil
}

func (db *fakeDB) TemporarySnapshot(context.Context) (*snapshot.Handle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.exportLocked(), nil
}

func (db *fakeDB) exportLocked() *snapshot.Handle {
	db.exported++
	name := fmt.Sprintf("snap-%d", db.exported)
	snap := make(map[cdc.TableID][]cdc.Row)
	for id, ft := range db.tables {
		keys := slices.Sorted(maps.Keys(ft.rows))
		for _, k := range keys {
			snap[id] = append(snap[id], ft.rows[k].Clone())
		}
	}
	db.snapshots[name] = snap
	return snapshot.NewHandle(name, db.lsn, func(context.Context) error {
		db.mu.Lock()
		delete(db.snapshots, name)
		db.mu.Unlock()
		return nil
	})
}

func (db *fakeDB) Scanner() snapshot.Scanner { return db }

func (db *fakeDB) Scan(ctx context.Context, h *snapshot.Handle, t *schema.Table, pageSize int, page func([]cdc.Row) error) error {
	db.mu.Lock()
	snap, ok := db.snapshots[h.Name]
	rows := snap[t.ID]
	db.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot %q does not exist", h.Name)
	}
	for chunk := range slices.Chunk(rows, pageSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := page(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeDB) Stream(ctx context.Context, confirmed cdc.LSN, events chan<- cdc.Event, ack pglogrepl.AckFunc) error {
	db.mu.Lock()
	db.streams++
	db.mu.Unlock()

	send := func(ev cdc.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	announced := make(map[*cdc.Relation]bool)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	next := 0
	for {
		db.mu.Lock()
		var pending []walTx
		for ; next < len(db.wal); next++ {
			if db.wal[next].commit > confirmed {
				pending = append(pending, db.wal[next])
			}
		}
		brk := db.breakNext && len(pending) > 0
		if brk {
			db.breakNext = false
		}
		end, changed := db.lsn, db.changed
		db.mu.Unlock()

		for _, tx := range pending {
			if err := send(cdc.Event{Kind: cdc.KindBegin, Xid: tx.xid, CommitLSN: tx.commit}); err != nil {
				return err
			}
			for _, c := range tx.changes {
				if !announced[c.rel] {
					announced[c.rel] = true
					if err := send(cdc.Event{Kind: cdc.KindRelation, LSN: c.lsn, Relation: c.rel}); err != nil {
						return err
					}
				}
				ev := cdc.Event{Kind: c.kind, LSN: c.lsn, CommitLSN: tx.commit, Relation: c.rel, Old: c.old.Clone(), New: c.new.Clone()}
				if err := send(ev); err != nil {
					return err
				}
				if brk {
					return errConnReset
				}
			}
			if err := send(cdc.Event{Kind: cdc.KindCommit, LSN: tx.commit, CommitLSN: tx.commit}); err != nil {
				return err
			}
		}
		if end > 0 {
			if err := send(cdc.Event{Kind: cdc.KindKeepalive, LSN: end + 1}); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
			lsn := ack()
			db.mu.Lock()
			db.acked = max(db.acked, lsn)
			db.mu.Unlock()
		}
	}
}

func (db *fakeDB) Teardown(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.slot = false
	return nil
}
