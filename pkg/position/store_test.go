package position

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeTable() *schema.Table {
	return &schema.Table{
		ID:  cdc.TableID{Schema: "public", Name: "orders"},
		OID: 16384,
		Columns: []schema.Column{
			{Name: "id", TypeOID: 20, TypeName: "int8", TypeKind: 'b', TypeMod: -1, NotNull: true},
			{Name: "tags", TypeOID: 1009, TypeName: "_text", TypeKind: 'b', TypeMod: -1, ElemOID: 25, Dims: 1},
			{Name: "amount", TypeOID: 1700, TypeName: "numeric", TypeKind: 'b', TypeMod: 655366},
		},
		ReplicaIdentity: schema.ReplicaIdentityDefault,
		PrimaryKey:      []string{"id"},
		Identity:        []int{0},
	}
}

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(context.Background(), path, "pgmirror")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Confirmed)
	assert.Empty(t, st.Tables)

	tbl := storeTable()
	entry := tablesync.Entry{
		ID:          tbl.ID,
		Table:       tbl,
		Config:      tablesync.DefaultTableConfig(),
		State:       tablesync.Streaming,
		StartLSN:    0x16B3748,
		Fingerprint: schema.Fingerprint(tbl),
		Generation:  3,
		UpdatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveTable(ctx, entry))
	require.NoError(t, s.SavePosition(ctx, 0x16B3800))

	skipped := entry
	skipped.ID = cdc.TableID{Schema: "public", Name: "audit"}
	skipped.Table = tbl.Clone()
	skipped.Table.ID = skipped.ID
	skipped.Fingerprint = schema.Fingerprint(skipped.Table)
	skipped.State = tablesync.Skipped
	skipped.Reason = "schema changed"
	require.NoError(t, s.SaveTable(ctx, skipped))

	require.NoError(t, s.Close())
	s, err = Open(ctx, path, "pgmirror")
	require.NoError(t, err)
	defer s.Close()

	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, cdc.LSN(0x16B3800), st.Confirmed)
	require.Len(t, st.Tables, 2)

	assert.Equal(t, "audit", st.Tables[0].ID.Name)
	assert.Equal(t, tablesync.Skipped, st.Tables[0].State)
	assert.Equal(t, "schema changed", st.Tables[0].Reason)

	got := st.Tables[1]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, tablesync.Streaming, got.State)
	assert.Equal(t, entry.StartLSN, got.StartLSN)
	assert.Equal(t, entry.Generation, got.Generation)
	assert.Equal(t, entry.Config, got.Config)
	assert.Equal(t, tbl, got.Table)
	assert.True(t, entry.UpdatedAt.Equal(got.UpdatedAt))
}

func TestStoreKeepsNewerGeneration(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	tbl := storeTable()
	reloaded := tablesync.Entry{
		ID:          tbl.ID,
		Table:       tbl,
		Config:      tablesync.DefaultTableConfig(),
		State:       tablesync.NotLoaded,
		Fingerprint: schema.Fingerprint(tbl),
		Generation:  5,
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveTable(ctx, reloaded))

	stale := reloaded
	stale.Generation = 4
	stale.State = tablesync.Skipped
	stale.Reason = "apply failed"
	require.NoError(t, s.SaveTable(ctx, stale))

	st, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, st.Tables, 1)
	assert.Equal(t, tablesync.NotLoaded, st.Tables[0].State)
	assert.Equal(t, uint64(5), st.Tables[0].Generation)

	streaming := reloaded
	streaming.State = tablesync.Streaming
	streaming.StartLSN = 0x100
	require.NoError(t, s.SaveTable(ctx, streaming))
	st, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, tablesync.Streaming, st.Tables[0].State)
}

func TestStoreScopedBySlot(t *testing.T) {
	ctx := context.Background()
	_, path := openStore(t)

	other, err := Open(ctx, path, "other")
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.SavePosition(ctx, 99))

	mine, err := Open(ctx, path, "pgmirror")
	require.NoError(t, err)
	defer mine.Close()

	st, err := mine.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Confirmed)

	require.NoError(t, other.Reset(ctx))
	st, err = other.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Confirmed)
}

func TestStoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()

	t.Run("fingerprint", func(t *testing.T) {
		s, _ := openStore(t)
		tbl := storeTable()
		require.NoError(t, s.SaveTable(ctx, tablesync.Entry{
			ID:          tbl.ID,
			Table:       tbl,
			State:       tablesync.Streaming,
			Fingerprint: schema.Fingerprint(tbl) + 1,
			UpdatedAt:   time.Now(),
		}))

		_, err := s.Load(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("position", func(t *testing.T) {
		s, path := openStore(t)
		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer db.Close()
		_, err = db.Exec("INSERT INTO replication_position (slot, confirmed_lsn, updated_at) VALUES ('pgmirror', 'garbage', '')")
		require.NoError(t, err)

		_, err = s.Load(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("descriptor", func(t *testing.T) {
		s, path := openStore(t)
		tbl := storeTable()
		require.NoError(t, s.SaveTable(ctx, tablesync.Entry{
			ID: tbl.ID, Table: tbl, State: tablesync.Streaming,
			Fingerprint: schema.Fingerprint(tbl), UpdatedAt: time.Now(),
		}))

		db, err := sql.Open("sqlite", path)
		require.NoError(t, err)
		defer db.Close()
		_, err = db.Exec("UPDATE replicated_tables SET descriptor = '{not json'")
		require.NoError(t, err)

		_, err = s.Load(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}
