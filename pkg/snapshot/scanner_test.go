package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/pgmirror/internal/testutil/pgtest"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidSnapshotName(t *testing.T) {
	assert.True(t, validSnapshotName("00000003-0000001B-1"))
	assert.False(t, validSnapshotName(""))
	assert.False(t, validSnapshotName("1'; DROP TABLE x; --"))
}

func TestSelectSQL(t *testing.T) {
	tbl := &schema.Table{
		ID:      cdc.TableID{Schema: "sales", Name: "Order Items"},
		Columns: []schema.Column{{Name: "id"}, {Name: "Qty"}},
	}
	assert.Equal(t, `DECLARE pgmirror_snapshot NO SCROLL CURSOR FOR SELECT "id", "Qty" FROM "sales"."Order Items"`, selectSQL(tbl))
}

func TestPGScanner(t *testing.T) {
	pgtest.Require(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := pgtest.Connect(ctx, t)
	pgtest.Exec(ctx, t, conn, `
		DROP TABLE IF EXISTS snapshot_scan;
		CREATE TABLE snapshot_scan (id integer PRIMARY KEY, grid integer[][]);
		INSERT INTO snapshot_scan SELECT g, '{{1,NULL},{3,4}}' FROM generate_series(1, 5) g`)

	// hold an exported snapshot open, then change the table behind it
	exporter := pgtest.Connect(ctx, t)
	pgtest.Exec(ctx, t, exporter, "BEGIN ISOLATION LEVEL REPEATABLE READ")
	var name string
	require.NoError(t, exporter.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&name))
	pgtest.Exec(ctx, t, conn, "INSERT INTO snapshot_scan VALUES (6, NULL)")

	pool, err := pgxpool.New(ctx, pgtest.ConnString())
	require.NoError(t, err)
	defer pool.Close()

	catalog := schema.NewCatalog(pool)
	tbl, err := catalog.Describe(ctx, cdc.TableID{Schema: "public", Name: "snapshot_scan"})
	require.NoError(t, err)

	var got []cdc.Row
	pages := 0
	err = NewPGScanner(pool, typemap.New()).Scan(ctx, NewHandle(name, 1, nil), tbl, 2, func(rows []cdc.Row) error {
		pages++
		got = append(got, rows...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	require.Len(t, got, 5)
	assert.Equal(t, cdc.Array{cdc.Array{int32(1), nil}, cdc.Array{int32(3), int32(4)}}, got[0][1])
}
