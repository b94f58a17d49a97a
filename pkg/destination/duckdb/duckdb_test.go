package duckdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func accountsTable() destination.Table {
	return destination.NewTable(&schema.Table{
		ID: cdc.TableID{Schema: "public", Name: "accounts"},
		Columns: []schema.Column{
			{Name: "id", TypeOID: pgtype.UUIDOID, TypeName: "uuid", TypeKind: 'b', NotNull: true},
			{Name: "balance", TypeOID: pgtype.NumericOID, TypeName: "numeric", TypeKind: 'b', TypeMod: (18<<16 | 4) + 4},
			{Name: "opened", TypeOID: pgtype.TimestamptzOID, TypeName: "timestamptz", TypeKind: 'b'},
			{Name: "limits", TypeOID: pgtype.Int4ArrayOID, TypeName: "_int4", TypeKind: 'b', ElemOID: pgtype.Int4OID, Dims: 2},
			{Name: "meta", TypeOID: pgtype.JSONBOID, TypeName: "jsonb", TypeKind: 'b'},
		},
		ReplicaIdentity: schema.ReplicaIdentityDefault,
		PrimaryKey:      []string{"id"},
		Identity:        []int{0},
	}, "")
}

func TestRenderUpsert(t *testing.T) {
	m, err := model(accountsTable())
	require.NoError(t, err)
	stmt, err := render(tplUpsert, m)
	require.NoError(t, err)
	assert.Contains(t, stmt, `INSERT INTO "accounts" (_key, "id", "balance", "opened", "limits", "meta", _version, _deleted)`)
	assert.Contains(t, stmt, `VALUES (?, CAST(CAST(? AS VARCHAR) AS UUID), CAST(CAST(? AS VARCHAR) AS DECIMAL(18, 4)), ?, CAST(CAST(? AS VARCHAR) AS JSON), CAST(CAST(? AS VARCHAR) AS JSON), ?, ?)`)
	assert.Contains(t, stmt, `WHERE excluded._version >= "accounts"._version;`)

	ddl, err := render(tplCreateTable, m)
	require.NoError(t, err)
	assert.Contains(t, ddl, `"balance" DECIMAL(18, 4),`)
	assert.Contains(t, ddl, `"opened" TIMESTAMPTZ,`)
}

func TestScannedArray(t *testing.T) {
	m, err := model(accountsTable())
	require.NoError(t, err)
	limits := m.Columns[3]

	v, err := scanned(limits, `[[1,null],[3,4]]`)
	require.NoError(t, err)
	assert.Equal(t, cdc.Array{cdc.Array{int32(1), nil}, cdc.Array{int32(3), int32(4)}}, v)

	v, err = scanned(m.Columns[1], "12.3400")
	require.NoError(t, err)
	assert.Equal(t, "12.34", v.(decimal.Decimal).String())
}

func TestDestination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping DuckDB test in short mode")
	}
	ctx := context.Background()
	d, err := Open(ctx, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	tbl := accountsTable()
	require.NoError(t, d.CreateTable(ctx, tbl))
	require.NoError(t, d.CreateTable(ctx, tbl))

	a, b := uuid.New(), uuid.New()
	opened := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	balance := decimal.RequireFromString("10.5")

	require.NoError(t, d.ApplyBatch(ctx, tbl, &destination.Batch{Mutations: []destination.Mutation{
		{Op: destination.OpInsert, Row: cdc.Row{a, balance, opened, cdc.Array{cdc.Array{int32(1), nil}}, json.RawMessage(`{"tier":1}`)}, Version: destination.SnapshotVersion},
		{Op: destination.OpInsert, Row: cdc.Row{b, nil, nil, nil, nil}, Version: destination.SnapshotVersion},
		{Op: destination.OpDelete, Key: cdc.Row{b}, Version: 50},
	}}))
	// stale replay of the insert of b stays deleted
	require.NoError(t, d.ApplyBatch(ctx, tbl, &destination.Batch{Mutations: []destination.Mutation{
		{Op: destination.OpInsert, Row: cdc.Row{b, nil, nil, nil, nil}, Version: 40},
	}}))

	rows, err := d.Query(ctx, tbl, destination.Predicate{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, a, rows[0][0])
	assert.True(t, balance.Equal(rows[0][1].(decimal.Decimal)))
	assert.Equal(t, opened, rows[0][2])
	assert.Equal(t, cdc.Array{cdc.Array{int32(1), nil}}, rows[0][3])

	rows, err = d.Query(ctx, tbl, destination.Predicate{Columns: []string{"id"}, Values: cdc.Row{b}})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, d.ApplyBatch(ctx, tbl, &destination.Batch{Mutations: []destination.Mutation{
		{Op: destination.OpTruncate, Version: 60},
	}}))
	rows, err = d.Query(ctx, tbl, destination.Predicate{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, d.DropTable(ctx, tbl))
}
