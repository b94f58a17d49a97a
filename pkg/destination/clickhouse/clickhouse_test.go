package clickhouse

import (
	"context"
	"encoding/json"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgvector/pgvector-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ordersTable() destination.Table {
	return destination.NewTable(&schema.Table{
		ID: cdc.TableID{Schema: "sales", Name: "orders"},
		Columns: []schema.Column{
			{Name: "id", TypeOID: pgtype.Int8OID, TypeName: "int8", TypeKind: 'b', NotNull: true},
			{Name: "amount", TypeOID: pgtype.NumericOID, TypeName: "numeric", TypeKind: 'b', TypeMod: (12<<16 | 2) + 4},
			{Name: "tags", TypeOID: pgtype.TextArrayOID, TypeName: "_text", TypeKind: 'b', ElemOID: pgtype.TextOID, Dims: 2},
			{Name: "doc", TypeOID: pgtype.JSONBOID, TypeName: "jsonb", TypeKind: 'b'},
		},
		ReplicaIdentity: schema.ReplicaIdentityDefault,
		PrimaryKey:      []string{"id"},
		Identity:        []int{0},
	}, "")
}

func TestColumnType(t *testing.T) {
	cases := []struct {
		in   typemap.Type
		want string
	}{
		{typemap.Type{Kind: typemap.KindInt64}, "Int64"},
		{typemap.Type{Kind: typemap.KindString, Nullable: true}, "Nullable(String)"},
		{typemap.Type{Kind: typemap.KindDecimal, Precision: 76, Scale: 38, Nullable: true}, "Nullable(Decimal(76, 38))"},
		{typemap.Type{Kind: typemap.KindDateTime}, "DateTime64(6, 'UTC')"},
		{typemap.Type{Kind: typemap.KindInt32, Nullable: true, ArrayDepth: 3}, "Array(Array(Array(Nullable(Int32))))"},
		{typemap.Type{Kind: typemap.KindVector, Nullable: true}, "Array(Float32)"},
	}
	for _, tc := range cases {
		got, err := columnType(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestCreateTableSQL(t *testing.T) {
	ddl, err := createTableSQL("analytics", ordersTable())
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS `analytics`.`sales_orders` (\n"+
		"\t`id` Int64,\n"+
		"\t`amount` Nullable(Decimal(12, 2)),\n"+
		"\t`tags` Array(Array(Nullable(String))),\n"+
		"\t`doc` Nullable(String),\n"+
		"\t_sign Int8 DEFAULT 1,\n"+
		"\t_version UInt64 DEFAULT 1\n"+
		") ENGINE = ReplacingMergeTree(_version)\n"+
		"ORDER BY (`id`)", ddl)

	full := ordersTable()
	full.Source.PrimaryKey = nil
	full.Source.ReplicaIdentity = schema.ReplicaIdentityFull
	full.Source.Identity = []int{0, 1, 2}
	ddl, err = createTableSQL("analytics", full)
	require.NoError(t, err)
	assert.Contains(t, ddl, "ORDER BY (`id`, `amount`, toString(`tags`))\nSETTINGS allow_nullable_key = 1")
}

func TestRowValues(t *testing.T) {
	tbl := ordersTable()
	types, err := columnTypes(tbl)
	require.NoError(t, err)

	amount := decimal.RequireFromString("12.50")
	values, err := rowValues(tbl, types, &destination.Mutation{
		Op:      destination.OpUpsert,
		Row:     cdc.Row{int64(7), amount, cdc.Array{cdc.Array{"a", nil}, cdc.Array{"b", "c"}}, json.RawMessage(`{"x":1}`)},
		Version: 900,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{
		int64(7), amount,
		[]any{[]any{"a", nil}, []any{"b", "c"}},
		`{"x":1}`,
		int8(1), uint64(900),
	}, values)

	values, err = rowValues(tbl, types, &destination.Mutation{Op: destination.OpDelete, Key: cdc.Row{int64(7)}, Version: 901})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), nil, []any{}, nil, int8(-1), uint64(901)}, values)

	_, err = rowValues(tbl, types, &destination.Mutation{Op: destination.OpUpsert, Row: cdc.Row{int64(1), cdc.Unchanged, nil, nil}})
	assert.Error(t, err)
}

func TestNullArraysAreWrittenEmpty(t *testing.T) {
	ints := typemap.Type{Kind: typemap.KindInt32, Nullable: true, ArrayDepth: 2}

	got, err := toClickHouse(ints, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, got)

	got, err = toClickHouse(ints, cdc.Array{nil, cdc.Array{int32(1), nil}})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{}, []any{int32(1), nil}}, got)
}

func TestFromClickHouse(t *testing.T) {
	s := "hello"
	ps := &s
	assert.Equal(t, "hello", fromClickHouse(typemap.Type{Kind: typemap.KindString, Nullable: true}, reflect.ValueOf(&ps)))

	var nilStr *string
	assert.Nil(t, fromClickHouse(typemap.Type{Kind: typemap.KindString, Nullable: true}, reflect.ValueOf(&nilStr)))

	one, two := int32(1), int32(2)
	nested := [][]*int32{{&one, nil}, {&two, nil}}
	assert.Equal(t, cdc.Array{cdc.Array{int32(1), nil}, cdc.Array{int32(2), nil}},
		fromClickHouse(typemap.Type{Kind: typemap.KindInt32, Nullable: true, ArrayDepth: 2}, reflect.ValueOf(&nested)))

	doc := `{"a":[1,2]}`
	assert.Equal(t, json.RawMessage(doc), fromClickHouse(typemap.Type{Kind: typemap.KindJSON}, reflect.ValueOf(&doc)))

	vec := []float32{1, 2}
	assert.Equal(t, pgvector.NewVector(vec), fromClickHouse(typemap.Type{Kind: typemap.KindVector}, reflect.ValueOf(&vec)))

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, ts.UTC(), fromClickHouse(typemap.Type{Kind: typemap.KindDateTime}, reflect.ValueOf(&ts)))
}

func TestZeroValue(t *testing.T) {
	assert.Equal(t, uuid.Nil, zeroValue(typemap.Type{Kind: typemap.KindUUID}))
	assert.Equal(t, decimal.Zero, zeroValue(typemap.Type{Kind: typemap.KindDecimal}))
	assert.Nil(t, zeroValue(typemap.Type{Kind: typemap.KindDecimal, Nullable: true}))
	assert.Equal(t, []any{}, zeroValue(typemap.Type{Kind: typemap.KindInt16, ArrayDepth: 1}))
}

// Runs against a live server when PGMIRROR_CLICKHOUSE_ADDR is set.
func TestDestination(t *testing.T) {
	if testing.Short() || os.Getenv("PGMIRROR_CLICKHOUSE_ADDR") == "" {
		t.Skip("skipping ClickHouse integration test")
	}
	ctx := context.Background()
	d, err := Open(ctx, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	tbl := ordersTable()
	tbl.Name = "pgmirror_test_orders"
	require.NoError(t, d.DropTable(ctx, tbl))
	require.NoError(t, d.CreateTable(ctx, tbl))
	defer d.DropTable(ctx, tbl)

	amount := decimal.RequireFromString("1.25")
	require.NoError(t, d.ApplyBatch(ctx, tbl, &destination.Batch{Mutations: []destination.Mutation{
		{Op: destination.OpInsert, Row: cdc.Row{int64(1), amount, cdc.Array{}, nil}, Version: destination.SnapshotVersion},
		{Op: destination.OpInsert, Row: cdc.Row{int64(2), nil, cdc.Array{cdc.Array{"x"}}, json.RawMessage(`{}`)}, Version: destination.SnapshotVersion},
		{Op: destination.OpUpsert, Row: cdc.Row{int64(1), amount, cdc.Array{}, json.RawMessage(`{"v":2}`)}, Version: 100},
		{Op: destination.OpDelete, Key: cdc.Row{int64(2)}, Version: 101},
	}}))

	rows, err := d.Query(ctx, tbl, destination.Predicate{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0])
	assert.Equal(t, json.RawMessage(`{"v":2}`), rows[0][3])
}
