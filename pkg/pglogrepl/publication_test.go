package pglogrepl

import (
	"testing"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePublicationTables(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		want     tablePattern
		wantErr  bool
	}{
		{name: "all", patterns: []string{"orders", "*"}, want: tablePattern{allTables: true}},
		{name: "all qualified", patterns: []string{"*.*"}, want: tablePattern{allTables: true}},
		{
			name:     "schemas and tables",
			patterns: []string{"sales.*", "orders", "inventory.items", "sales.*"},
			want: tablePattern{
				schemas: []string{"sales"},
				tables:  []cdc.TableID{{Schema: "public", Name: "orders"}, {Schema: "inventory", Name: "items"}},
			},
		},
		{
			name:     "identifier folding",
			patterns: []string{`Sales."Order Items"`},
			want:     tablePattern{tables: []cdc.TableID{{Schema: "sales", Name: "Order Items"}}},
		},
		{name: "injection", patterns: []string{"orders; DROP TABLE users"}, wantErr: true},
		{name: "catalog qualified", patterns: []string{"db.public.orders"}, wantErr: true},
		{name: "alias", patterns: []string{"orders o"}, wantErr: true},
		{name: "empty", patterns: []string{""}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePublicationTables(tt.patterns)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTablePatternMatches(t *testing.T) {
	tp, err := parsePublicationTables([]string{"sales.*", "orders"})
	require.NoError(t, err)

	assert.True(t, tp.matches(cdc.TableID{Schema: "sales", Name: "anything"}))
	assert.True(t, tp.matches(cdc.TableID{Schema: "public", Name: "orders"}))
	assert.False(t, tp.matches(cdc.TableID{Schema: "public", Name: "users"}))
}

func TestCreatePublicationSQL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ops = []Op{OpInsert, OpUpdate}

	tables := []cdc.TableID{{Schema: "public", Name: "orders"}, {Schema: "sales", Name: "Order Items"}}

	tp, err := parsePublicationTables([]string{"orders", `sales."Order Items"`})
	require.NoError(t, err)
	sql, err := createPublicationSQL(cfg, tp, tables)
	require.NoError(t, err)
	assert.Equal(t, `CREATE PUBLICATION "pgmirror_pub" FOR TABLE "public"."orders", "sales"."Order Items" WITH (publish = 'insert, update')`, sql)

	tp, err = parsePublicationTables([]string{"sales.*", "orders"})
	require.NoError(t, err)
	sql, err = createPublicationSQL(cfg, tp, tables)
	require.NoError(t, err)
	assert.Equal(t, `CREATE PUBLICATION "pgmirror_pub" FOR TABLES IN SCHEMA "sales", TABLE "public"."orders" WITH (publish = 'insert, update')`, sql)

	cfg.Ops = nil
	cfg.PartitionRoot = true
	sql, err = createPublicationSQL(cfg, tablePattern{allTables: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, `CREATE PUBLICATION "pgmirror_pub" FOR ALL TABLES WITH (publish_via_partition_root = true)`, sql)

	_, err = createPublicationSQL(cfg, tablePattern{}, nil)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	cfg := mergeWithDefaults(Config{ConnString: "postgres://localhost/db"})
	require.NoError(t, validateConfig(cfg))
	assert.Equal(t, defaultSlot, cfg.Slot)
	assert.Equal(t, []string{"*"}, cfg.Tables)

	bad := cfg
	bad.Slot = "Bad-Slot"
	assert.Error(t, validateConfig(bad))

	bad = cfg
	bad.Ops = []Op{"upsert"}
	assert.Error(t, validateConfig(bad))

	bad = cfg
	bad.StandbyUpdateInterval = 1
	assert.Error(t, validateConfig(bad))
}

func TestTemporarySlotName(t *testing.T) {
	a, b := temporarySlotName("pgmirror_slot"), temporarySlotName("pgmirror_slot")
	assert.NotEqual(t, a, b)
	assert.True(t, isIdentifier(a), a)
	long := temporarySlotName("abcdefghij_abcdefghij_abcdefghij_abcdefghij_abcdefghij")
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, isIdentifier(long), long)
}
