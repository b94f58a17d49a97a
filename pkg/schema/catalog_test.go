package schema

import (
	"context"
	"testing"

	"github.com/edgeflare/pgmirror/internal/testutil/pgtest"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogDescribe(t *testing.T) {
	pgtest.Require(t)
	ctx := context.Background()
	conn := pgtest.Connect(ctx, t)

	_, err := conn.Exec(ctx, `
		DROP TABLE IF EXISTS catalog_describe;
		CREATE TABLE catalog_describe (
			key integer NOT NULL,
			value numeric(10, 2),
			tags text[],
			grid integer[][],
			note text GENERATED ALWAYS AS ('n' || key::text) STORED,
			PRIMARY KEY (key)
		);
		INSERT INTO catalog_describe (key, grid) VALUES (1, '{{1,2},{3,4}}');
		CREATE UNIQUE INDEX catalog_describe_value ON catalog_describe (value);
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP TABLE IF EXISTS catalog_describe")
	})

	cat := NewCatalog(conn)
	id := cdc.TableID{Schema: "public", Name: "catalog_describe"}

	tbl, err := cat.Describe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"key", "value", "tags", "grid"}, tbl.ColumnNames())
	assert.Equal(t, ReplicaIdentityDefault, tbl.ReplicaIdentity)
	assert.Equal(t, []string{"key"}, tbl.PrimaryKey)
	assert.True(t, tbl.Columns[0].NotNull)
	assert.True(t, tbl.Columns[2].IsArray())
	assert.Equal(t, 2, tbl.Columns[3].Dims)

	_, err = conn.Exec(ctx, `
		ALTER TABLE catalog_describe ALTER COLUMN value SET NOT NULL;
		ALTER TABLE catalog_describe REPLICA IDENTITY USING INDEX catalog_describe_value;
	`)
	require.NoError(t, err)

	tbl, err = cat.Describe(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ReplicaIdentityIndex, tbl.ReplicaIdentity)
	assert.Equal(t, []string{"value"}, tbl.IdentityIndex)

	ids, err := cat.Discover(ctx, []string{"public"})
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	_, err = cat.Describe(ctx, cdc.TableID{Schema: "public", Name: "catalog_missing"})
	assert.ErrorIs(t, err, ErrTableNotFound)
}
