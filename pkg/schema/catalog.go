package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrTableNotFound is returned when a table is missing from the source catalog.
var ErrTableNotFound = errors.New("table not found")

// Conn is the subset of *pgx.Conn, *pgxpool.Pool and pgx.Tx used for catalog reads.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Catalog reads table descriptors from pg_catalog.
type Catalog struct {
	conn Conn
}

func NewCatalog(conn Conn) *Catalog {
	return &Catalog{conn: conn}
}

// Discover lists ordinary and partitioned tables of the given schemas.
func (c *Catalog) Discover(ctx context.Context, schemas []string) ([]cdc.TableID, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = ANY($1)
			AND c.relkind IN ('r', 'p')
			AND NOT c.relispartition
		ORDER BY n.nspname, c.relname`, schemas)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var ids []cdc.TableID
	for rows.Next() {
		var id cdc.TableID
		if err := rows.Scan(&id.Schema, &id.Name); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Describe loads the descriptor of one table. Identity is left unresolved.
func (c *Catalog) Describe(ctx context.Context, id cdc.TableID) (*Table, error) {
	t := &Table{ID: id}

	var replident string
	err := c.conn.QueryRow(ctx, `
		SELECT c.oid, c.relreplident::text
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind IN ('r', 'p')`,
		id.Schema, id.Name).Scan(&t.OID, &replident)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrTableNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", id, err)
	}
	if replident != "" {
		t.ReplicaIdentity = ReplicaIdentity(replident[0])
	}

	if t.Columns, err = c.columns(ctx, t.OID); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", id, err)
	}
	if t.PrimaryKey, err = c.indexColumns(ctx, t.OID, "indisprimary"); err != nil {
		return nil, fmt.Errorf("primary key of %s: %w", id, err)
	}
	if t.ReplicaIdentity == ReplicaIdentityIndex {
		if t.IdentityIndex, err = c.indexColumns(ctx, t.OID, "indisreplident"); err != nil {
			return nil, fmt.Errorf("replica identity index of %s: %w", id, err)
		}
	}

	for i := range t.Columns {
		col := &t.Columns[i]
		if !col.IsArray() || col.Dims > 0 {
			continue
		}
		if col.Dims, err = c.observedDims(ctx, id, col.Name); err != nil {
			return nil, fmt.Errorf("array dims of %s.%s: %w", id, col.Name, err)
		}
	}
	return t, nil
}

func (c *Catalog) columns(ctx context.Context, oid uint32) ([]Column, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT a.attname, a.atttypid, t.typname, COALESCE(et.typtype, t.typtype)::text,
			a.atttypmod, a.attnotnull, a.attndims,
			CASE WHEN t.typcategory = 'A' THEN t.typelem ELSE 0 END
		FROM pg_attribute a
		JOIN pg_type t ON t.oid = a.atttypid
		LEFT JOIN pg_type et ON et.oid = t.typelem AND t.typcategory = 'A'
		WHERE a.attrelid = $1 AND a.attnum > 0 AND NOT a.attisdropped AND a.attgenerated = ''
		ORDER BY a.attnum`, oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var kind string
		var dims int16
		if err := rows.Scan(&col.Name, &col.TypeOID, &col.TypeName, &kind,
			&col.TypeMod, &col.NotNull, &dims, &col.ElemOID); err != nil {
			return nil, err
		}
		if kind != "" {
			col.TypeKind = kind[0]
		}
		col.Dims = int(dims)
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *Catalog) indexColumns(ctx context.Context, oid uint32, flag string) ([]string, error) {
	if flag != "indisprimary" && flag != "indisreplident" {
		return nil, fmt.Errorf("invalid index flag %q", flag)
	}
	rows, err := c.conn.Query(ctx, fmt.Sprintf(`
		SELECT a.attname
		FROM pg_index i
		CROSS JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord)
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
		WHERE i.indrelid = $1 AND i.%s
		ORDER BY k.ord`, flag), oid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// observedDims samples a non-null value for array columns declared without dimensions.
func (c *Catalog) observedDims(ctx context.Context, id cdc.TableID, column string) (int, error) {
	col := pgx.Identifier{column}.Sanitize()
	var dims *int32
	err := c.conn.QueryRow(ctx, fmt.Sprintf(
		"SELECT array_ndims(%s) FROM %s WHERE %s IS NOT NULL LIMIT 1", col, id.Sanitize(), col)).Scan(&dims)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && dims == nil) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return int(*dims), nil
}
