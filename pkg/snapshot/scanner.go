package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDecode is returned when a scanned value cannot be mapped. Retrying does not help.
var ErrDecode = errors.New("snapshot value cannot be decoded")

// Scanner reads the rows of a table as of an exported snapshot, one page at a time.
type Scanner interface {
	Scan(ctx context.Context, h *Handle, t *schema.Table, pageSize int, page func([]cdc.Row) error) error
}

// ValueDecoder maps one text-encoded column value. *typemap.Mapper implements it.
type ValueDecoder interface {
	Decode(oid uint32, data []byte) (cdc.Value, error)
}

// PGScanner scans source tables through a cursor opened in a transaction that
// imports the exported snapshot. Values are read in text format and decoded the
// same way as streamed tuples.
type PGScanner struct {
	pool   *pgxpool.Pool
	values ValueDecoder
}

func NewPGScanner(pool *pgxpool.Pool, values ValueDecoder) *PGScanner {
	return &PGScanner{pool: pool, values: values}
}

const cursorName = "pgmirror_snapshot"

// validSnapshotName accepts exported snapshot identifiers such as 00000003-0000001B-1.
func validSnapshotName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r == '-':
		default:
			return false
		}
	}
	return true
}

func selectSQL(t *schema.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = pgx.Identifier{c.Name}.Sanitize()
	}
	return fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR SELECT %s FROM %s",
		cursorName, strings.Join(cols, ", "), t.ID.Sanitize())
}

func (s *PGScanner) Scan(ctx context.Context, h *Handle, t *schema.Table, pageSize int, page func([]cdc.Row) error) error {
	if !validSnapshotName(h.Name) {
		return fmt.Errorf("invalid snapshot name %q", h.Name)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	pg := conn.Conn().PgConn()

	begin := fmt.Sprintf("BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY; SET TRANSACTION SNAPSHOT '%s'", h.Name)
	if _, err := pg.Exec(ctx, begin).ReadAll(); err != nil {
		return fmt.Errorf("import snapshot %s: %w", h.Name, err)
	}

	if err := s.fetch(ctx, pg, t, pageSize, page); err != nil {
		if _, rbErr := pg.Exec(context.WithoutCancel(ctx), "ROLLBACK").ReadAll(); rbErr != nil {
			// the pool discards closed connections
			_ = pg.Close(context.WithoutCancel(ctx))
		}
		return err
	}

	if _, err := pg.Exec(ctx, "COMMIT").ReadAll(); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func (s *PGScanner) fetch(ctx context.Context, pg *pgconn.PgConn, t *schema.Table, pageSize int, page func([]cdc.Row) error) error {
	if _, err := pg.Exec(ctx, selectSQL(t)).ReadAll(); err != nil {
		return fmt.Errorf("declare cursor on %s: %w", t.ID, err)
	}

	fetch := fmt.Sprintf("FETCH %d FROM %s", pageSize, cursorName)
	for {
		results, err := pg.Exec(ctx, fetch).ReadAll()
		if err != nil {
			return fmt.Errorf("fetch %s: %w", t.ID, err)
		}
		if len(results) != 1 {
			return fmt.Errorf("fetch %s: %d results", t.ID, len(results))
		}
		res := results[0]
		if len(res.Rows) == 0 {
			return nil
		}

		rows := make([]cdc.Row, len(res.Rows))
		for i, raw := range res.Rows {
			if len(raw) != len(t.Columns) {
				return fmt.Errorf("fetch %s: row has %d values, table has %d columns", t.ID, len(raw), len(t.Columns))
			}
			row := make(cdc.Row, len(raw))
			for j, data := range raw {
				v, err := s.values.Decode(t.Columns[j].TypeOID, data)
				if err != nil {
					return fmt.Errorf("%s.%s: %w: %w", t.ID, t.Columns[j].Name, ErrDecode, err)
				}
				row[j] = v
			}
			rows[i] = row
		}
		if err := page(rows); err != nil {
			return err
		}
		if len(res.Rows) < pageSize {
			return nil
		}
	}
}
