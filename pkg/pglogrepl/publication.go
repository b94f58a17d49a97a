package pglogrepl

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// Querier is the subset of *pgx.Conn and *pgxpool.Pool used for publication management.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tablePattern struct {
	allTables bool          // * or *.*
	schemas   []string      // schema.*
	tables    []cdc.TableID // specific tables
}

// parsePublicationTables validates table patterns. Names follow SQL rules: unquoted
// identifiers are folded to lower case and quoted ones are kept verbatim, so
// `Sales."Orders"` names the table Orders of schema sales.
func parsePublicationTables(patterns []string) (tablePattern, error) {
	var tp tablePattern

	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "*" || p == "*.*" {
			return tablePattern{allTables: true}, nil
		}

		if prefix, ok := strings.CutSuffix(p, ".*"); ok {
			id, err := parseQualifiedName(prefix + ".t")
			if err != nil {
				return tablePattern{}, fmt.Errorf("table pattern %q: %w", p, err)
			}
			if !slices.Contains(tp.schemas, id.Schema) {
				tp.schemas = append(tp.schemas, id.Schema)
			}
			continue
		}

		id, err := parseQualifiedName(p)
		if err != nil {
			return tablePattern{}, fmt.Errorf("table pattern %q: %w", p, err)
		}
		if !slices.Contains(tp.tables, id) {
			tp.tables = append(tp.tables, id)
		}
	}
	return tp, nil
}

// parseQualifiedName parses [schema.]table with the server's own grammar.
func parseQualifiedName(name string) (cdc.TableID, error) {
	if name == "" || strings.ContainsAny(name, ";\x00") {
		return cdc.TableID{}, fmt.Errorf("invalid table name")
	}
	result, err := pg_query.Parse("SELECT FROM " + name)
	if err != nil {
		return cdc.TableID{}, fmt.Errorf("invalid table name: %w", err)
	}
	if len(result.Stmts) != 1 {
		return cdc.TableID{}, fmt.Errorf("invalid table name")
	}
	sel := result.Stmts[0].Stmt.GetSelectStmt()
	if sel == nil || len(sel.FromClause) != 1 {
		return cdc.TableID{}, fmt.Errorf("invalid table name")
	}
	rv := sel.FromClause[0].GetRangeVar()
	if rv == nil || rv.Catalogname != "" || rv.Alias != nil {
		return cdc.TableID{}, fmt.Errorf("invalid table name")
	}
	id := cdc.TableID{Schema: rv.Schemaname, Name: rv.Relname}
	if id.Schema == "" {
		id.Schema = "public"
	}
	return id, nil
}

// matches reports whether the pattern covers id.
func (tp tablePattern) matches(id cdc.TableID) bool {
	return tp.allTables || slices.Contains(tp.schemas, id.Schema) || slices.Contains(tp.tables, id)
}

func publicationOptions(cfg Config) string {
	var params []string
	if len(cfg.Ops) > 0 {
		ops := make([]string, len(cfg.Ops))
		for i, o := range cfg.Ops {
			ops[i] = string(o)
		}
		params = append(params, fmt.Sprintf("publish = '%s'", strings.Join(ops, ", ")))
	}
	if cfg.PartitionRoot {
		params = append(params, "publish_via_partition_root = true")
	}
	if len(params) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(params, ", ") + ")"
}

func sanitizeTables(ids []cdc.TableID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Sanitize()
	}
	return strings.Join(names, ", ")
}

// createPublicationSQL renders the statement creating the publication. tables lists
// the tables to publish when the patterns do not name a whole schema or database.
func createPublicationSQL(cfg Config, tp tablePattern, tables []cdc.TableID) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE PUBLICATION %s", pgx.Identifier{cfg.Publication}.Sanitize())

	switch {
	case tp.allTables:
		b.WriteString(" FOR ALL TABLES")
	case len(tp.schemas) > 0:
		schemas := make([]string, len(tp.schemas))
		for i, s := range tp.schemas {
			schemas[i] = pgx.Identifier{s}.Sanitize()
		}
		fmt.Fprintf(&b, " FOR TABLES IN SCHEMA %s", strings.Join(schemas, ", "))
		var extra []cdc.TableID
		for _, id := range tables {
			if !slices.Contains(tp.schemas, id.Schema) {
				extra = append(extra, id)
			}
		}
		if len(extra) > 0 {
			fmt.Fprintf(&b, ", TABLE %s", sanitizeTables(extra))
		}
	case len(tables) > 0:
		fmt.Fprintf(&b, " FOR TABLE %s", sanitizeTables(tables))
	default:
		return "", fmt.Errorf("publication %s: no tables to publish", cfg.Publication)
	}

	b.WriteString(publicationOptions(cfg))
	return b.String(), nil
}

// EnsurePublication creates the publication if it does not exist. tables are the
// tables selected for replication; they are published individually unless a pattern
// covers their whole schema. An existing publication is extended with missing tables.
func EnsurePublication(ctx context.Context, conn Querier, cfg Config, tables []cdc.TableID) error {
	tp, err := parsePublicationTables(cfg.Tables)
	if err != nil {
		return err
	}

	var exists bool
	if err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", cfg.Publication).Scan(&exists); err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if exists {
		return AddTables(ctx, conn, cfg.Publication, tables)
	}

	stmt, err := createPublicationSQL(cfg, tp, tables)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		if sqlState(err) == codeDuplicateObject {
			return AddTables(ctx, conn, cfg.Publication, tables)
		}
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

// AddTables adds tables the publication does not publish yet.
func AddTables(ctx context.Context, conn Querier, publication string, tables []cdc.TableID) error {
	var allTables bool
	err := conn.QueryRow(ctx, "SELECT puballtables FROM pg_publication WHERE pubname = $1", publication).Scan(&allTables)
	if err != nil {
		return fmt.Errorf("read publication %s: %w", publication, err)
	}
	if allTables {
		return nil
	}

	var missing []cdc.TableID
	for _, id := range tables {
		var published bool
		if err := conn.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM pg_publication_tables
				WHERE pubname = $1 AND schemaname = $2 AND tablename = $3)`,
			publication, id.Schema, id.Name).Scan(&published); err != nil {
			return fmt.Errorf("check publication table %s: %w", id, err)
		}
		if !published {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	stmt := fmt.Sprintf("ALTER PUBLICATION %s ADD TABLE %s", pgx.Identifier{publication}.Sanitize(), sanitizeTables(missing))
	if _, err := conn.Exec(ctx, stmt); err != nil && sqlState(err) != codeDuplicateObject {
		return fmt.Errorf("add tables to publication: %w", err)
	}
	return nil
}

// DropPublication drops the publication if it exists.
func DropPublication(ctx context.Context, conn Querier, publication string) error {
	_, err := conn.Exec(ctx, "DROP PUBLICATION IF EXISTS "+pgx.Identifier{publication}.Sanitize())
	if err != nil {
		return fmt.Errorf("drop publication: %w", err)
	}
	return nil
}
