// Package duckdb keeps replicated tables in an embedded DuckDB database. Each row
// is stored once per identity key with its version and a deleted flag; older
// versions never overwrite newer ones.
package duckdb

import (
	"cmp"
	"context"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"go.uber.org/zap"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Config is the duckdb backend configuration.
type Config struct {
	// Path of the database file. Empty keeps the database in memory.
	Path    string `mapstructure:"path"`
	Threads int    `mapstructure:"threads"`
}

type Destination struct {
	db     *stdsql.DB
	logger *zap.Logger
}

func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Destination, error) {
	dsn := cfg.Path
	if cfg.Threads > 0 {
		dsn += fmt.Sprintf("?threads=%d", cfg.Threads)
	}
	db, err := stdsql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("opened DuckDB", zap.String("path", cmp.Or(cfg.Path, ":memory:")))
	return &Destination{db: db, logger: logger}, nil
}

func (d *Destination) CreateTable(ctx context.Context, t destination.Table) error {
	m, err := model(t)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	stmt, err := render(tplCreateTable, m)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (d *Destination) DropTable(ctx context.Context, t destination.Table) error {
	if _, err := d.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+identifier(t.Name)); err != nil {
		return fmt.Errorf("drop table %s: %w", t.Name, err)
	}
	return nil
}

// ApplyBatch applies the batch in one transaction. Deletes are stored as
// tombstones so that a replayed older insert cannot resurrect the row.
func (d *Destination) ApplyBatch(ctx context.Context, t destination.Table, b *destination.Batch) error {
	m, err := model(t)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	upsert, err := render(tplUpsert, m)
	if err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("prepare upsert into %s: %w", t.Name, err)
	}
	defer stmt.Close()

	idx := t.Source.Identity
	full := identity.Full(t.Source, idx)
	for i := range b.Mutations {
		mut := &b.Mutations[i]
		if mut.Op == destination.OpTruncate {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+m.Identifier); err != nil {
				return fmt.Errorf("truncate %s: %w", t.Name, err)
			}
			continue
		}

		args, err := upsertArgs(m, idx, full, mut)
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", t.Name, err)
		}
	}
	return tx.Commit()
}

func upsertArgs(m *tableModel, idx []int, full bool, mut *destination.Mutation) ([]any, error) {
	args := make([]any, len(m.Columns)+3)
	var (
		key identity.Key
		err error
	)

	switch mut.Op {
	case destination.OpInsert, destination.OpUpsert:
		if len(mut.Row) != len(m.Columns) {
			return nil, fmt.Errorf("row has %d values, table has %d columns", len(mut.Row), len(m.Columns))
		}
		if key, err = identity.Extract(mut.Row, idx, full); err != nil {
			return nil, err
		}
		for i, v := range mut.Row {
			if args[i+1], err = bind(m.Columns[i], v); err != nil {
				return nil, err
			}
		}
		args[len(args)-1] = false
	case destination.OpDelete:
		if key, err = identity.Encode(mut.Key, full); err != nil {
			return nil, err
		}
		for i, pos := range idx {
			if args[pos+1], err = bind(m.Columns[pos], mut.Key[i]); err != nil {
				return nil, err
			}
		}
		args[len(args)-1] = true
	default:
		return nil, fmt.Errorf("unexpected op %s", mut.Op)
	}

	args[0] = hex.EncodeToString([]byte(key))
	args[len(args)-2] = mut.Version
	return args, nil
}

func (d *Destination) Query(ctx context.Context, t destination.Table, p destination.Predicate) ([]cdc.Row, error) {
	if len(p.Columns) != len(p.Values) {
		return nil, fmt.Errorf("predicate has %d columns and %d values", len(p.Columns), len(p.Values))
	}
	m, err := model(t)
	if err != nil {
		return nil, err
	}
	query, err := render(tplSelect, m)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	for i, name := range p.Columns {
		pos := t.Source.ColumnIndex(name)
		if pos < 0 {
			return nil, fmt.Errorf("%s: unknown column %q", t.Name, name)
		}
		v, err := bind(m.Columns[pos], p.Values[i])
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("%s = %s", m.Columns[pos].Identifier, m.Columns[pos].Placeholder))
		args = append(args, v)
	}
	if len(where) > 0 {
		query += " AND " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + keyColumn

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []cdc.Row
	for rows.Next() {
		raw := make([]any, len(m.Columns))
		dest := make([]any, len(raw))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(cdc.Row, len(raw))
		for i, v := range raw {
			if row[i], err = scanned(m.Columns[i], v); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t.Name, t.Source.Columns[i].Name, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *Destination) Close() error {
	return d.db.Close()
}

func init() {
	destination.Register(destination.BackendDuckDB, func(ctx context.Context, config map[string]any, logger *zap.Logger) (destination.Destination, error) {
		var cfg Config
		if err := destination.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return Open(ctx, cfg, logger)
	})
}
