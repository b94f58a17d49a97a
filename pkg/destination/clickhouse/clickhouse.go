// Package clickhouse writes replicated tables into ClickHouse ReplacingMergeTree
// tables versioned by the WAL position of each change.
package clickhouse

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/edgeflare/pgmirror/pkg/util"
	"go.uber.org/zap"
)

// Config is the clickhouse backend configuration.
type Config struct {
	Addr        []string      `mapstructure:"addr"`
	Database    string        `mapstructure:"database"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
	TLS         bool          `mapstructure:"tls"`
	SkipVerify  bool          `mapstructure:"skipVerify"`
	// Settings are passed to every query, eg max_insert_block_size.
	Settings map[string]any `mapstructure:"settings"`
}

func (c *Config) options() *clickhouse.Options {
	if len(c.Addr) == 0 {
		c.Addr = util.GetEnvList("PGMIRROR_CLICKHOUSE_ADDR", "localhost:9000")
	}
	c.Database = cmp.Or(c.Database, util.GetEnvOrDefault("PGMIRROR_CLICKHOUSE_DATABASE", "default"))
	c.Username = cmp.Or(c.Username, util.GetEnvOrDefault("PGMIRROR_CLICKHOUSE_USERNAME", "default"))
	c.Password = cmp.Or(c.Password, util.GetEnvOrDefault("PGMIRROR_CLICKHOUSE_PASSWORD", ""))
	c.DialTimeout = cmp.Or(c.DialTimeout, 10*time.Second)

	opts := &clickhouse.Options{
		Addr: c.Addr,
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		DialTimeout: c.DialTimeout,
		Settings:    clickhouse.Settings(c.Settings),
	}
	if c.TLS {
		opts.TLS = &tls.Config{InsecureSkipVerify: c.SkipVerify}
	}
	return opts
}

// Destination writes to one ClickHouse database.
type Destination struct {
	conn     driver.Conn
	database string
	logger   *zap.Logger
}

// Open connects to ClickHouse and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Destination, error) {
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connected to ClickHouse", zap.Strings("addr", cfg.Addr), zap.String("database", cfg.Database))
	return &Destination{conn: conn, database: cfg.Database, logger: logger}, nil
}

func (d *Destination) CreateTable(ctx context.Context, t destination.Table) error {
	ddl, err := createTableSQL(d.database, t)
	if err != nil {
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	if err := d.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (d *Destination) DropTable(ctx context.Context, t destination.Table) error {
	if err := d.conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s.%s SYNC", quote(d.database), quote(t.Name))); err != nil {
		return fmt.Errorf("drop table %s: %w", t.Name, err)
	}
	return nil
}

// ApplyBatch inserts one block per run of row mutations. Deletes are inserted as
// key-only rows with _sign = -1; a truncate flushes the pending block and empties
// the table.
func (d *Destination) ApplyBatch(ctx context.Context, t destination.Table, b *destination.Batch) error {
	types, err := columnTypes(t)
	if err != nil {
		return err
	}

	var block driver.Batch
	flush := func() error {
		if block == nil {
			return nil
		}
		defer func() { block = nil }()
		if err := block.Send(); err != nil {
			return fmt.Errorf("insert into %s: %w", t.Name, err)
		}
		return nil
	}

	for i := range b.Mutations {
		m := &b.Mutations[i]
		if m.Op == destination.OpTruncate {
			if err := flush(); err != nil {
				return err
			}
			if err := d.conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s.%s", quote(d.database), quote(t.Name))); err != nil {
				return fmt.Errorf("truncate %s: %w", t.Name, err)
			}
			continue
		}

		if block == nil {
			if block, err = d.conn.PrepareBatch(ctx, insertSQL(d.database, t)); err != nil {
				return fmt.Errorf("prepare insert into %s: %w", t.Name, err)
			}
		}
		values, err := rowValues(t, types, m)
		if err != nil {
			_ = block.Abort()
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		if err := block.Append(values...); err != nil {
			_ = block.Abort()
			return fmt.Errorf("append to %s: %w", t.Name, err)
		}
	}
	return flush()
}

func columnTypes(t destination.Table) ([]typemap.Type, error) {
	types := make([]typemap.Type, len(t.Source.Columns))
	for i, col := range t.Source.Columns {
		ct, err := typemap.ColumnType(col)
		if err != nil {
			return nil, err
		}
		types[i] = ct
	}
	return types, nil
}

func rowValues(t destination.Table, types []typemap.Type, m *destination.Mutation) ([]any, error) {
	values := make([]any, len(types)+2)
	sign := int8(1)

	switch m.Op {
	case destination.OpInsert, destination.OpUpsert:
		if len(m.Row) != len(types) {
			return nil, fmt.Errorf("row has %d values, table has %d columns", len(m.Row), len(types))
		}
		for i, v := range m.Row {
			conv, err := toClickHouse(types[i], v)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", t.Source.Columns[i].Name, err)
			}
			values[i] = conv
		}
	case destination.OpDelete:
		if len(m.Key) != len(t.Source.Identity) {
			return nil, fmt.Errorf("key has %d values, identity has %d columns", len(m.Key), len(t.Source.Identity))
		}
		for i, ct := range types {
			values[i] = zeroValue(ct)
		}
		for i, idx := range t.Source.Identity {
			conv, err := toClickHouse(types[idx], m.Key[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", t.Source.Columns[idx].Name, err)
			}
			values[idx] = conv
		}
		sign = -1
	default:
		return nil, fmt.Errorf("unexpected op %s", m.Op)
	}

	values[len(types)] = sign
	values[len(types)+1] = m.Version
	return values, nil
}

// Query reads the merged live rows with FINAL.
func (d *Destination) Query(ctx context.Context, t destination.Table, p destination.Predicate) ([]cdc.Row, error) {
	if len(p.Columns) != len(p.Values) {
		return nil, fmt.Errorf("predicate has %d columns and %d values", len(p.Columns), len(p.Values))
	}
	types, err := columnTypes(t)
	if err != nil {
		return nil, err
	}

	cols := make([]string, len(t.Source.Columns))
	for i, col := range t.Source.Columns {
		cols[i] = quote(col.Name)
	}
	where := []string{signColumn + " > 0"}
	args := make([]any, 0, len(p.Values))
	for i, name := range p.Columns {
		idx := t.Source.ColumnIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%s: unknown column %q", t.Name, name)
		}
		v, err := toClickHouse(types[idx], p.Values[i])
		if err != nil {
			return nil, err
		}
		where = append(where, quote(name)+" = ?")
		args = append(args, v)
	}
	order := make([]string, len(t.Source.Identity))
	for i, idx := range t.Source.Identity {
		order[i] = cols[idx]
	}

	query := fmt.Sprintf("SELECT %s FROM %s.%s FINAL WHERE %s ORDER BY %s",
		strings.Join(cols, ", "), quote(d.database), quote(t.Name),
		strings.Join(where, " AND "), strings.Join(order, ", "))
	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	scanTypes := rows.ColumnTypes()
	var out []cdc.Row
	for rows.Next() {
		dest := make([]any, len(scanTypes))
		for i, st := range scanTypes {
			dest[i] = reflect.New(st.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		row := make(cdc.Row, len(dest))
		for i := range dest {
			row[i] = fromClickHouse(types[i], reflect.ValueOf(dest[i]))
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *Destination) Close() error {
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

func init() {
	destination.Register(destination.BackendClickHouse, func(ctx context.Context, config map[string]any, logger *zap.Logger) (destination.Destination, error) {
		var cfg Config
		if err := destination.DecodeConfig(config, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
		return Open(ctx, cfg, logger)
	})
}
