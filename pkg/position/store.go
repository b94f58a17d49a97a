package position

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	_ "modernc.org/sqlite"
)

// ErrCorrupt is returned when persisted state cannot be decoded or fails its checks.
var ErrCorrupt = errors.New("persisted replication state is corrupt")

// State is everything that survives a restart.
type State struct {
	Confirmed cdc.LSN
	Tables    []tablesync.Entry
}

// Store persists replication state in a SQLite database.
type Store struct {
	db   *sql.DB
	slot string
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS replication_position (
	slot          TEXT PRIMARY KEY,
	confirmed_lsn TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS replicated_tables (
	slot        TEXT NOT NULL,
	schema_name TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	start_lsn   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generation  INTEGER NOT NULL,
	descriptor  TEXT NOT NULL,
	config      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (slot, schema_name, table_name)
);`

// Open opens (creating if needed) the state database at path. State is scoped to
// the replication slot name so one file can serve several sources.
func Open(ctx context.Context, path, slot string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	return &Store{db: db, slot: slot}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition records the confirmed position.
func (s *Store) SavePosition(ctx context.Context, lsn cdc.LSN) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replication_position (slot, confirmed_lsn, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET confirmed_lsn = excluded.confirmed_lsn, updated_at = excluded.updated_at`,
		s.slot, lsn.String(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// SaveTable upserts one table entry. An entry of an older generation than the
// stored one is ignored.
func (s *Store) SaveTable(ctx context.Context, e tablesync.Entry) error {
	desc, err := json.Marshal(e.Table)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("encode table config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replicated_tables
			(slot, schema_name, table_name, state, reason, start_lsn, fingerprint, generation, descriptor, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slot, schema_name, table_name) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			start_lsn = excluded.start_lsn,
			fingerprint = excluded.fingerprint,
			generation = excluded.generation,
			descriptor = excluded.descriptor,
			config = excluded.config,
			updated_at = excluded.updated_at
		WHERE excluded.generation >= replicated_tables.generation`,
		s.slot, e.ID.Schema, e.ID.Name, e.State.String(), e.Reason, e.StartLSN.String(),
		strconv.FormatUint(e.Fingerprint, 16), int64(e.Generation), string(desc), string(cfg),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save table %s: %w", e.ID, err)
	}
	return nil
}

// Reset removes all state of the slot.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM replicated_tables WHERE slot = ?", s.slot); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM replication_position WHERE slot = ?", s.slot); err != nil {
		return err
	}
	return tx.Commit()
}

// Load reads the persisted state. A store without state returns a zero State.
func (s *Store) Load(ctx context.Context) (*State, error) {
	st := &State{}

	var confirmed string
	err := s.db.QueryRowContext(ctx,
		"SELECT confirmed_lsn FROM replication_position WHERE slot = ?", s.slot).Scan(&confirmed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load position: %w", err)
	default:
		if st.Confirmed, err = cdc.ParseLSN(confirmed); err != nil {
			return nil, fmt.Errorf("confirmed position %q: %w", confirmed, ErrCorrupt)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT schema_name, table_name, state, reason, start_lsn, fingerprint, generation, descriptor, config, updated_at
		FROM replicated_tables WHERE slot = ? ORDER BY schema_name, table_name`, s.slot)
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                                          tablesync.Entry
			state, startLSN, fingerprint, desc, config string
			updatedAt                                  string
			generation                                 int64
		)
		if err := rows.Scan(&e.ID.Schema, &e.ID.Name, &state, &e.Reason, &startLSN, &fingerprint,
			&generation, &desc, &config, &updatedAt); err != nil {
			return nil, fmt.Errorf("load tables: %w", err)
		}
		if err := decodeEntry(&e, state, startLSN, fingerprint, desc, config, updatedAt); err != nil {
			return nil, fmt.Errorf("table %s: %w: %w", e.ID, ErrCorrupt, err)
		}
		e.Generation = uint64(generation)
		st.Tables = append(st.Tables, e)
	}
	return st, rows.Err()
}

func decodeEntry(e *tablesync.Entry, state, startLSN, fingerprint, desc, config, updatedAt string) error {
	var err error
	if e.State, err = tablesync.ParseState(state); err != nil {
		return err
	}
	if e.StartLSN, err = cdc.ParseLSN(startLSN); err != nil {
		return err
	}
	if e.Fingerprint, err = strconv.ParseUint(fingerprint, 16, 64); err != nil {
		return err
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return err
	}
	e.Table = &schema.Table{}
	if err := json.Unmarshal([]byte(desc), e.Table); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(config), &e.Config); err != nil {
		return err
	}
	if got := schema.Fingerprint(e.Table); got != e.Fingerprint {
		return fmt.Errorf("fingerprint mismatch: stored %x, descriptor %x", e.Fingerprint, got)
	}
	return nil
}
