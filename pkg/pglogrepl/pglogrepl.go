// Package pglogrepl reads changes from PostgreSQL logical replication (pgoutput,
// protocol version 1) and manages the publication and replication slot they flow
// through. It uses github.com/jackc/pglogrepl for the wire protocol.
package pglogrepl

import (
	"cmp"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultStandbyUpdateInterval = 10 * time.Second
	defaultPublication           = "pgmirror_pub"
	defaultSlot                  = "pgmirror_slot"
	plugin                       = "pgoutput"
)

var (
	// ErrProtocol is returned for malformed or out-of-order replication messages.
	// The session cannot continue from such a stream.
	ErrProtocol = errors.New("replication protocol violation")
	// ErrSlotLost is returned when the replication slot no longer exists on the source.
	ErrSlotLost = errors.New("replication slot lost")
)

// ProtocolError describes a protocol violation. It matches ErrProtocol.
type ProtocolError struct {
	LSN    cdc.LSN
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("replication protocol violation at %s: %s", e.LSN, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Op represents a type of database operation to be replicated.
type Op string

const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpDelete   Op = "delete"
	OpTruncate Op = "truncate"
)

// Config holds replication configuration.
type Config struct {
	// ConnString is a regular connection string. The replication connection adds
	// replication=database to it.
	ConnString  string `mapstructure:"connString"`
	Publication string `mapstructure:"publication"`
	Slot        string `mapstructure:"slot"`
	// Tables to replicate. Example:
	// ["table_wo_schema", "specific_schema.example_table", "another_schema.*"]
	// ["*"] for all tables of the public schema
	Tables                []string      `mapstructure:"tables"`
	Ops                   []Op          `mapstructure:"ops"`
	PartitionRoot         bool          `mapstructure:"partitionRoot"`
	StandbyUpdateInterval time.Duration `mapstructure:"standbyUpdateInterval"`
}

func DefaultConfig() Config {
	return Config{
		Publication:           defaultPublication,
		Slot:                  defaultSlot,
		Tables:                []string{"*"},
		StandbyUpdateInterval: defaultStandbyUpdateInterval,
		Ops:                   []Op{OpInsert, OpUpdate, OpDelete, OpTruncate},
	}
}

func validateConfig(cfg Config) error {
	for _, op := range cfg.Ops {
		switch op {
		case OpInsert, OpUpdate, OpDelete, OpTruncate:
		default:
			return fmt.Errorf("invalid operation: %s", op)
		}
	}
	if cfg.StandbyUpdateInterval < time.Second {
		return fmt.Errorf("standby update interval must be at least 1 second")
	}
	if !isIdentifier(cfg.Publication) || !isIdentifier(cfg.Slot) {
		return fmt.Errorf("publication %q and slot %q must be lower case identifiers", cfg.Publication, cfg.Slot)
	}
	if _, err := parsePublicationTables(cfg.Tables); err != nil {
		return err
	}
	return nil
}

func mergeWithDefaults(cfg Config) Config {
	def := DefaultConfig()
	if len(cfg.Ops) == 0 {
		cfg.Ops = def.Ops
	}
	if len(cfg.Tables) == 0 {
		cfg.Tables = def.Tables
	}
	cfg.Publication = cmp.Or(cfg.Publication, def.Publication)
	cfg.Slot = cmp.Or(cfg.Slot, def.Slot)
	cfg.StandbyUpdateInterval = cmp.Or(cfg.StandbyUpdateInterval, def.StandbyUpdateInterval)
	return cfg
}

// isIdentifier accepts names usable unquoted for slots and publications.
func isIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

const (
	codeDuplicateObject = "42710"
	codeUndefinedObject = "42704"
	codeObjectInUse     = "55006"
)
