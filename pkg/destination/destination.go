// Package destination defines how replicated changes are written to an analytical
// store, and holds the registry of available backends.
//
// Every row a destination stores carries the version of the change that produced it
// (the WAL position of the change; snapshot rows use SnapshotVersion). For each
// identity key a destination keeps the row with the greatest version, with equal
// versions replacing each other, so re-applying a batch is harmless.
package destination

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// SnapshotVersion is the version of rows copied by a snapshot. Streamed changes
// always carry a greater version.
const SnapshotVersion uint64 = 1

var (
	ErrUnknownBackend = errors.New("unknown destination backend")
	// ErrQueryUnsupported is returned by write-only destinations.
	ErrQueryUnsupported = errors.New("destination does not support queries")
)

// Op is the kind of a Mutation.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpUpsert
	OpDelete
	OpTruncate
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	case OpTruncate:
		return "truncate"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Mutation is one row-level change.
//
// Row holds all column values for Insert and Upsert. Key holds the identity values
// (aligned to Table.Identity) for Delete.
type Mutation struct {
	Op      Op
	Row     cdc.Row
	Key     cdc.Row
	Version uint64
}

// Batch is an ordered list of mutations for one table, built from fully received
// transactions. Commits lists the commit positions the batch covers.
type Batch struct {
	Table     cdc.TableID
	Mutations []Mutation
	Commits   []cdc.LSN
}

// CommitLSN returns the highest commit the batch covers.
func (b *Batch) CommitLSN() cdc.LSN {
	if len(b.Commits) == 0 {
		return 0
	}
	return b.Commits[len(b.Commits)-1]
}

// Len returns the number of mutations.
func (b *Batch) Len() int { return len(b.Mutations) }

// Merge appends the mutations and commits of o, which must follow b.
func (b *Batch) Merge(o *Batch) {
	b.Mutations = append(b.Mutations, o.Mutations...)
	b.Commits = append(b.Commits, o.Commits...)
}

// Predicate selects rows by equality on columns. An empty predicate selects all rows.
type Predicate struct {
	Columns []string
	Values  cdc.Row
}

// Table names the destination table of a source table.
type Table struct {
	Name   string
	Source *schema.Table
}

// NewTable resolves the destination table of src. Tables in the public schema keep
// their name; others are named schema_table. name overrides both.
func NewTable(src *schema.Table, name string) Table {
	if name == "" {
		name = DefaultName(src.ID)
	}
	return Table{Name: name, Source: src}
}

// DefaultName returns the destination name used without an override.
func DefaultName(id cdc.TableID) string {
	if id.Schema == "public" || id.Schema == "" {
		return id.Name
	}
	return id.Schema + "_" + id.Name
}

// A Destination stores replicated tables.
type Destination interface {
	// CreateTable creates the destination table if it does not exist.
	CreateTable(ctx context.Context, t Table) error

	// DropTable removes the destination table and its rows.
	DropTable(ctx context.Context, t Table) error

	// ApplyBatch writes all mutations of b, in order. It is all-or-nothing where
	// the backend allows; a failed batch may be retried as a whole.
	ApplyBatch(ctx context.Context, t Table, b *Batch) error

	// Query returns the live rows matching p, ordered by identity.
	Query(ctx context.Context, t Table, p Predicate) ([]cdc.Row, error)

	Close() error
}

// Factory builds a destination from its backend-specific configuration.
type Factory func(ctx context.Context, config map[string]any, logger *zap.Logger) (Destination, error)

// Predefined backends
const (
	BackendClickHouse = "clickhouse"
	BackendDuckDB     = "duckdb"
	BackendKafka      = "kafka"
	BackendMemory     = "memory"
)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds a backend factory. It is called from the init function of the
// backend packages.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

// Backends returns the names of the registered backends.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}

// Open builds the named backend.
func Open(ctx context.Context, name string, config map[string]any, logger *zap.Logger) (Destination, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q (registered: %v): %w", name, Backends(), ErrUnknownBackend)
	}
	if logger == nil {
		logger = zap.L()
	}
	return f(ctx, config, logger.Named(name))
}

// DecodeConfig decodes a backend configuration map into out, which must be a
// pointer to a struct with mapstructure tags.
func DecodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("destination config: %w", err)
	}
	return nil
}
