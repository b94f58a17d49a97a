// Package replicator runs a replication session: it establishes the publication
// and slot, loads tables from consistent snapshots, streams changes into the
// apply engine and persists the confirmed position.
package replicator

import (
	"cmp"
	"context"
	"errors"
	"time"

	"github.com/edgeflare/pgmirror/pkg/apply"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/identity"
	"github.com/edgeflare/pgmirror/pkg/pglogrepl"
	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/snapshot"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/edgeflare/pgmirror/pkg/typemap"
)

// Source is the replicated database. *pglogrepl.Source implements it.
type Source interface {
	// Discover lists the tables selected by the configured patterns.
	Discover(ctx context.Context) ([]cdc.TableID, error)
	Describe(ctx context.Context, id cdc.TableID) (*schema.Table, error)
	// RegisterTable prepares decoding for a descriptor restored from state.
	RegisterTable(t *schema.Table)
	Matches(id cdc.TableID) bool

	EnsurePublication(ctx context.Context, tables []cdc.TableID) error
	AddTables(ctx context.Context, tables []cdc.TableID) error

	// CreateSlot creates the replication slot. It returns nil when the slot
	// already exists; otherwise the snapshot exported at the slot's consistent
	// point.
	CreateSlot(ctx context.Context) (*snapshot.Handle, error)
	// TemporarySnapshot exports a snapshot from a temporary slot.
	TemporarySnapshot(ctx context.Context) (*snapshot.Handle, error)
	Scanner() snapshot.Scanner

	// Stream sends decoded events until ctx ends or the stream fails. ack returns
	// the position to confirm to the server.
	Stream(ctx context.Context, confirmed cdc.LSN, events chan<- cdc.Event, ack pglogrepl.AckFunc) error
}

const (
	defaultSnapshotConcurrency = 2
	defaultShutdownTimeout     = 30 * time.Second
	defaultEventBuffer         = 1024
)

// ReconnectConfig shapes the backoff between stream attempts.
type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
	// MaxElapsedTime gives up after that long without a working stream. Zero
	// retries forever.
	MaxElapsedTime time.Duration `mapstructure:"maxElapsedTime"`
}

// Config configures a Session.
type Config struct {
	Apply    apply.Config    `mapstructure:"apply"`
	Snapshot snapshot.Config `mapstructure:"snapshot"`
	// SnapshotConcurrency bounds the tables loaded at once.
	SnapshotConcurrency int             `mapstructure:"snapshotConcurrency"`
	ShutdownTimeout     time.Duration   `mapstructure:"shutdownTimeout"`
	EventBuffer         int             `mapstructure:"eventBuffer"`
	Reconnect           ReconnectConfig `mapstructure:"reconnect"`
	// Defaults applies to every table; Tables overrides it per "schema.table".
	Defaults tablesync.TableConfig     `mapstructure:"defaults"`
	Tables   map[string]map[string]any `mapstructure:"tables"`
}

func (c Config) withDefaults() Config {
	c.SnapshotConcurrency = cmp.Or(c.SnapshotConcurrency, defaultSnapshotConcurrency)
	c.ShutdownTimeout = cmp.Or(c.ShutdownTimeout, defaultShutdownTimeout)
	c.EventBuffer = cmp.Or(c.EventBuffer, defaultEventBuffer)
	d := tablesync.DefaultTableConfig()
	c.Defaults.SnapshotBatchSize = cmp.Or(c.Defaults.SnapshotBatchSize, d.SnapshotBatchSize)
	c.Defaults.MaxBatchRows = cmp.Or(c.Defaults.MaxBatchRows, d.MaxBatchRows)
	return c
}

// tableConfig resolves the settings of one table.
func (c Config) tableConfig(id cdc.TableID) (tablesync.TableConfig, error) {
	raw := c.Tables[id.String()]
	if raw == nil && id.Schema == "public" {
		raw = c.Tables[id.Name]
	}
	return tablesync.ResolveTableConfig(c.Defaults, raw)
}

// errorClass tells how the session reacts to an error.
type errorClass uint8

const (
	// transient errors restart the stream from the confirmed position after a
	// backoff.
	transient errorClass = iota
	// table errors skip one table.
	table
	// fatal errors end the session.
	fatal
)

func (c errorClass) String() string {
	switch c {
	case transient:
		return "transient"
	case table:
		return "table"
	}
	return "fatal"
}

func classify(err error) errorClass {
	var drift *schema.Drift
	switch {
	case errors.Is(err, pglogrepl.ErrProtocol),
		errors.Is(err, pglogrepl.ErrSlotLost),
		errors.Is(err, position.ErrCorrupt),
		errors.Is(err, context.Canceled):
		return fatal
	case errors.As(err, &drift),
		errors.Is(err, typemap.ErrUnsupportedType),
		errors.Is(err, typemap.ErrUnsupportedValue),
		errors.Is(err, identity.ErrNoIdentity),
		errors.Is(err, identity.ErrInvalidKey),
		errors.Is(err, snapshot.ErrDecode):
		return table
	}
	return transient
}
