package pglogrepl

import (
	"context"
	"fmt"
	"slices"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/schema"
	"github.com/edgeflare/pgmirror/pkg/snapshot"
	"github.com/edgeflare/pgmirror/pkg/typemap"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Source is a PostgreSQL database replicated through one publication and one slot.
// Catalog reads and snapshot scans use a connection pool; the slot and the stream
// use dedicated replication connections.
type Source struct {
	cfg     Config
	pattern tablePattern
	pool    *pgxpool.Pool
	catalog *schema.Catalog
	mapper  *typemap.Mapper
	logger  *zap.Logger
}

// NewSource connects to the database described by cfg.ConnString.
func NewSource(ctx context.Context, cfg Config, logger *zap.Logger) (*Source, error) {
	if logger == nil {
		logger = zap.L()
	}
	cfg = mergeWithDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	pattern, err := parsePublicationTables(cfg.Tables)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect source: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect source: %w", err)
	}

	return &Source{
		cfg:     cfg,
		pattern: pattern,
		pool:    pool,
		catalog: schema.NewCatalog(pool),
		mapper:  typemap.New(),
		logger:  logger,
	}, nil
}

// Config returns the effective configuration.
func (s *Source) Config() Config { return s.cfg }

// Mapper returns the value mapper shared by the stream and snapshot scans.
func (s *Source) Mapper() *typemap.Mapper { return s.mapper }

// Pool returns the regular connection pool.
func (s *Source) Pool() *pgxpool.Pool { return s.pool }

// Discover lists the tables matched by the configured patterns.
func (s *Source) Discover(ctx context.Context) ([]cdc.TableID, error) {
	schemas := slices.Clone(s.pattern.schemas)
	if s.pattern.allTables {
		rows, err := s.pool.Query(ctx, `
			SELECT nspname FROM pg_namespace
			WHERE nspname NOT LIKE 'pg\_%' AND nspname <> 'information_schema'`)
		if err != nil {
			return nil, fmt.Errorf("list schemas: %w", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, err
			}
			schemas = append(schemas, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("list schemas: %w", err)
		}
	}

	var ids []cdc.TableID
	if len(schemas) > 0 {
		found, err := s.catalog.Discover(ctx, schemas)
		if err != nil {
			return nil, err
		}
		ids = append(ids, found...)
	}
	for _, id := range s.pattern.tables {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Describe reads the descriptor of a table from the catalog and makes its column
// types decodable.
func (s *Source) Describe(ctx context.Context, id cdc.TableID) (*schema.Table, error) {
	t, err := s.catalog.Describe(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mapper.RegisterTable(t)
	return t, nil
}

// RegisterTable makes the column types of a previously described table
// decodable.
func (s *Source) RegisterTable(t *schema.Table) { s.mapper.RegisterTable(t) }

// Matches reports whether id is selected by the configured patterns.
func (s *Source) Matches(id cdc.TableID) bool { return s.pattern.matches(id) }

// EnsurePublication creates or extends the publication to cover tables.
func (s *Source) EnsurePublication(ctx context.Context, tables []cdc.TableID) error {
	return EnsurePublication(ctx, s.pool, s.cfg, tables)
}

// AddTables adds tables to the publication.
func (s *Source) AddTables(ctx context.Context, tables []cdc.TableID) error {
	return AddTables(ctx, s.pool, s.cfg.Publication, tables)
}

// SlotPosition returns the confirmed flush position of the slot, or ErrSlotLost.
func (s *Source) SlotPosition(ctx context.Context) (cdc.LSN, error) {
	return SlotPosition(ctx, s.pool, s.cfg.Slot)
}

func (s *Source) replicationConn(ctx context.Context) (*pgconn.PgConn, error) {
	connConfig, err := pgconn.ParseConfig(s.cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	connConfig.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}
	return conn, nil
}

// CreateSlot creates the permanent slot. When the slot is new, the returned handle
// holds its exported snapshot open until released. An existing slot is reused and
// the handle is nil.
func (s *Source) CreateSlot(ctx context.Context) (*snapshot.Handle, error) {
	conn, err := s.replicationConn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := CreateSlot(ctx, conn, s.cfg.Slot, false)
	if err != nil || !info.Created {
		conn.Close(context.WithoutCancel(ctx))
		if err == nil {
			s.logger.Info("reusing replication slot", zap.String("slot", s.cfg.Slot))
		}
		return nil, err
	}

	s.logger.Info("replication slot created", zap.String("slot", info.Name),
		zap.Stringer("consistentPoint", info.ConsistentPoint), zap.String("snapshot", info.SnapshotName))
	return snapshot.NewHandle(info.SnapshotName, info.ConsistentPoint, conn.Close), nil
}

// TemporarySnapshot exports a snapshot through a temporary slot. The slot and its
// connection go away on Release.
func (s *Source) TemporarySnapshot(ctx context.Context) (*snapshot.Handle, error) {
	conn, err := s.replicationConn(ctx)
	if err != nil {
		return nil, err
	}
	info, err := CreateSlot(ctx, conn, temporarySlotName(s.cfg.Slot), true)
	if err == nil && !info.Created {
		err = fmt.Errorf("temporary slot %s already exists", info.Name)
	}
	if err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	s.logger.Debug("temporary snapshot exported", zap.String("slot", info.Name),
		zap.Stringer("consistentPoint", info.ConsistentPoint))
	return snapshot.NewHandle(info.SnapshotName, info.ConsistentPoint, conn.Close), nil
}

// Scanner returns a scanner reading tables through exported snapshots.
func (s *Source) Scanner() snapshot.Scanner {
	return snapshot.NewPGScanner(s.pool, s.mapper)
}

// Stream replicates from the position after confirmed (zero resumes at the slot's
// confirmed position) and sends decoded events until ctx is done or the connection
// fails. ack is polled for standby status updates.
func (s *Source) Stream(ctx context.Context, confirmed cdc.LSN, events chan<- cdc.Event, ack AckFunc) error {
	conn, err := s.replicationConn(ctx)
	if err != nil {
		return err
	}

	from := cdc.LSN(0)
	if confirmed > 0 {
		from = confirmed + 1
	}
	if err := startReplication(ctx, conn, s.cfg.Slot, s.cfg.Publication, from); err != nil {
		conn.Close(context.WithoutCancel(ctx))
		return err
	}
	s.logger.Info("replication started", zap.String("slot", s.cfg.Slot), zap.Stringer("from", from))

	stream := NewStream(conn, NewDecoder(s.mapper), from, s.cfg.StandbyUpdateInterval, ack, s.logger)
	defer stream.Close(ctx)
	return stream.Run(ctx, events)
}

// Teardown drops the slot and the publication.
func (s *Source) Teardown(ctx context.Context) error {
	conn, err := s.replicationConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if err := DropSlot(ctx, conn, s.cfg.Slot); err != nil {
		return err
	}
	if err := DropPublication(ctx, s.pool, s.cfg.Publication); err != nil {
		return err
	}
	s.logger.Info("replication slot and publication dropped",
		zap.String("slot", s.cfg.Slot), zap.String("publication", s.cfg.Publication))
	return nil
}

func (s *Source) Close() {
	s.pool.Close()
}
