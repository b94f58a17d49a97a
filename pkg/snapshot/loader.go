// Package snapshot copies the initial contents of source tables into the
// destination from a snapshot that is consistent with a replication slot.
package snapshot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/metrics"
	"go.uber.org/zap"
)

const (
	defaultPageSize       = 10000
	defaultMaxElapsedTime = 5 * time.Minute
	defaultPageTimeout    = 5 * time.Minute
)

// Config tunes snapshot loads.
type Config struct {
	PageSize       int           `mapstructure:"pageSize"`
	MaxElapsedTime time.Duration `mapstructure:"maxElapsedTime"`
	// PageTimeout bounds each destination write.
	PageTimeout time.Duration `mapstructure:"pageTimeout"`
}

func (c Config) withDefaults() Config {
	c.PageSize = cmp.Or(c.PageSize, defaultPageSize)
	c.MaxElapsedTime = cmp.Or(c.MaxElapsedTime, defaultMaxElapsedTime)
	c.PageTimeout = cmp.Or(c.PageTimeout, defaultPageTimeout)
	return c
}

// Loader loads whole tables. A load either completes or is started over on an
// empty destination table.
type Loader struct {
	scanner Scanner
	dst     destination.Destination
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLoader(scanner Scanner, dst destination.Destination, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Loader {
	if logger == nil {
		logger = zap.L()
	}
	return &Loader{scanner: scanner, dst: dst, cfg: cfg.withDefaults(), logger: logger, metrics: m}
}

// Load copies the rows of t visible in the snapshot of h. pageSize overrides the
// configured page size when positive. It returns the number of rows loaded; on
// error the destination table may hold a partial copy and the table must not be
// streamed.
func (l *Loader) Load(ctx context.Context, h *Handle, t destination.Table, pageSize int) (int64, error) {
	pageSize = cmp.Or(max(pageSize, 0), l.cfg.PageSize)
	logger := l.logger.With(zap.Stringer("table", t.Source.ID), zap.String("snapshot", h.Name))

	var (
		loaded  int64
		attempt int
	)
	operation := func() error {
		attempt++
		loaded = 0
		start := time.Now()

		if err := l.dst.DropTable(ctx, t); err != nil {
			return fmt.Errorf("drop destination table: %w", err)
		}
		if err := l.dst.CreateTable(ctx, t); err != nil {
			return fmt.Errorf("create destination table: %w", err)
		}

		err := l.scanner.Scan(ctx, h, t.Source, pageSize, func(rows []cdc.Row) error {
			b := &destination.Batch{Table: t.Source.ID, Mutations: make([]destination.Mutation, len(rows))}
			for i, row := range rows {
				b.Mutations[i] = destination.Mutation{Op: destination.OpInsert, Row: row, Version: destination.SnapshotVersion}
			}
			pageCtx, cancel := context.WithTimeout(ctx, l.cfg.PageTimeout)
			defer cancel()
			if err := l.dst.ApplyBatch(pageCtx, t, b); err != nil {
				return fmt.Errorf("apply snapshot page: %w", err)
			}
			loaded += int64(len(rows))
			l.metrics.SnapshotRows(t.Source.ID, len(rows))
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrDecode) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			logger.Warn("snapshot attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}

		logger.Info("snapshot loaded", zap.Int64("rows", loaded),
			zap.Duration("duration", time.Since(start)), zap.Int("attempt", attempt))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = l.cfg.MaxElapsedTime
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return 0, fmt.Errorf("snapshot %s after %d attempts: %w", t.Source.ID, attempt, err)
	}
	return loaded, nil
}
