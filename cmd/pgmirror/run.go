package pgmirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/pgmirror/pkg/destination"
	"github.com/edgeflare/pgmirror/pkg/httputil"
	"github.com/edgeflare/pgmirror/pkg/httputil/middleware"
	"github.com/edgeflare/pgmirror/pkg/metrics"
	"github.com/edgeflare/pgmirror/pkg/notify"
	"github.com/edgeflare/pgmirror/pkg/pglogrepl"
	"github.com/edgeflare/pgmirror/pkg/position"
	"github.com/edgeflare/pgmirror/pkg/replicator"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/edgeflare/pgmirror/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Register destination backends
	_ "github.com/edgeflare/pgmirror/pkg/destination/clickhouse"
	_ "github.com/edgeflare/pgmirror/pkg/destination/duckdb"
	_ "github.com/edgeflare/pgmirror/pkg/destination/kafka"
	_ "github.com/edgeflare/pgmirror/pkg/destination/memory"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replicate until interrupted",
	Long: `Creates the publication and replication slot if needed, loads every selected
table from a consistent snapshot and streams changes into the destination.`,
	RunE: runMirror,
}

func runMirror(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := zap.L()
	defer func() { _ = logger.Sync() }()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:   cfg.Metrics.Addr,
			Path:   cfg.Metrics.Path,
			Logger: logger.Named("metrics"),
		})
	}

	src, err := pglogrepl.NewSource(ctx, cfg.Source, logger.Named("source"))
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := destination.Open(ctx, cfg.Destination.Type, cfg.Destination.Options, logger.Named("destination"))
	if err != nil {
		return err
	}
	defer dst.Close()

	store, err := position.Open(ctx, cfg.State.Path, cfg.Source.Slot)
	if err != nil {
		return err
	}
	defer store.Close()

	var observers []tablesync.Observer
	var health *replicator.Health
	if cfg.Health.Addr != "" {
		health = replicator.NewHealth(logger.Named("health"))
		observers = append(observers, health.Observe)
	}
	if cfg.Notify.NATS != nil || cfg.Notify.MQTT != nil {
		n, err := notify.New(cfg.Notify, logger.Named("notify"))
		if err != nil {
			return err
		}
		go n.Run(ctx)
		defer func() {
			if err := n.Close(); err != nil {
				logger.Warn("close notifier", zap.Error(err))
			}
		}()
		observers = append(observers, n.Observe)
	}

	session := replicator.NewSession(cfg.Replication, src, dst, store, logger.Named("replicator"), m, observers...)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Addr != "" {
		router, err := adminRouter(gctx, session, logger.Named("admin"))
		if err != nil {
			return err
		}
		g.Go(func() error { return router.ListenAndServe(cfg.Admin.Addr) })
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Admin.ShutdownTimeout)
			defer scancel()
			return router.Shutdown(sctx)
		})
	}
	if health != nil {
		g.Go(func() error { return health.ListenAndServe(gctx, cfg.Health.Addr) })
		g.Go(func() error {
			select {
			case <-session.Ready():
				health.SetServing(true)
			case <-gctx.Done():
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return session.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("replication failed", zap.Error(err))
		return err
	}
	return nil
}

func adminRouter(ctx context.Context, session *replicator.Session, logger *zap.Logger) (*httputil.Router, error) {
	var oidc *middleware.OIDCProvider
	if cfg.Admin.OIDC != nil && cfg.Admin.OIDC.Issuer != "" {
		p, err := middleware.NewOIDCProvider(ctx, *cfg.Admin.OIDC)
		if err != nil {
			return nil, fmt.Errorf("admin OIDC: %w", err)
		}
		oidc = p
	}
	var basic *middleware.BasicAuthConfig
	if len(cfg.Admin.BasicAuth) > 0 {
		basic = middleware.BasicAuthCreds(cfg.Admin.BasicAuth)
	}
	if oidc == nil && basic == nil {
		logger.Warn("admin API has no authentication configured")
	}

	var opts []httputil.RouterOptions
	if cfg.Admin.TLS.Enabled {
		cert, err := util.LoadOrGenerateCert(cfg.Admin.TLS.CertFile, cfg.Admin.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("admin TLS: %w", err)
		}
		opts = append(opts, httputil.WithTLS(cert))
	}
	return replicator.NewAPI(session, middleware.Authenticate(oidc, basic), logger, opts...), nil
}
