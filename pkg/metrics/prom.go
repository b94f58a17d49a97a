// Package metrics exposes replication metrics to Prometheus.
package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the collectors of one replication session. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsDecoded     *prometheus.CounterVec
	MutationsApplied  *prometheus.CounterVec
	BatchDuration     *prometheus.HistogramVec
	ApplyErrors       *prometheus.CounterVec
	TableStates       *prometheus.GaugeVec
	TablesSkipped     *prometheus.CounterVec
	SnapshotRowsTotal *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	ConfirmedLSN      prometheus.Gauge
	Reconnects        prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmirror_events_decoded_total",
			Help: "Total number of change events decoded by kind",
		}, []string{"kind"}),
		MutationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmirror_mutations_applied_total",
			Help: "Total number of mutations written to the destination by table and operation",
		}, []string{"table", "op"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgmirror_batch_apply_duration_seconds",
			Help:    "Duration of destination batch writes",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
		ApplyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmirror_apply_errors_total",
			Help: "Total number of failed destination batch writes by table",
		}, []string{"table"}),
		TableStates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgmirror_table_state",
			Help: "Replication state of each table (1 for the current state)",
		}, []string{"table", "state"}),
		TablesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmirror_tables_skipped_total",
			Help: "Total number of times a table was skipped from replication",
		}, []string{"table"}),
		SnapshotRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pgmirror_snapshot_rows_total",
			Help: "Total number of rows copied by snapshots",
		}, []string{"table"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgmirror_apply_queue_depth",
			Help: "Number of batches waiting to be applied by table",
		}, []string{"table"}),
		ConfirmedLSN: f.NewGauge(prometheus.GaugeOpts{
			Name: "pgmirror_confirmed_lsn",
			Help: "Confirmed replication position",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "pgmirror_stream_reconnects_total",
			Help: "Total number of replication stream restarts",
		}),
	}
}

func (m *Metrics) EventDecoded(kind cdc.Kind) {
	if m == nil {
		return
	}
	m.EventsDecoded.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) Applied(table cdc.TableID, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MutationsApplied.WithLabelValues(table.String(), op).Add(float64(n))
}

func (m *Metrics) ApplyDuration(table cdc.TableID, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(table.String()).Observe(d.Seconds())
}

func (m *Metrics) ApplyError(table cdc.TableID) {
	if m == nil {
		return
	}
	m.ApplyErrors.WithLabelValues(table.String()).Inc()
}

// TableState records a table transition. It is a tablesync.Observer.
func (m *Metrics) TableState(e tablesync.Entry) {
	if m == nil {
		return
	}
	for _, s := range []tablesync.State{tablesync.NotLoaded, tablesync.Snapshotting, tablesync.Streaming, tablesync.Skipped} {
		v := 0.0
		if s == e.State {
			v = 1
		}
		m.TableStates.WithLabelValues(e.ID.String(), s.String()).Set(v)
	}
	if e.State == tablesync.Skipped {
		m.TablesSkipped.WithLabelValues(e.ID.String()).Inc()
	}
}

func (m *Metrics) SnapshotRows(table cdc.TableID, n int) {
	if m == nil {
		return
	}
	m.SnapshotRowsTotal.WithLabelValues(table.String()).Add(float64(n))
}

func (m *Metrics) Queue(table cdc.TableID, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(table.String()).Set(float64(depth))
}

func (m *Metrics) Confirmed(lsn cdc.LSN) {
	if m == nil {
		return
	}
	m.ConfirmedLSN.Set(float64(lsn))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options.
// The server shuts down gracefully when ctx is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Gatherer = opts.Gatherer
		effectiveOpts.Logger = opts.Logger
	}
	if effectiveOpts.Gatherer == nil {
		effectiveOpts.Gatherer = prometheus.DefaultGatherer
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.L()
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, promhttp.HandlerFor(effectiveOpts.Gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
