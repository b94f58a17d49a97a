package replicator

import (
	"context"
	"fmt"
	"net"

	"github.com/edgeflare/pgmirror/pkg/cdc"
	"github.com/edgeflare/pgmirror/pkg/tablesync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health serves the gRPC health protocol. The empty service name reports the
// session; TableService names report single tables, serving while streaming.
type Health struct {
	srv    *health.Server
	logger *zap.Logger
}

func NewHealth(logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.L()
	}
	h := &Health{srv: health.NewServer(), logger: logger}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// TableService returns the health service name of a table.
func TableService(id cdc.TableID) string {
	return "pgmirror.table." + id.String()
}

// SetServing sets the session status.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
}

// Observe tracks table transitions; it is a tablesync.Observer.
func (h *Health) Observe(e tablesync.Entry) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if e.State == tablesync.Streaming {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(TableService(e.ID), status)
}

// Check answers a health request without the network.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// ListenAndServe serves the health service on addr until ctx ends.
func (h *Health) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h.srv)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		s.GracefulStop()
	}()
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
