package server

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the name reported by the gRPC health server.
const HealthService = "duckpond"

// GRPCHealth serves the standard gRPC health protocol.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *slog.Logger
}

// ListenGRPCHealth binds addr and registers a health server that reports
// SERVING for both the empty service name and HealthService.
func ListenGRPCHealth(addr string, logger *slog.Logger) (*GRPCHealth, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: grpc health listen: %w", err)
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &GRPCHealth{server: srv, health: hs, lis: lis, logger: logger}, nil
}

// Addr returns the bound address.
func (g *GRPCHealth) Addr() net.Addr { return g.lis.Addr() }

// Serve blocks until Stop.
func (g *GRPCHealth) Serve() error {
	g.logger.Info("server: grpc health listening", "addr", g.lis.Addr().String())
	return g.server.Serve(g.lis)
}

// Stop marks the service NOT_SERVING and stops the server gracefully.
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
