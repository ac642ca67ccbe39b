// Package grpcapi exposes per-interface lease health over the standard gRPC
// health checking protocol. Each configured interface is a service named
// "dhcp6c.<interface>"; the empty service reports the daemon itself.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServicePrefix prefixes the health service name of every interface.
const ServicePrefix = "dhcp6c."

// Server serves gRPC health and reflection.
type Server struct {
	addr   string
	health *health.Server
}

// NewServer creates a server for addr. Every interface starts NOT_SERVING.
func NewServer(addr string, interfaces []string) *Server {
	s := &Server{addr: addr, health: health.NewServer()}
	for _, name := range interfaces {
		s.health.SetServingStatus(ServiceName(name), healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// ServiceName returns the health service name of an interface.
func ServiceName(iface string) string { return ServicePrefix + iface }

// SetBound reports whether the interface holds a lease.
func (s *Server) SetBound(iface string, bound bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if bound {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName(iface), st)
}

// Run listens on the configured address and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Watchers see NOT_SERVING before the connection goes away.
	s.health.Shutdown()
	srv.GracefulStop()
	return nil
}
