// Package health exposes a gRPC health service for process supervisors.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the chat gateway.
const ServiceName = "viagen.chat"

// Probe reports whether the gateway can serve chat requests.
type Probe func(ctx context.Context) bool

// Server publishes the probe result through grpc.health.v1.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	probe    Probe
	interval time.Duration
	lis      net.Listener
}

// NewServer creates a health server. The probe is evaluated every interval.
func NewServer(probe Probe, interval time.Duration) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, probe: probe, interval: interval}
}

// Start listens on addr and serves until ctx is cancelled or Stop is called.
// It returns the bound address.
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", addr, err)
	}
	s.lis = lis
	s.update(ctx)

	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	go s.loop(ctx)

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return lis.Addr().String(), nil
}

func (s *Server) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.update(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) update(ctx context.Context) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.probe == nil || s.probe(ctx) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop marks every service NOT_SERVING and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
