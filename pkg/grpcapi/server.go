// Package grpcapi serves the standard gRPC health service for vrhostd so
// orchestrators can check the daemon without the HTTP API.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultInterval is the period between check rounds when none is set.
const DefaultInterval = 5 * time.Second

// Check reports the health of one component. A non-nil error marks the
// component's service NOT_SERVING.
type Check func() error

// Config configures the health server.
type Config struct {
	Addr     string
	Interval time.Duration
	// Checks maps service names to their checks. The overall service ("")
	// is SERVING while every check passes.
	Checks map[string]Check
}

// Server publishes component health through grpc.health.v1.Health.
type Server struct {
	addr     string
	interval time.Duration
	names    []string
	checks   map[string]Check
	failing  map[string]bool
	health   *health.Server
}

// NewServer creates a health server. Every service starts NOT_SERVING
// until the first check round.
func NewServer(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Server{
		addr:     cfg.Addr,
		interval: cfg.Interval,
		checks:   cfg.Checks,
		failing:  make(map[string]bool),
		health:   health.NewServer(),
	}
	for name := range cfg.Checks {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, name := range s.names {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Health returns the health service implementation.
func (s *Server) Health() healthpb.HealthServer {
	return s.health
}

// Update runs every check once and publishes the results. It must not be
// called concurrently.
func (s *Server) Update() {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range s.names {
		status := healthpb.HealthCheckResponse_SERVING
		err := s.checks[name]()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = status
		}
		switch {
		case err != nil && !s.failing[name]:
			slog.Warn("health check failing", "service", name, "err", err)
		case err == nil && s.failing[name]:
			slog.Info("health check recovered", "service", name)
		}
		s.failing[name] = err != nil
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, re-running the checks every
// interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, s.health)
	s.Update()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.Update()
		case <-ctx.Done():
			s.stop(srv)
			return nil
		}
	}
}

// stop reports NOT_SERVING to watchers, then stops the server. Open Watch
// streams never finish on their own, so a graceful stop is bounded.
func (s *Server) stop(srv *grpc.Server) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		srv.Stop()
	}
}

// Query asks the health service at addr for the status of service.
func Query(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}
