// Package admin serves the gRPC health protocol on the admin port and keeps
// each dependency's serving status current by probing it periodically.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/observability"
)

const defaultHealthInterval = 10 * time.Second

// Check probes one dependency. A nil error means it is serving.
type Check func(ctx context.Context) error

// Server exposes grpc.health.v1.Health. The empty service name reports
// SERVING only while every registered check passes; each check is also
// reported under its own name.
type Server struct {
	cfg     config.AdminConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	checks   map[string]Check
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates an admin server. Until the first probe completes every
// service reports NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.AdminConfig, metrics *observability.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		checks:  make(map[string]Check),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register adds a named dependency check.
//
// Precondition: name must be non-empty and not already registered; must be
// called before ListenAndServe.
func (s *Server) Register(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Probe runs every check once and publishes the results.
//
// Postcondition: returns the joined errors of the failing checks.
func (s *Server) Probe(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]Check, len(s.checks))
	for name, check := range s.checks {
		names = append(names, name)
		checks[name] = check
	}
	s.mu.Unlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, s.interval())
		err := checks[name](cctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			s.logger.Warn("dependency unhealthy", zap.String("dependency", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
		s.metrics.DependencyHealth(name, err == nil)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if len(errs) > 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return errors.Join(errs...)
}

func (s *Server) interval() time.Duration {
	if s.cfg.HealthInterval <= 0 {
		return defaultHealthInterval
	}
	return s.cfg.HealthInterval
}

// monitor probes immediately and then every HealthInterval until ctx ends.
func (s *Server) monitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()
	for {
		_ = s.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ListenAndServe binds the admin address, starts the probe loop and serves
// until Stop.
//
// Postcondition: returns nil after Stop; any other return is a listen or
// serve failure.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.listener = lis
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(ctx)

	s.logger.Info("admin health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING, stops the probe loop and drains
// in-flight RPCs.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.grpc.GracefulStop()
	s.wg.Wait()
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
