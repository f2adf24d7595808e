// Package statusapi serves the standard gRPC health protocol for the
// cabinet. Each subsystem is a named health service whose status is
// refreshed from a probe function.
package statusapi

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	ServiceCANBus     = "keycabinet.canbus"
	ServiceStore      = "keycabinet.store"
	ServiceEscalation = "keycabinet.escalation"

	DefaultProbeInterval = 10 * time.Second
	probeTimeout         = 2 * time.Second
)

// Check reports a subsystem as healthy by returning nil.
type Check func(ctx context.Context) error

type Dependencies struct {
	Logger   *zap.Logger
	Addr     string
	Checks   map[string]Check
	Interval time.Duration
}

type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
	addr       string
	checks     map[string]Check
	interval   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewServer(d Dependencies) *Server {
	if d.Interval <= 0 {
		d.Interval = DefaultProbeInterval
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	// Unknown until the first probe.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_UNKNOWN)
	for name := range d.Checks {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
	}

	return &Server{
		grpcServer: gs,
		health:     hs,
		logger:     d.Logger,
		addr:       d.Addr,
		checks:     d.Checks,
		interval:   d.Interval,
	}
}

// Start listens on the configured address and blocks serving.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve probes once, starts the probe loop and serves on lis until
// Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.Probe(ctx)
	go s.loop(ctx)

	s.logger.Info("status server listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Probe runs every check once and publishes the results. The overall ""
// service is SERVING only when every check passes.
func (s *Server) Probe(ctx context.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.checks[name](cctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Shutdown stops the probe loop and drains in-flight RPCs, forcing a stop
// when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}
