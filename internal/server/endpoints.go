package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService serves the standard gRPC health protocol so orchestrators can
// check a host without speaking the game protocol.
type HealthService struct {
	addr   string
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewHealthService creates a HealthService listening on addr. The overall
// status starts as SERVING.
//
// Precondition: logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthService{
		addr:   addr,
		logger: logger,
		grpc:   srv,
		health: hs,
		ready:  make(chan struct{}),
	}
}

// SetServing flips the overall status reported to health checks.
func (h *HealthService) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
}

// Addr blocks until the service is listening and returns the bound address.
func (h *HealthService) Addr() string {
	<-h.ready
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener.Addr().String()
}

// Start listens and serves until Stop.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()
	close(h.ready)

	h.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := h.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop reports NOT_SERVING and stops the gRPC server gracefully.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

// HTTPService serves an http.Handler, e.g. the Prometheus exposition endpoint.
type HTTPService struct {
	name   string
	logger *zap.Logger
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewHTTPService creates an HTTPService for handler on addr.
//
// Precondition: handler and logger must be non-nil.
func NewHTTPService(name, addr string, handler http.Handler, logger *zap.Logger) *HTTPService {
	return &HTTPService{
		name:   name,
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		ready:  make(chan struct{}),
	}
}

// Addr blocks until the service is listening and returns the bound address.
func (s *HTTPService) Addr() string {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr().String()
}

// Start listens and serves until Stop.
func (s *HTTPService) Start() error {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("http endpoint listening",
		zap.String("endpoint", s.name),
		zap.String("addr", lis.Addr().String()),
	)
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s: %w", s.name, err)
	}
	return nil
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http endpoint shutdown", zap.String("endpoint", s.name), zap.Error(err))
	}
}
