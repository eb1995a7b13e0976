// Package admin serves the relay's operational gRPC endpoint: the standard
// grpc.health.v1 service plus server reflection for tooling such as grpcurl.
package admin

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cory-johannsen/chatrelay/internal/config"
)

// RelayService is the health service name reported for the chat relay.
// The empty service name reports overall server health and tracks it.
const RelayService = "chatrelay.Relay"

// Server is the admin gRPC server.
type Server struct {
	cfg    config.AdminConfig
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an admin server. Both the relay service and the overall
// server start out NOT_SERVING until SetServing(true) is called.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.AdminConfig, logger *zap.Logger) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		grpc:   gs,
		health: hs,
	}
	s.SetServing(false)
	return s
}

// ListenAndServe listens on the configured address and serves until Stop.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop is called.
//
// Postcondition: lis is closed when this method returns.
func (s *Server) Serve(lis net.Listener) error {
	start := time.Now()
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("admin server listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	s.logger.Info("admin server stopped", zap.Duration("uptime", time.Since(start)))
	return nil
}

// SetServing flips the health status of the relay service and the server.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(RelayService, status)
	s.logger.Info("health status changed", zap.String("status", status.String()))
}

// Stop marks every service NOT_SERVING, ends open health watches, and stops
// the gRPC server after in-flight RPCs complete.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the listener address, or "" if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
