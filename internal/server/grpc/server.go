package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
	Logger  *zap.Logger
}

// Server serves the chunkserver services plus the standard health service.
type Server struct {
	cfg    Config
	log    *zap.Logger
	srv    *grpc.Server
	health *health.Server

	mu  sync.Mutex
	lis net.Listener
}

// New builds the server from reg. The registry cannot change afterwards.
func New(cfg Config, reg *Registry) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		health: health.NewServer(),
	}
	s.srv = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	reg.apply(s.srv)
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start begins listening on the configured address. The server stops when
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.log.Warn("grpc server exited", zap.Error(err))
		}
	}()
	s.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr reports the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop shuts down the server.
func (s *Server) Stop() {
	s.SetServing(false)
	s.srv.GracefulStop()
}

// SetServing flips the health status reported for the whole server.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Debug("rpc failed",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", status.Code(err)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}
	return resp, err
}
