// Package health serves the standard gRPC health service for the binaries
package health

import (
	"errors"
	"net"

	"github.com/hugolhafner/go-sonar/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server reports NOT_SERVING until SetServing(true) is called
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	lis     net.Listener
	service string
	logger  logger.Logger
}

func Listen(addr, service string, l logger.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		grpc:    grpc.NewServer(),
		health:  health.NewServer(),
		lis:     lis,
		service: service,
		logger:  l.With("component", "health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve blocks until Stop is called
func (s *Server) Serve() error {
	s.logger.Info("Health server listening", "addr", s.lis.Addr().String())
	if err := s.grpc.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
	s.logger.Debug("Health status changed", "status", status.String())
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
