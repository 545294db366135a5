package server

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health-checked service name
const ServiceName = "frameuploader.FrameUploader"

// HealthServer serves the standard gRPC health protocol for the uploader
type HealthServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	lis        net.Listener
}

// NewHealthServer binds the gRPC listener on port. Services start NOT_SERVING.
func NewHealthServer(port int) (*HealthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &HealthServer{
		grpcServer: grpcServer,
		health:     hs,
		lis:        lis,
	}, nil
}

// Addr returns the bound address
func (s *HealthServer) Addr() net.Addr {
	return s.lis.Addr()
}

// SetServing reports whether the watcher is monitoring
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving requests until Stop is called
func (s *HealthServer) Serve() error {
	slog.Info("server: gRPC health service listening", "addr", s.lis.Addr().String())
	if err := s.grpcServer.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
