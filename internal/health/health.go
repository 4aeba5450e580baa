package health

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes the standard gRPC health service. The empty service name
// reports the process; every strategy is reported under its own name.
type Server struct {
	hs  *health.Server
	log zerolog.Logger
}

func New(log zerolog.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Server{hs: hs, log: log.With().Str("component", "health").Logger()}
}

// SetServing marks a strategy as serving (RUNNING) or not.
func (s *Server) SetServing(name string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus(name, status)
}

// Forget reports a removed strategy as unknown.
func (s *Server) Forget(name string) {
	s.hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Check answers a health query without going over the network.
func (s *Server) Check(ctx context.Context, name string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, s.hs)

	go func() {
		<-ctx.Done()
		s.hs.Shutdown()
		g.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	if err := g.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
