package gateway

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/teiops/tei-manager/api/teiv1"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/wire"
)

// ServerConfig tunes the multiplexer's own gRPC server (§4.5 "the
// multiplexer's own server enforces max_parallel_streams per connection and
// a per-call deadline").
type ServerConfig struct {
	Addr                    string
	MaxParallelStreams      uint32
	GracefulShutdownTimeout time.Duration
}

// Server wraps a grpc.Server serving the Gateway, with the graceful
// shutdown sequence from §9: stop accepting new calls, wait up to a
// deadline for in-flight unary calls, then force-close anything left
// (which also cancels streaming calls).
type Server struct {
	grpcServer *grpc.Server
	cfg        ServerConfig
	logger     *logging.Logger
}

// NewServer builds a Server around gw, registering it under teiv1's
// hand-written ServiceDesc with the shared wire codec forced for every call.
func NewServer(gw *Gateway, codec wire.Codec, cfg ServerConfig, logger *logging.Logger) *Server {
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = 5 * time.Second
	}
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(wire.GRPCCodec(codec)),
	}
	if cfg.MaxParallelStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(cfg.MaxParallelStreams))
	}

	s := grpc.NewServer(opts...)
	teiv1.RegisterMultiplexerServer(s, gw)

	return &Server{grpcServer: s, cfg: cfg, logger: logger}
}

// Serve blocks accepting connections on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// ListenAndServe is a convenience wrapper that binds cfg.Addr before
// serving.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Shutdown stops accepting new calls and waits up to
// GracefulShutdownTimeout for in-flight unary calls to finish; anything
// still outstanding past the deadline is force-closed, which tears down
// streaming calls per §4.5.
func (s *Server) Shutdown(ctx context.Context) {
	deadline, cancel := context.WithTimeout(ctx, s.cfg.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gateway drained all in-flight calls")
	case <-deadline.Done():
		s.logger.Warn("gateway graceful shutdown deadline exceeded, forcing stop")
		s.grpcServer.Stop()
		<-done
	}
}
