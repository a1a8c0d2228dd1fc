package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server wraps the gRPC server and its Unix Domain Socket listener.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
}

// New creates a Control gRPC server bound to the given UDS path.
func New(socketPath string, backend Backend, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// Remove any stale socket file from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", socketPath, err)
	}

	// Restrict socket permissions to owner only.
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	gs := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(logCalls(logger.Named("control"))),
	)
	gs.RegisterService(&serviceDesc, NewHandler(backend))

	return &Server{
		grpcServer: gs,
		listener:   lis,
		socketPath: socketPath,
	}, nil
}

// logCalls logs every RPC with its outcome.
func logCalls(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Stringer("code", status.Code(err)),
		}
		if err != nil {
			log.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("rpc", fields...)
		}
		return resp, err
	}
}

// Serve starts accepting gRPC connections. It blocks until the server
// is stopped or an error occurs.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.socketPath }

// GracefulStop drains in-flight RPCs and removes the socket file.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}
