package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/reqexec/pkg/types"
)

// Node answers requests on behalf of one cluster node.
type Node interface {
	Handle(ctx context.Context, w *types.RequestWrapper) (*types.Response, error)
}

// Server exposes a Node over gRPC.
type Server struct {
	node   Node
	grpc   *grpc.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a gRPC server for node
func NewServer(node Node, opts ...grpc.ServerOption) *Server {
	s := &Server{
		node:   node,
		grpc:   grpc.NewServer(opts...),
		logger: slog.Default().With("component", "transport"),
	}
	RegisterNodeServer(s.grpc, s)
	return s
}

// Execute implements NodeServer
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	w, err := DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := s.node.Handle(ctx, w)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return EncodeResponse(resp)
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("node serving", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the listening address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server and closes open connections
func (s *Server) Stop() {
	s.grpc.Stop()
}

// GracefulStop waits for pending RPCs before stopping
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}
