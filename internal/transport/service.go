// ============================================================================
// reqexec Transport - gRPC node service
// ============================================================================
//
// Package: internal/transport
// File: service.go
//
// Service reqexec.v1.Node:
//
//   rpc Execute(google.protobuf.Struct) returns (google.protobuf.Struct)
//
// The descriptor is declared by hand; both messages are well-known types so
// no generated code is needed.
//
// ============================================================================

package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "reqexec.v1.Node"
	executeMethod = "/" + serviceName + "/Execute"
)

// NodeServer is the server side of the node service
type NodeServer interface {
	Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reqexec/v1/node.proto",
}

// RegisterNodeServer registers srv on s
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// invokeExecute is the client side of Execute
func invokeExecute(ctx context.Context, cc grpc.ClientConnInterface, in *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, executeMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
