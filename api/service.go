// Package api exposes coverage reads over gRPC. Messages are protobuf well-known types, a
// Struct carries requests and responses, so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "tilepyramid.v1.CoverageService"

const (
	getGridGeometryMethod = "/" + ServiceName + "/GetGridGeometry"
	readCoverageMethod    = "/" + ServiceName + "/ReadCoverage"
)

// CoverageServiceServer is the server API of the coverage service.
type CoverageServiceServer interface {
	// GetGridGeometry describes the native grid of the data.
	GetGridGeometry(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ReadCoverage renders the pixels of a requested envelope, see ParseReadRequest.
	ReadCoverage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterCoverageServiceServer(s grpc.ServiceRegistrar, srv CoverageServiceServer) {
	s.RegisterService(&CoverageService_ServiceDesc, srv)
}

func getGridGeometryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoverageServiceServer).GetGridGeometry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getGridGeometryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoverageServiceServer).GetGridGeometry(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func readCoverageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoverageServiceServer).ReadCoverage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: readCoverageMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoverageServiceServer).ReadCoverage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CoverageService_ServiceDesc is the grpc.ServiceDesc of the coverage service.
var CoverageService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoverageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetGridGeometry", Handler: getGridGeometryHandler},
		{MethodName: "ReadCoverage", Handler: readCoverageHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tilepyramid/v1/coverage.proto",
}

// CoverageServiceClient calls a coverage service.
type CoverageServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCoverageServiceClient(cc grpc.ClientConnInterface) *CoverageServiceClient {
	return &CoverageServiceClient{cc: cc}
}

func (c *CoverageServiceClient) GetGridGeometry(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getGridGeometryMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CoverageServiceClient) ReadCoverage(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, readCoverageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
