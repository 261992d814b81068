package findingpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serviceName is the fully qualified gRPC service name, matching the
// "package.Service" naming protoc-gen-go-grpc would derive from a
// finding.proto declaring `package findingpb; service FindingService`.
const serviceName = "findingpb.FindingService"

// FindingServiceClient is the client API for FindingService.
type FindingServiceClient interface {
	RegisterScanner(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	StreamFindings(ctx context.Context, opts ...grpc.CallOption) (FindingService_StreamFindingsClient, error)
}

type findingServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewFindingServiceClient returns a client for cc, forcing every call to use
// the "json" content-subtype registered in codec.go.
func NewFindingServiceClient(cc grpc.ClientConnInterface) FindingServiceClient {
	return &findingServiceClient{cc: cc}
}

func (c *findingServiceClient) RegisterScanner(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RegisterScanner", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *findingServiceClient) StreamFindings(ctx context.Context, opts ...grpc.CallOption) (FindingService_StreamFindingsClient, error) {
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	stream, err := c.cc.NewStream(ctx, &_FindingService_serviceDesc.Streams[0], "/"+serviceName+"/StreamFindings", opts...)
	if err != nil {
		return nil, err
	}
	return &findingServiceStreamFindingsClient{stream}, nil
}

// FindingService_StreamFindingsClient is the client-side streaming handle
// for StreamFindings: the scanner Sends Findings and Recvs ServerCommands.
type FindingService_StreamFindingsClient interface {
	Send(*Finding) error
	Recv() (*ServerCommand, error)
	grpc.ClientStream
}

type findingServiceStreamFindingsClient struct {
	grpc.ClientStream
}

func (x *findingServiceStreamFindingsClient) Send(f *Finding) error {
	return x.ClientStream.SendMsg(f)
}

func (x *findingServiceStreamFindingsClient) Recv() (*ServerCommand, error) {
	m := new(ServerCommand)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FindingServiceServer is the server API for FindingService.
type FindingServiceServer interface {
	RegisterScanner(context.Context, *RegisterRequest) (*RegisterResponse, error)
	StreamFindings(FindingService_StreamFindingsServer) error
}

// UnimplementedFindingServiceServer embeds into a concrete server to satisfy
// FindingServiceServer for methods it does not override, and to stay
// source-compatible if the interface grows a method.
type UnimplementedFindingServiceServer struct{}

func (UnimplementedFindingServiceServer) RegisterScanner(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterScanner not implemented")
}

func (UnimplementedFindingServiceServer) StreamFindings(FindingService_StreamFindingsServer) error {
	return status.Error(codes.Unimplemented, "method StreamFindings not implemented")
}

// FindingService_StreamFindingsServer is the server-side streaming handle.
type FindingService_StreamFindingsServer interface {
	Send(*ServerCommand) error
	Recv() (*Finding, error)
	grpc.ServerStream
}

type findingServiceStreamFindingsServer struct {
	grpc.ServerStream
}

func (x *findingServiceStreamFindingsServer) Send(cmd *ServerCommand) error {
	return x.ServerStream.SendMsg(cmd)
}

func (x *findingServiceStreamFindingsServer) Recv() (*Finding, error) {
	m := new(Finding)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func _FindingService_RegisterScanner_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FindingServiceServer).RegisterScanner(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/RegisterScanner",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FindingServiceServer).RegisterScanner(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FindingService_StreamFindings_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(FindingServiceServer).StreamFindings(&findingServiceStreamFindingsServer{stream})
}

// _FindingService_serviceDesc is the grpc.ServiceDesc a hand-wired
// RegisterFindingServiceServer uses, mirroring the shape protoc-gen-go-grpc
// would emit for a bidi-streaming RPC alongside a unary one.
var _FindingService_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FindingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterScanner",
			Handler:    _FindingService_RegisterScanner_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamFindings",
			Handler:       _FindingService_StreamFindings_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "finding.proto",
}

// RegisterFindingServiceServer registers srv with s so incoming RPCs for
// FindingService are dispatched to it.
func RegisterFindingServiceServer(s grpc.ServiceRegistrar, srv FindingServiceServer) {
	s.RegisterService(&_FindingService_serviceDesc, srv)
}
