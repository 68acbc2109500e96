package visualiser

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "depthpose.visualiser.v1.Visualiser"

const (
	getStatusMethod   = "/" + serviceName + "/GetStatus"
	streamStepsMethod = "/" + serviceName + "/StreamSteps"
)

// VisualiserServer is the server API for the Visualiser service.
//
// StreamSteps takes a request Struct with optional fields "run_id" (only
// frames of that run are sent) and "include_particles" (attach the full
// particle set to every frame).
type VisualiserServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamSteps(*structpb.Struct, Visualiser_StreamStepsServer) error
}

// UnimplementedVisualiserServer answers every call with codes.Unimplemented.
type UnimplementedVisualiserServer struct{}

func (UnimplementedVisualiserServer) GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}

func (UnimplementedVisualiserServer) StreamSteps(*structpb.Struct, Visualiser_StreamStepsServer) error {
	return status.Error(codes.Unimplemented, "method StreamSteps not implemented")
}

// Visualiser_StreamStepsServer is the server side of a StreamSteps call.
type Visualiser_StreamStepsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type visualiserStreamStepsServer struct {
	grpc.ServerStream
}

func (x *visualiserStreamStepsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func _Visualiser_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VisualiserServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getStatusMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VisualiserServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Visualiser_StreamSteps_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(VisualiserServer).StreamSteps(m, &visualiserStreamStepsServer{stream})
}

// Visualiser_ServiceDesc is the grpc.ServiceDesc for the Visualiser service.
var Visualiser_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*VisualiserServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    _Visualiser_GetStatus_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamSteps",
			Handler:       _Visualiser_StreamSteps_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "depthpose/visualiser/v1/visualiser.proto",
}

// RegisterVisualiserServer registers srv on s.
func RegisterVisualiserServer(s grpc.ServiceRegistrar, srv VisualiserServer) {
	s.RegisterService(&Visualiser_ServiceDesc, srv)
}

// Client is the client API for the Visualiser service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetStatus fetches the publisher's counters.
func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StepStream receives frames from a StreamSteps call.
type StepStream interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type stepStream struct {
	grpc.ClientStream
}

func (x *stepStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// StreamSteps opens a frame stream. req may be nil.
func (c *Client) StreamSteps(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (StepStream, error) {
	if req == nil {
		req = &structpb.Struct{}
	}
	stream, err := c.cc.NewStream(ctx, &Visualiser_ServiceDesc.Streams[0], streamStepsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &stepStream{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
