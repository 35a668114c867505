// Package v1 is the local daemon API of tillsync.
//
// The service is described by hand instead of generated from a .proto file.
// Every message is a protobuf well-known type, so any gRPC client can call
// it; the field layout of each Struct is documented on the method.
package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "tillsync.v1.Sync"

const (
	Sync_Mutate_FullMethodName      = "/tillsync.v1.Sync/Mutate"
	Sync_Delete_FullMethodName      = "/tillsync.v1.Sync/Delete"
	Sync_Get_FullMethodName         = "/tillsync.v1.Sync/Get"
	Sync_Collections_FullMethodName = "/tillsync.v1.Sync/Collections"
	Sync_Status_FullMethodName      = "/tillsync.v1.Sync/Status"
	Sync_Scan_FullMethodName        = "/tillsync.v1.Sync/Scan"
	Sync_Watch_FullMethodName       = "/tillsync.v1.Sync/Watch"
)

// SyncServer is the server API.
//
//   - Mutate takes {collection, id, payload} and returns the stored record.
//   - Delete and Get take {collection, id} and return a record.
//   - Collections returns the collection names.
//   - Status returns the engine status.
//   - Scan streams the live records of the collection named by the request.
//   - Watch streams {origin, endpoint, record} for every resolved write.
type SyncServer interface {
	Mutate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Collections(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Scan(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterSyncServer registers srv on s.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&Sync_ServiceDesc, srv)
}

func unaryHandler[Req any, Res any](
	method string,
	call func(SyncServer, context.Context, *Req) (*Res, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(SyncServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SyncServer), ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}

func _Sync_Scan_Handler(srv any, stream grpc.ServerStream) error {
	m := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(SyncServer).Scan(m, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

func _Sync_Watch_Handler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}

	return srv.(SyncServer).Watch(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Sync_ServiceDesc is the grpc.ServiceDesc for the Sync service.
var Sync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Mutate",
			Handler: unaryHandler(Sync_Mutate_FullMethodName, func(s SyncServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Mutate(ctx, in)
			}),
		},
		{
			MethodName: "Delete",
			Handler: unaryHandler(Sync_Delete_FullMethodName, func(s SyncServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Delete(ctx, in)
			}),
		},
		{
			MethodName: "Get",
			Handler: unaryHandler(Sync_Get_FullMethodName, func(s SyncServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Get(ctx, in)
			}),
		},
		{
			MethodName: "Collections",
			Handler: unaryHandler(Sync_Collections_FullMethodName, func(s SyncServer, ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
				return s.Collections(ctx, in)
			}),
		},
		{
			MethodName: "Status",
			Handler: unaryHandler(Sync_Status_FullMethodName, func(s SyncServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return s.Status(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Scan",
			Handler:       _Sync_Scan_Handler,
			ServerStreams: true,
		},
		{
			StreamName:    "Watch",
			Handler:       _Sync_Watch_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "tillsync/v1/sync.proto",
}

// SyncClient is the client API.
type SyncClient interface {
	Mutate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Collections(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Scan(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type syncClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncClient creates a client on cc.
func NewSyncClient(cc grpc.ClientConnInterface) SyncClient {
	return &syncClient{cc}
}

func (c *syncClient) Mutate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Sync_Mutate_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *syncClient) Delete(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Sync_Delete_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *syncClient) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Sync_Get_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *syncClient) Collections(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, Sync_Collections_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *syncClient) Status(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Sync_Status_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}

	return out, nil
}

func (c *syncClient) Scan(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &Sync_ServiceDesc.Streams[0], Sync_Scan_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}

func (c *syncClient) Watch(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &Sync_ServiceDesc.Streams[1], Sync_Watch_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[emptypb.Empty, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
