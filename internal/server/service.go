package server

import (
	"context"

	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "palisade.request_gate.v1.RequestGateService"

// RequestGateServiceServer is the server API for the request gate service.
type RequestGateServiceServer interface {
	CheckHttpRequest(context.Context, *CheckHTTPRequestRequest) (*CheckResponse, error)
	CheckHistoryAccess(context.Context, *CheckHistoryAccessRequest) (*CheckResponse, error)
	ListPending(context.Context, *emptypb.Empty) (*ListPendingResponse, error)
	ResolvePending(context.Context, *ResolvePendingRequest) (*emptypb.Empty, error)
	WatchPending(*WatchPendingRequest, WatchPendingServer) error
	GetSettings(context.Context, *emptypb.Empty) (*approval.Settings, error)
	UpdateSettings(context.Context, *approval.SettingsUpdate) (*approval.Settings, error)
	ListTargets(context.Context, *emptypb.Empty) (*TargetsResponse, error)
	AddTarget(context.Context, *TargetRequest) (*TargetChangeResponse, error)
	RemoveTarget(context.Context, *TargetRequest) (*TargetChangeResponse, error)
	ClearTargets(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	RedactConfig(context.Context, *RedactConfigRequest) (*RedactConfigResponse, error)
	CheckConfigImport(context.Context, *CheckConfigImportRequest) (*CheckConfigImportResponse, error)
}

// WatchPendingServer is the server side of the WatchPending stream.
type WatchPendingServer interface {
	Send(*gate.Event) error
	grpc.ServerStream
}

type watchPendingServer struct {
	grpc.ServerStream
}

func (s *watchPendingServer) Send(ev *gate.Event) error {
	return s.ServerStream.SendMsg(ev)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(RequestGateServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(RequestGateServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes the request gate service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RequestGateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CheckHttpRequest", RequestGateServiceServer.CheckHttpRequest),
		unary("CheckHistoryAccess", RequestGateServiceServer.CheckHistoryAccess),
		unary("ListPending", RequestGateServiceServer.ListPending),
		unary("ResolvePending", RequestGateServiceServer.ResolvePending),
		unary("GetSettings", RequestGateServiceServer.GetSettings),
		unary("UpdateSettings", RequestGateServiceServer.UpdateSettings),
		unary("ListTargets", RequestGateServiceServer.ListTargets),
		unary("AddTarget", RequestGateServiceServer.AddTarget),
		unary("RemoveTarget", RequestGateServiceServer.RemoveTarget),
		unary("ClearTargets", RequestGateServiceServer.ClearTargets),
		unary("RedactConfig", RequestGateServiceServer.RedactConfig),
		unary("CheckConfigImport", RequestGateServiceServer.CheckConfigImport),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchPending",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchPendingRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(RequestGateServiceServer).WatchPending(in, &watchPendingServer{stream})
			},
		},
	},
	// No .proto backs this service; messages travel over the JSON codec.
	Metadata: "",
}

// RegisterRequestGateServiceServer registers srv on s.
func RegisterRequestGateServiceServer(s grpc.ServiceRegistrar, srv RequestGateServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
