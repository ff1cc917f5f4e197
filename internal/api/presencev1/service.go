package presencev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "presence.v1.Presence"

const (
	Presence_CreateSession_FullMethodName  = "/presence.v1.Presence/CreateSession"
	Presence_StartSession_FullMethodName   = "/presence.v1.Presence/StartSession"
	Presence_EndSession_FullMethodName     = "/presence.v1.Presence/EndSession"
	Presence_Submit_FullMethodName         = "/presence.v1.Presence/Submit"
	Presence_ListAttendance_FullMethodName = "/presence.v1.Presence/ListAttendance"
	Presence_MyAttendance_FullMethodName   = "/presence.v1.Presence/MyAttendance"
)

// PresenceServer is the server API for the Presence service.
type PresenceServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error)
	StartSession(context.Context, *StartSessionRequest) (*SessionResponse, error)
	EndSession(context.Context, *EndSessionRequest) (*EndSessionResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	ListAttendance(context.Context, *ListAttendanceRequest) (*AttendanceList, error)
	MyAttendance(context.Context, *MyAttendanceRequest) (*AttendanceList, error)
}

// UnimplementedPresenceServer can be embedded to have forward compatible implementations.
type UnimplementedPresenceServer struct{}

func (UnimplementedPresenceServer) CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateSession not implemented")
}
func (UnimplementedPresenceServer) StartSession(context.Context, *StartSessionRequest) (*SessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method StartSession not implemented")
}
func (UnimplementedPresenceServer) EndSession(context.Context, *EndSessionRequest) (*EndSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method EndSession not implemented")
}
func (UnimplementedPresenceServer) Submit(context.Context, *SubmitRequest) (*SubmitResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Submit not implemented")
}
func (UnimplementedPresenceServer) ListAttendance(context.Context, *ListAttendanceRequest) (*AttendanceList, error) {
	return nil, status.Error(codes.Unimplemented, "method ListAttendance not implemented")
}
func (UnimplementedPresenceServer) MyAttendance(context.Context, *MyAttendanceRequest) (*AttendanceList, error) {
	return nil, status.Error(codes.Unimplemented, "method MyAttendance not implemented")
}

// unary builds a method handler that decodes Req and dispatches through the interceptor chain.
func unary[Req, Resp any](method string, call func(PresenceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PresenceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PresenceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Presence_ServiceDesc is the grpc.ServiceDesc for the Presence service.
var Presence_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PresenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateSession", Handler: unary(Presence_CreateSession_FullMethodName, PresenceServer.CreateSession)},
		{MethodName: "StartSession", Handler: unary(Presence_StartSession_FullMethodName, PresenceServer.StartSession)},
		{MethodName: "EndSession", Handler: unary(Presence_EndSession_FullMethodName, PresenceServer.EndSession)},
		{MethodName: "Submit", Handler: unary(Presence_Submit_FullMethodName, PresenceServer.Submit)},
		{MethodName: "ListAttendance", Handler: unary(Presence_ListAttendance_FullMethodName, PresenceServer.ListAttendance)},
		{MethodName: "MyAttendance", Handler: unary(Presence_MyAttendance_FullMethodName, PresenceServer.MyAttendance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "presence/v1/presence.proto",
}

// RegisterPresenceServer registers srv on s.
func RegisterPresenceServer(s grpc.ServiceRegistrar, srv PresenceServer) {
	s.RegisterService(&Presence_ServiceDesc, srv)
}

// PresenceClient is the client API for the Presence service. Every call is sent
// with the JSON content subtype.
type PresenceClient interface {
	CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error)
	StartSession(ctx context.Context, in *StartSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error)
	EndSession(ctx context.Context, in *EndSessionRequest, opts ...grpc.CallOption) (*EndSessionResponse, error)
	Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error)
	ListAttendance(ctx context.Context, in *ListAttendanceRequest, opts ...grpc.CallOption) (*AttendanceList, error)
	MyAttendance(ctx context.Context, in *MyAttendanceRequest, opts ...grpc.CallOption) (*AttendanceList, error)
}

type presenceClient struct {
	cc grpc.ClientConnInterface
}

func NewPresenceClient(cc grpc.ClientConnInterface) PresenceClient {
	return &presenceClient{cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *presenceClient) CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, Presence_CreateSession_FullMethodName, in, opts)
}

func (c *presenceClient) StartSession(ctx context.Context, in *StartSessionRequest, opts ...grpc.CallOption) (*SessionResponse, error) {
	return invoke[SessionResponse](ctx, c.cc, Presence_StartSession_FullMethodName, in, opts)
}

func (c *presenceClient) EndSession(ctx context.Context, in *EndSessionRequest, opts ...grpc.CallOption) (*EndSessionResponse, error) {
	return invoke[EndSessionResponse](ctx, c.cc, Presence_EndSession_FullMethodName, in, opts)
}

func (c *presenceClient) Submit(ctx context.Context, in *SubmitRequest, opts ...grpc.CallOption) (*SubmitResponse, error) {
	return invoke[SubmitResponse](ctx, c.cc, Presence_Submit_FullMethodName, in, opts)
}

func (c *presenceClient) ListAttendance(ctx context.Context, in *ListAttendanceRequest, opts ...grpc.CallOption) (*AttendanceList, error) {
	return invoke[AttendanceList](ctx, c.cc, Presence_ListAttendance_FullMethodName, in, opts)
}

func (c *presenceClient) MyAttendance(ctx context.Context, in *MyAttendanceRequest, opts ...grpc.CallOption) (*AttendanceList, error) {
	return invoke[AttendanceList](ctx, c.cc, Presence_MyAttendance_FullMethodName, in, opts)
}
