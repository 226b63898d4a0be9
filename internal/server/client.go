package server

import (
	"context"

	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client is a typed client for the request gate service. Every call uses
// the json content-subtype.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}

func (c *Client) CheckHttpRequest(ctx context.Context, in *CheckHTTPRequestRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	out := new(CheckResponse)
	if err := c.invoke(ctx, "CheckHttpRequest", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckHistoryAccess(ctx context.Context, in *CheckHistoryAccessRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	out := new(CheckResponse)
	if err := c.invoke(ctx, "CheckHistoryAccess", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListPending(ctx context.Context, opts ...grpc.CallOption) (*ListPendingResponse, error) {
	out := new(ListPendingResponse)
	if err := c.invoke(ctx, "ListPending", &emptypb.Empty{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ResolvePending(ctx context.Context, in *ResolvePendingRequest, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "ResolvePending", in, &emptypb.Empty{}, opts)
}

func (c *Client) GetSettings(ctx context.Context, opts ...grpc.CallOption) (*approval.Settings, error) {
	out := new(approval.Settings)
	if err := c.invoke(ctx, "GetSettings", &emptypb.Empty{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateSettings(ctx context.Context, in *approval.SettingsUpdate, opts ...grpc.CallOption) (*approval.Settings, error) {
	out := new(approval.Settings)
	if err := c.invoke(ctx, "UpdateSettings", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTargets(ctx context.Context, opts ...grpc.CallOption) (*TargetsResponse, error) {
	out := new(TargetsResponse)
	if err := c.invoke(ctx, "ListTargets", &emptypb.Empty{}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AddTarget(ctx context.Context, entry string, opts ...grpc.CallOption) (*TargetChangeResponse, error) {
	out := new(TargetChangeResponse)
	if err := c.invoke(ctx, "AddTarget", &TargetRequest{Entry: entry}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveTarget(ctx context.Context, entry string, opts ...grpc.CallOption) (*TargetChangeResponse, error) {
	out := new(TargetChangeResponse)
	if err := c.invoke(ctx, "RemoveTarget", &TargetRequest{Entry: entry}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClearTargets(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "ClearTargets", &emptypb.Empty{}, &emptypb.Empty{}, opts)
}

func (c *Client) RedactConfig(ctx context.Context, jsonText string, opts ...grpc.CallOption) (*RedactConfigResponse, error) {
	out := new(RedactConfigResponse)
	if err := c.invoke(ctx, "RedactConfig", &RedactConfigRequest{JSON: jsonText}, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckConfigImport(ctx context.Context, in *CheckConfigImportRequest, opts ...grpc.CallOption) (*CheckConfigImportResponse, error) {
	out := new(CheckConfigImportResponse)
	if err := c.invoke(ctx, "CheckConfigImport", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// PendingWatcher receives events from a WatchPending stream.
type PendingWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event. It returns io.EOF when the server ends
// the stream.
func (w *PendingWatcher) Recv() (*gate.Event, error) {
	ev := new(gate.Event)
	if err := w.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// WatchPending opens an event stream; cancel ctx to stop it.
func (c *Client) WatchPending(ctx context.Context, in *WatchPendingRequest, opts ...grpc.CallOption) (*PendingWatcher, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchPending"), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &PendingWatcher{stream: stream}, nil
}
