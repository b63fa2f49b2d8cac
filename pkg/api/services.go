package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Service names. CliService and FileService keep the names of the default
// raft services so a chunkserver can swap its own implementation in.
const (
	RaftServiceName        = "curve.chunkserver.RaftService"
	CliServiceName         = "raft.CliService"
	CliService2Name        = "curve.chunkserver.CliService2"
	FileServiceName        = "raft.FileService"
	CopysetServiceName     = "curve.chunkserver.CopysetService"
	ChunkServerServiceName = "curve.chunkserver.ChunkServerService"
	HeartbeatServiceName   = "curve.mds.heartbeat.HeartbeatService"
)

func unaryHandler[Req, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// ---------------------------------------------------------------------------
// RaftService

type RaftServiceServer interface {
	Step(context.Context, *RaftStepRequest) (*RaftStepResponse, error)
}

var RaftServiceDesc = grpc.ServiceDesc{
	ServiceName: RaftServiceName,
	HandlerType: (*RaftServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Step",
			Handler: unaryHandler(fullMethod(RaftServiceName, "Step"),
				func(srv any, ctx context.Context, req *RaftStepRequest) (*RaftStepResponse, error) {
					return srv.(RaftServiceServer).Step(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

type RaftServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftServiceClient(cc grpc.ClientConnInterface) *RaftServiceClient {
	return &RaftServiceClient{cc: cc}
}

func (c *RaftServiceClient) Step(ctx context.Context, in *RaftStepRequest, opts ...grpc.CallOption) (*RaftStepResponse, error) {
	return invoke[RaftStepResponse](ctx, c.cc, fullMethod(RaftServiceName, "Step"), in, opts)
}

// ---------------------------------------------------------------------------
// CliService

type CliServiceServer interface {
	GetLeader(context.Context, *GetLeaderRequest) (*GetLeaderResponse, error)
}

var CliServiceDesc = grpc.ServiceDesc{
	ServiceName: CliServiceName,
	HandlerType: (*CliServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetLeader",
			Handler: unaryHandler(fullMethod(CliServiceName, "GetLeader"),
				func(srv any, ctx context.Context, req *GetLeaderRequest) (*GetLeaderResponse, error) {
					return srv.(CliServiceServer).GetLeader(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

// UnimplementedCliServiceServer is the placeholder registered before the
// copyset layer installs its own CliService.
type UnimplementedCliServiceServer struct{}

func (UnimplementedCliServiceServer) GetLeader(context.Context, *GetLeaderRequest) (*GetLeaderResponse, error) {
	return nil, status.Error(codes.Unimplemented, "GetLeader not implemented")
}

type CliServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCliServiceClient(cc grpc.ClientConnInterface) *CliServiceClient {
	return &CliServiceClient{cc: cc}
}

func (c *CliServiceClient) GetLeader(ctx context.Context, in *GetLeaderRequest, opts ...grpc.CallOption) (*GetLeaderResponse, error) {
	return invoke[GetLeaderResponse](ctx, c.cc, fullMethod(CliServiceName, "GetLeader"), in, opts)
}

// ---------------------------------------------------------------------------
// CliService2

type CliService2Server interface {
	GetLeader(context.Context, *GetLeaderRequest) (*GetLeaderResponse, error)
	ChangePeers(context.Context, *ChangePeersRequest) (*ChangePeersResponse, error)
	TransferLeader(context.Context, *TransferLeaderRequest) (*TransferLeaderResponse, error)
}

var CliService2Desc = grpc.ServiceDesc{
	ServiceName: CliService2Name,
	HandlerType: (*CliService2Server)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetLeader",
			Handler: unaryHandler(fullMethod(CliService2Name, "GetLeader"),
				func(srv any, ctx context.Context, req *GetLeaderRequest) (*GetLeaderResponse, error) {
					return srv.(CliService2Server).GetLeader(ctx, req)
				}),
		},
		{
			MethodName: "ChangePeers",
			Handler: unaryHandler(fullMethod(CliService2Name, "ChangePeers"),
				func(srv any, ctx context.Context, req *ChangePeersRequest) (*ChangePeersResponse, error) {
					return srv.(CliService2Server).ChangePeers(ctx, req)
				}),
		},
		{
			MethodName: "TransferLeader",
			Handler: unaryHandler(fullMethod(CliService2Name, "TransferLeader"),
				func(srv any, ctx context.Context, req *TransferLeaderRequest) (*TransferLeaderResponse, error) {
					return srv.(CliService2Server).TransferLeader(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

type CliService2Client struct {
	cc grpc.ClientConnInterface
}

func NewCliService2Client(cc grpc.ClientConnInterface) *CliService2Client {
	return &CliService2Client{cc: cc}
}

func (c *CliService2Client) GetLeader(ctx context.Context, in *GetLeaderRequest, opts ...grpc.CallOption) (*GetLeaderResponse, error) {
	return invoke[GetLeaderResponse](ctx, c.cc, fullMethod(CliService2Name, "GetLeader"), in, opts)
}

func (c *CliService2Client) ChangePeers(ctx context.Context, in *ChangePeersRequest, opts ...grpc.CallOption) (*ChangePeersResponse, error) {
	return invoke[ChangePeersResponse](ctx, c.cc, fullMethod(CliService2Name, "ChangePeers"), in, opts)
}

func (c *CliService2Client) TransferLeader(ctx context.Context, in *TransferLeaderRequest, opts ...grpc.CallOption) (*TransferLeaderResponse, error) {
	return invoke[TransferLeaderResponse](ctx, c.cc, fullMethod(CliService2Name, "TransferLeader"), in, opts)
}

// ---------------------------------------------------------------------------
// FileService

type FileServiceServer interface {
	GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error)
}

var FileServiceDesc = grpc.ServiceDesc{
	ServiceName: FileServiceName,
	HandlerType: (*FileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetFile",
			Handler: unaryHandler(fullMethod(FileServiceName, "GetFile"),
				func(srv any, ctx context.Context, req *GetFileRequest) (*GetFileResponse, error) {
					return srv.(FileServiceServer).GetFile(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

// UnimplementedFileServiceServer is the placeholder registered before the
// copyset layer installs its own FileService.
type UnimplementedFileServiceServer struct{}

func (UnimplementedFileServiceServer) GetFile(context.Context, *GetFileRequest) (*GetFileResponse, error) {
	return nil, status.Error(codes.Unimplemented, "GetFile not implemented")
}

type FileServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFileServiceClient(cc grpc.ClientConnInterface) *FileServiceClient {
	return &FileServiceClient{cc: cc}
}

func (c *FileServiceClient) GetFile(ctx context.Context, in *GetFileRequest, opts ...grpc.CallOption) (*GetFileResponse, error) {
	return invoke[GetFileResponse](ctx, c.cc, fullMethod(FileServiceName, "GetFile"), in, opts)
}

// ---------------------------------------------------------------------------
// CopysetService

type CopysetServiceServer interface {
	CreateCopysetNode(context.Context, *CopysetRequest) (*CopysetResponse, error)
	CreateCopysetNode2(context.Context, *CopysetRequest2) (*CopysetResponse2, error)
	GetCopysetStatus(context.Context, *CopysetStatusRequest) (*CopysetStatusResponse, error)
}

var CopysetServiceDesc = grpc.ServiceDesc{
	ServiceName: CopysetServiceName,
	HandlerType: (*CopysetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateCopysetNode",
			Handler: unaryHandler(fullMethod(CopysetServiceName, "CreateCopysetNode"),
				func(srv any, ctx context.Context, req *CopysetRequest) (*CopysetResponse, error) {
					return srv.(CopysetServiceServer).CreateCopysetNode(ctx, req)
				}),
		},
		{
			MethodName: "CreateCopysetNode2",
			Handler: unaryHandler(fullMethod(CopysetServiceName, "CreateCopysetNode2"),
				func(srv any, ctx context.Context, req *CopysetRequest2) (*CopysetResponse2, error) {
					return srv.(CopysetServiceServer).CreateCopysetNode2(ctx, req)
				}),
		},
		{
			MethodName: "GetCopysetStatus",
			Handler: unaryHandler(fullMethod(CopysetServiceName, "GetCopysetStatus"),
				func(srv any, ctx context.Context, req *CopysetStatusRequest) (*CopysetStatusResponse, error) {
					return srv.(CopysetServiceServer).GetCopysetStatus(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

type CopysetServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewCopysetServiceClient(cc grpc.ClientConnInterface) *CopysetServiceClient {
	return &CopysetServiceClient{cc: cc}
}

func (c *CopysetServiceClient) CreateCopysetNode(ctx context.Context, in *CopysetRequest, opts ...grpc.CallOption) (*CopysetResponse, error) {
	return invoke[CopysetResponse](ctx, c.cc, fullMethod(CopysetServiceName, "CreateCopysetNode"), in, opts)
}

func (c *CopysetServiceClient) CreateCopysetNode2(ctx context.Context, in *CopysetRequest2, opts ...grpc.CallOption) (*CopysetResponse2, error) {
	return invoke[CopysetResponse2](ctx, c.cc, fullMethod(CopysetServiceName, "CreateCopysetNode2"), in, opts)
}

func (c *CopysetServiceClient) GetCopysetStatus(ctx context.Context, in *CopysetStatusRequest, opts ...grpc.CallOption) (*CopysetStatusResponse, error) {
	return invoke[CopysetStatusResponse](ctx, c.cc, fullMethod(CopysetServiceName, "GetCopysetStatus"), in, opts)
}

// ---------------------------------------------------------------------------
// ChunkServerService

type ChunkServerServiceServer interface {
	ChunkServerStatus(context.Context, *ChunkServerStatusRequest) (*ChunkServerStatusResponse, error)
}

var ChunkServerServiceDesc = grpc.ServiceDesc{
	ServiceName: ChunkServerServiceName,
	HandlerType: (*ChunkServerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ChunkServerStatus",
			Handler: unaryHandler(fullMethod(ChunkServerServiceName, "ChunkServerStatus"),
				func(srv any, ctx context.Context, req *ChunkServerStatusRequest) (*ChunkServerStatusResponse, error) {
					return srv.(ChunkServerServiceServer).ChunkServerStatus(ctx, req)
				}),
		},
	},
	Metadata: "chunkserver.json",
}

type ChunkServerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewChunkServerServiceClient(cc grpc.ClientConnInterface) *ChunkServerServiceClient {
	return &ChunkServerServiceClient{cc: cc}
}

func (c *ChunkServerServiceClient) ChunkServerStatus(ctx context.Context, in *ChunkServerStatusRequest, opts ...grpc.CallOption) (*ChunkServerStatusResponse, error) {
	return invoke[ChunkServerStatusResponse](ctx, c.cc, fullMethod(ChunkServerServiceName, "ChunkServerStatus"), in, opts)
}

// ---------------------------------------------------------------------------
// HeartbeatService (served by the orchestrator)

type HeartbeatServiceServer interface {
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

var HeartbeatServiceDesc = grpc.ServiceDesc{
	ServiceName: HeartbeatServiceName,
	HandlerType: (*HeartbeatServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler(fullMethod(HeartbeatServiceName, "Heartbeat"),
				func(srv any, ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
					return srv.(HeartbeatServiceServer).Heartbeat(ctx, req)
				}),
		},
	},
	Metadata: "heartbeat.json",
}

type HeartbeatServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewHeartbeatServiceClient(cc grpc.ClientConnInterface) *HeartbeatServiceClient {
	return &HeartbeatServiceClient{cc: cc}
}

func (c *HeartbeatServiceClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, fullMethod(HeartbeatServiceName, "Heartbeat"), in, opts)
}
