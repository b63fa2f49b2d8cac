package copyset

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

type testRegistrar struct {
	services map[string]any
	descs    map[string]*grpc.ServiceDesc
	failOn   string
}

func newTestRegistrar() *testRegistrar {
	return &testRegistrar{services: map[string]any{}, descs: map[string]*grpc.ServiceDesc{}}
}

func (r *testRegistrar) RegisterService(desc *grpc.ServiceDesc, impl any) error {
	if desc.ServiceName == r.failOn {
		return errors.New("register refused")
	}
	if _, ok := r.services[desc.ServiceName]; ok {
		return errors.New("duplicate service " + desc.ServiceName)
	}
	r.services[desc.ServiceName] = impl
	r.descs[desc.ServiceName] = desc
	return nil
}

func (r *testRegistrar) RemoveService(name string) error {
	if _, ok := r.services[name]; !ok {
		return errors.New("no service " + name)
	}
	delete(r.services, name)
	delete(r.descs, name)
	return nil
}

func (r *testRegistrar) HasService(name string) bool {
	_, ok := r.services[name]
	return ok
}

var testListen = peer.Endpoint{IP: "127.0.0.1", Port: 8200}

func TestAddServiceNilRegistrar(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.mgr.AddService(nil, testListen), ErrNilRegistrar)
}

func TestAddServiceReplacesDefaults(t *testing.T) {
	h := newHarness(t, nil)
	reg := newTestRegistrar()
	require.NoError(t, reg.RegisterService(&api.CliServiceDesc, api.UnimplementedCliServiceServer{}))
	require.NoError(t, reg.RegisterService(&api.FileServiceDesc, api.UnimplementedFileServiceServer{}))

	require.NoError(t, h.mgr.AddService(reg, testListen))

	require.IsType(t, &cliService{}, reg.services[api.CliServiceName])
	require.IsType(t, &fileService{}, reg.services[api.FileServiceName])
	for _, name := range []string{
		api.RaftServiceName,
		api.CliService2Name,
		api.CopysetServiceName,
		api.ChunkServerServiceName,
	} {
		require.True(t, reg.HasService(name), name)
	}
}

func TestAddServiceWithoutDefaults(t *testing.T) {
	h := newHarness(t, nil)
	reg := newTestRegistrar()
	require.NoError(t, h.mgr.AddService(reg, testListen))
	require.Len(t, reg.services, 6)
}

func TestAddServicePanicsOnRegistrationFailure(t *testing.T) {
	h := newHarness(t, nil)
	reg := newTestRegistrar()
	reg.failOn = api.CopysetServiceName
	require.Panics(t, func() { _ = h.mgr.AddService(reg, testListen) })
}

func TestResolveUnder(t *testing.T) {
	p, err := resolveUnder("/data", "4294967297/raft_meta/conf.epoch")
	require.NoError(t, err)
	require.Equal(t, "/data/4294967297/raft_meta/conf.epoch", p)

	p, err = resolveUnder("/data", "a/../b")
	require.NoError(t, err)
	require.Equal(t, "/data/b", p)

	for _, bad := range []string{"", "/etc/passwd", "..", "../x", "a/../../x"} {
		_, err := resolveUnder("/data", bad)
		require.Error(t, err, bad)
	}
}

// serve registers the copyset services on a real gRPC server.
func serve(t *testing.T, m *Manager) *grpc.ClientConn {
	t.Helper()
	reg := newTestRegistrar()
	require.NoError(t, m.AddService(reg, testListen))

	srv := grpc.NewServer()
	for name, desc := range reg.descs {
		srv.RegisterService(desc, reg.services[name])
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()), api.DialOption())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func rpcContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCopysetServiceOverGRPC(t *testing.T) {
	h := newHarness(t, nil)
	conn := serve(t, h.mgr)
	ctx := rpcContext(t)
	client := api.NewCopysetServiceClient(conn)
	peers := []string{"127.0.0.1:8200:0", "127.0.0.1:8201:0", "127.0.0.1:8202:0"}

	resp, err := client.CreateCopysetNode(ctx, &api.CopysetRequest{LogicPoolID: 1, CopysetID: 1, Peers: peers})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusLoadUnfinished, resp.Status)

	require.NoError(t, h.mgr.Run())

	resp, err = client.CreateCopysetNode(ctx, &api.CopysetRequest{LogicPoolID: 1, CopysetID: 1, Peers: peers})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusSuccess, resp.Status)

	resp, err = client.CreateCopysetNode(ctx, &api.CopysetRequest{LogicPoolID: 1, CopysetID: 1, Peers: peers})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusExist, resp.Status)

	_, err = client.CreateCopysetNode(ctx, &api.CopysetRequest{LogicPoolID: 1, CopysetID: 2, Peers: []string{"nope"}})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	resp2, err := client.CreateCopysetNode2(ctx, &api.CopysetRequest2{Copysets: []api.Copyset{
		{LogicPoolID: 1, CopysetID: 1, Peers: peers},
		{LogicPoolID: 1, CopysetID: 3, Peers: peers},
		{LogicPoolID: 1, CopysetID: 4, Peers: peers},
	}})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusSuccess, resp2.Status)
	require.True(t, h.mgr.IsExist(1, 3))
	require.True(t, h.mgr.IsExist(1, 4))

	st, err := client.GetCopysetStatus(ctx, &api.CopysetStatusRequest{LogicPoolID: 1, CopysetID: 1})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusSuccess, st.Status)
	require.Equal(t, peers, st.Peers)

	st, err = client.GetCopysetStatus(ctx, &api.CopysetStatusRequest{LogicPoolID: 9, CopysetID: 9})
	require.NoError(t, err)
	require.Equal(t, api.CopysetOpStatusNotExist, st.Status)
}

func TestChunkServerStatusOverGRPC(t *testing.T) {
	h := newHarness(t, nil)
	conn := serve(t, h.mgr)
	ctx := rpcContext(t)
	client := api.NewChunkServerServiceClient(conn)

	resp, err := client.ChunkServerStatus(ctx, &api.ChunkServerStatusRequest{})
	require.NoError(t, err)
	require.False(t, resp.CopysetLoadFin)

	require.NoError(t, h.mgr.Run())
	resp, err = client.ChunkServerStatus(ctx, &api.ChunkServerStatusRequest{})
	require.NoError(t, err)
	require.True(t, resp.CopysetLoadFin)
}

func TestCliServiceOverGRPC(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare = func(n *fakeNode) { n.status = NodeStatus{Leader: "127.0.0.1:8201:0"} }
	require.NoError(t, h.mgr.Run())
	require.NoError(t, h.mgr.CreateCopysetNode(1, 1, nil))
	conn := serve(t, h.mgr)
	ctx := rpcContext(t)

	resp, err := api.NewCliServiceClient(conn).GetLeader(ctx, &api.GetLeaderRequest{LogicPoolID: 1, CopysetID: 1})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8201:0", resp.Leader)

	_, err = api.NewCliServiceClient(conn).GetLeader(ctx, &api.GetLeaderRequest{LogicPoolID: 2, CopysetID: 2})
	require.Equal(t, codes.NotFound, status.Code(err))

	// fake nodes do not implement membership changes
	_, err = api.NewCliService2Client(conn).TransferLeader(ctx,
		&api.TransferLeaderRequest{LogicPoolID: 1, CopysetID: 1, Peer: "127.0.0.1:8202:0"})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = api.NewRaftServiceClient(conn).Step(ctx, &api.RaftStepRequest{GroupID: uint64(ToGroupID(1, 1))})
	require.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestFileServiceOverGRPC(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, func(o *Options) { o.ChunkDataURI = "local://" + dir })
	copysetDir := filepath.Join(dir, ToGroupID(1, 1).String(), "raft_meta")
	require.NoError(t, os.MkdirAll(copysetDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(copysetDir, "conf.epoch"), []byte("0123456789"), 0o644))

	conn := serve(t, h.mgr)
	ctx := rpcContext(t)
	client := api.NewFileServiceClient(conn)
	rel := filepath.Join(ToGroupID(1, 1).String(), "raft_meta", "conf.epoch")

	resp, err := client.GetFile(ctx, &api.GetFileRequest{Path: rel, Offset: 2, Count: 4})
	require.NoError(t, err)
	require.Equal(t, []byte("2345"), resp.Data)
	require.False(t, resp.EOF)

	resp, err = client.GetFile(ctx, &api.GetFileRequest{Path: rel, Offset: 8, Count: 10})
	require.NoError(t, err)
	require.Equal(t, []byte("89"), resp.Data)
	require.True(t, resp.EOF)

	_, err = client.GetFile(ctx, &api.GetFileRequest{Path: "../escape", Offset: 0, Count: 1})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.GetFile(ctx, &api.GetFileRequest{Path: "missing", Offset: 0, Count: 1})
	require.Equal(t, codes.NotFound, status.Code(err))
}
