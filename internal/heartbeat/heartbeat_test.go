package heartbeat

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

type fakeNode struct {
	pool  copyset.LogicPoolID
	cs    copyset.CopysetID
	epoch uint64
	peers []peer.Peer

	mu  sync.Mutex
	ops []string
}

func (n *fakeNode) Init(copyset.NodeOptions) error   { return nil }
func (n *fakeNode) Run() error                       { return nil }
func (n *fakeNode) Fini()                            {}
func (n *fakeNode) LogicPoolID() copyset.LogicPoolID { return n.pool }
func (n *fakeNode) CopysetID() copyset.CopysetID     { return n.cs }
func (n *fakeNode) ConfEpoch() uint64                { return n.epoch }
func (n *fakeNode) CopysetDir() string               { return "" }
func (n *fakeNode) Peers() []peer.Peer               { return n.peers }

func (n *fakeNode) GetStatus() copyset.NodeStatus {
	return copyset.NodeStatus{Leader: "127.0.0.1:8200:0", KnownAppliedIndex: 42}
}

func (n *fakeNode) GetLeaderStatus() (copyset.NodeStatus, bool) { return n.GetStatus(), true }

func (n *fakeNode) record(op string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, op)
	return nil
}

func (n *fakeNode) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ops...)
}

func (n *fakeNode) IsLeader() bool { return true }

func (n *fakeNode) TransferLeader(_ context.Context, p peer.Peer) error {
	return n.record("transfer " + p.String())
}

func (n *fakeNode) AddPeer(_ context.Context, p peer.Peer) error {
	return n.record("add " + p.String())
}

func (n *fakeNode) RemovePeer(_ context.Context, p peer.Peer) error {
	return n.record("remove " + p.String())
}

func (n *fakeNode) ChangePeers(_ context.Context, ps []peer.Peer) error {
	out := "change"
	for _, p := range ps {
		out += " " + p.String()
	}
	return n.record(out)
}

type fakeCopysets struct {
	mu     sync.Mutex
	nodes  map[copyset.GroupID]copyset.Node
	purged []copyset.GroupID
}

func newFakeCopysets(nodes ...*fakeNode) *fakeCopysets {
	f := &fakeCopysets{nodes: map[copyset.GroupID]copyset.Node{}}
	for _, n := range nodes {
		f.nodes[copyset.ToGroupID(n.pool, n.cs)] = n
	}
	return f
}

func (f *fakeCopysets) GetCopysetNode(pool copyset.LogicPoolID, cs copyset.CopysetID) copyset.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[copyset.ToGroupID(pool, cs)]
}

func (f *fakeCopysets) GetAllCopysetNodes() []copyset.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]copyset.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

func (f *fakeCopysets) PurgeCopysetNodeData(pool copyset.LogicPoolID, cs copyset.CopysetID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := copyset.ToGroupID(pool, cs)
	f.purged = append(f.purged, id)
	_, ok := f.nodes[id]
	delete(f.nodes, id)
	return ok
}

type fakeOrchestrator struct {
	mu    sync.Mutex
	reqs  []*api.HeartbeatRequest
	reply *api.HeartbeatResponse
	err   error
}

func (o *fakeOrchestrator) Heartbeat(_ context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, req)
	if o.err != nil {
		return nil, o.err
	}
	reply := o.reply
	o.reply = nil
	if reply == nil {
		reply = &api.HeartbeatResponse{}
	}
	return reply, nil
}

func (o *fakeOrchestrator) requests() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reqs)
}

var local = peer.Endpoint{IP: "127.0.0.1", Port: 8200}

const (
	self   = "127.0.0.1:8200:0"
	peerB  = "127.0.0.1:8201:0"
	peerC  = "127.0.0.1:8202:0"
	target = "127.0.0.1:8203:0"
)

func newTestHeartbeat(t *testing.T, cs Copysets, orch Orchestrator, loaded bool) *Heartbeat {
	t.Helper()
	h := New()
	require.NoError(t, h.Init(Options{
		ChunkServerID: 7,
		Token:         "token",
		Endpoint:      local,
		Interval:      5 * time.Millisecond,
		Copysets:      cs,
		Orchestrator:  orch,
		LoadChecker:   func(context.Context, string) bool { return loaded },
	}))
	return h
}

func TestInitRequiresDependencies(t *testing.T) {
	require.ErrorIs(t, New().Init(Options{Orchestrator: &fakeOrchestrator{}}), ErrNoCopysets)
	require.ErrorIs(t, New().Init(Options{Copysets: newFakeCopysets()}), ErrNoOrchestrator)
	require.ErrorIs(t, New().Run(), ErrNoOrchestrator)
}

func TestBuildRequest(t *testing.T) {
	ps, err := peer.ParseAll([]string{self, peerB, peerC})
	require.NoError(t, err)
	n := &fakeNode{pool: 1, cs: 2, epoch: 3, peers: ps}
	h := newTestHeartbeat(t, newFakeCopysets(n), &fakeOrchestrator{}, true)

	req := h.BuildRequest()
	require.NotEmpty(t, req.RequestID)
	require.EqualValues(t, 7, req.ChunkServerID)
	require.Equal(t, "127.0.0.1", req.IP)
	require.Equal(t, 8200, req.Port)
	require.Len(t, req.Copysets, 1)
	info := req.Copysets[0]
	require.EqualValues(t, 1, info.LogicPoolID)
	require.EqualValues(t, 2, info.CopysetID)
	require.EqualValues(t, 3, info.Epoch)
	require.EqualValues(t, 42, info.AppliedIndex)
	require.Equal(t, []string{self, peerB, peerC}, info.Peers)

	require.NotEqual(t, req.RequestID, h.BuildRequest().RequestID)
}

func TestExecTaskMembershipChanges(t *testing.T) {
	n := &fakeNode{pool: 1, cs: 1, epoch: 5}
	cs := newFakeCopysets(n)
	h := newTestHeartbeat(t, cs, &fakeOrchestrator{}, true)
	members := []string{self, peerB, peerC}

	h.ExecTask(context.Background(), &api.HeartbeatResponse{NeedUpdateCopysets: []api.CopySetConf{
		{LogicPoolID: 1, CopysetID: 1, Epoch: 5, Peers: members, Type: api.ConfigChangeTransferLeader, ConfigChangeItem: peerB},
		{LogicPoolID: 1, CopysetID: 1, Epoch: 5, Peers: members, Type: api.ConfigChangeAddPeer, ConfigChangeItem: target},
		{LogicPoolID: 1, CopysetID: 1, Epoch: 6, Peers: members, Type: api.ConfigChangeRemovePeer, ConfigChangeItem: peerC},
		{LogicPoolID: 1, CopysetID: 1, Epoch: 6, Peers: members, Type: api.ConfigChangeChangePeer, ConfigChangeItem: target, OldPeer: peerB},
		// stale epoch is refused
		{LogicPoolID: 1, CopysetID: 1, Epoch: 3, Peers: members, Type: api.ConfigChangeRemovePeer, ConfigChangeItem: peerB},
		// no change requested
		{LogicPoolID: 1, CopysetID: 1, Epoch: 5, Peers: members},
	}})

	require.Equal(t, []string{
		"transfer " + peerB,
		"add " + target,
		"remove " + peerC,
		"change " + self + " " + peerC + " " + target,
	}, n.recorded())
	require.Empty(t, cs.purged)
}

func TestExecTaskSkipsUnloadedTarget(t *testing.T) {
	n := &fakeNode{pool: 1, cs: 1, epoch: 1}
	h := newTestHeartbeat(t, newFakeCopysets(n), &fakeOrchestrator{}, false)
	members := []string{self, peerB, peerC}

	h.ExecTask(context.Background(), &api.HeartbeatResponse{NeedUpdateCopysets: []api.CopySetConf{
		{LogicPoolID: 1, CopysetID: 1, Epoch: 1, Peers: members, Type: api.ConfigChangeAddPeer, ConfigChangeItem: target},
		{LogicPoolID: 1, CopysetID: 1, Epoch: 1, Peers: members, Type: api.ConfigChangeChangePeer, ConfigChangeItem: target, OldPeer: peerB},
		{LogicPoolID: 1, CopysetID: 1, Epoch: 1, Peers: members, Type: api.ConfigChangeRemovePeer, ConfigChangeItem: peerC},
	}})
	require.Equal(t, []string{"remove " + peerC}, n.recorded())
}

func TestExecTaskPurges(t *testing.T) {
	orphan := &fakeNode{pool: 1, cs: 1, epoch: 4}
	moved := &fakeNode{pool: 1, cs: 2, epoch: 4}
	kept := &fakeNode{pool: 1, cs: 3, epoch: 4}
	cs := newFakeCopysets(orphan, moved, kept)
	h := newTestHeartbeat(t, cs, &fakeOrchestrator{}, true)

	h.ExecTask(context.Background(), &api.HeartbeatResponse{NeedUpdateCopysets: []api.CopySetConf{
		{LogicPoolID: 1, CopysetID: 1, Epoch: 0},
		{LogicPoolID: 1, CopysetID: 2, Epoch: 9, Peers: []string{peerB, peerC, target}},
		{LogicPoolID: 1, CopysetID: 3, Epoch: 4, Peers: []string{self, peerB, peerC}},
	}})
	require.Equal(t, []copyset.GroupID{copyset.ToGroupID(1, 1), copyset.ToGroupID(1, 2)}, cs.purged)
	require.NotNil(t, cs.GetCopysetNode(1, 3))
	require.Empty(t, kept.recorded())
}

func TestRunSendsHeartbeatsUntilFini(t *testing.T) {
	n := &fakeNode{pool: 1, cs: 1, epoch: 2}
	orch := &fakeOrchestrator{reply: &api.HeartbeatResponse{NeedUpdateCopysets: []api.CopySetConf{
		{LogicPoolID: 1, CopysetID: 1, Epoch: 2, Peers: []string{self, peerB, peerC},
			Type: api.ConfigChangeTransferLeader, ConfigChangeItem: peerB},
	}}}
	h := newTestHeartbeat(t, newFakeCopysets(n), orch, true)

	require.NoError(t, h.Run())
	require.NoError(t, h.Run())
	require.Eventually(t, func() bool { return orch.requests() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.Fini())
	require.Equal(t, []string{"transfer " + peerB}, n.recorded())

	sent := orch.requests()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, sent, orch.requests(), "no heartbeats after Fini")
	require.NoError(t, h.Fini())
}

func TestRunSurvivesOrchestratorErrors(t *testing.T) {
	orch := &fakeOrchestrator{err: errors.New("mds down")}
	h := newTestHeartbeat(t, newFakeCopysets(), orch, true)
	require.NoError(t, h.Run())
	require.Eventually(t, func() bool { return orch.requests() >= 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, h.Fini())
}

type orchestratorServer struct {
	mu   sync.Mutex
	seen []string
}

func (s *orchestratorServer) Heartbeat(_ context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req.RequestID)
	return &api.HeartbeatResponse{NeedUpdateCopysets: []api.CopySetConf{{LogicPoolID: 3, CopysetID: 4}}}, nil
}

func TestGRPCOrchestratorFailover(t *testing.T) {
	_, err := NewGRPCOrchestrator(nil)
	require.ErrorIs(t, err, ErrNoAddress)

	srv := grpc.NewServer()
	impl := &orchestratorServer{}
	srv.RegisterService(&api.HeartbeatServiceDesc, impl)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	require.NoError(t, dead.Close())

	orch, err := NewGRPCOrchestrator([]string{deadAddr, lis.Addr().String()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = orch.Heartbeat(ctx, &api.HeartbeatRequest{RequestID: "1"})
	require.Error(t, err)
	require.Equal(t, lis.Addr().String(), orch.Current())

	resp, err := orch.Heartbeat(ctx, &api.HeartbeatRequest{RequestID: "2"})
	require.NoError(t, err)
	require.Len(t, resp.NeedUpdateCopysets, 1)
	require.EqualValues(t, 3, resp.NeedUpdateCopysets[0].LogicPoolID)
}
