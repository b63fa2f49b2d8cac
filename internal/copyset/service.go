package copyset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

// maxFileChunk caps a single GetFile response.
const maxFileChunk = 1 << 20

// ServiceRegistrar collects gRPC services before the server starts.
type ServiceRegistrar interface {
	RegisterService(desc *grpc.ServiceDesc, impl any) error
	RemoveService(name string) error
	HasService(name string) bool
}

// AddService installs the copyset services on reg. The default CliService
// and FileService registrations, if present, are replaced with ours.
// Registration failures leave the process unusable and panic.
func (m *Manager) AddService(reg ServiceRegistrar, listen peer.Endpoint) error {
	if reg == nil {
		m.log.Error("service registrar is nil")
		return ErrNilRegistrar
	}
	m.log.Info("adding copyset services", zap.String("listen", listen.String()))

	must := func(what string, err error) {
		if err != nil {
			m.log.Panic("register service failed", zap.String("service", what), zap.Error(err))
		}
	}

	must(api.RaftServiceName, reg.RegisterService(&api.RaftServiceDesc, &raftService{m: m}))

	if reg.HasService(api.CliServiceName) {
		must(api.CliServiceName, reg.RemoveService(api.CliServiceName))
	}
	must(api.CliServiceName, reg.RegisterService(&api.CliServiceDesc, &cliService{m: m}))

	if reg.HasService(api.FileServiceName) {
		must(api.FileServiceName, reg.RemoveService(api.FileServiceName))
	}
	must(api.FileServiceName, reg.RegisterService(&api.FileServiceDesc, &fileService{m: m}))

	must(api.CliService2Name, reg.RegisterService(&api.CliService2Desc, &cliService2{cliService{m: m}}))
	must(api.CopysetServiceName, reg.RegisterService(&api.CopysetServiceDesc, &copysetService{m: m}))
	must(api.ChunkServerServiceName, reg.RegisterService(&api.ChunkServerServiceDesc, &chunkServerService{m: m}))
	return nil
}

func (m *Manager) nodeOrErr(pool LogicPoolID, cs CopysetID) (Node, error) {
	node := m.GetCopysetNode(pool, cs)
	if node == nil {
		return nil, status.Errorf(codes.NotFound, "copyset %s not exist", GroupIDString(pool, cs))
	}
	return node, nil
}

func membershipOf(node Node) (Membership, error) {
	mem, ok := node.(Membership)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "copyset does not support membership changes")
	}
	return mem, nil
}

// --- raft transport ---

type raftService struct{ m *Manager }

func (s *raftService) Step(ctx context.Context, req *api.RaftStepRequest) (*api.RaftStepResponse, error) {
	id := GroupID(req.GroupID)
	node, err := s.m.nodeOrErr(id.PoolID(), id.CopysetID())
	if err != nil {
		return nil, err
	}
	st, ok := node.(Stepper)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "copyset does not accept raft messages")
	}
	if err := st.Step(ctx, req.From, req.Message); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.RaftStepResponse{}, nil
}

// --- cli ---

type cliService struct{ m *Manager }

func (s *cliService) GetLeader(_ context.Context, req *api.GetLeaderRequest) (*api.GetLeaderResponse, error) {
	node, err := s.m.nodeOrErr(req.LogicPoolID, req.CopysetID)
	if err != nil {
		return nil, err
	}
	leader := node.GetStatus().Leader
	if leader == "" {
		return nil, status.Errorf(codes.Unavailable, "copyset %s has no leader",
			GroupIDString(req.LogicPoolID, req.CopysetID))
	}
	return &api.GetLeaderResponse{Leader: leader}, nil
}

type cliService2 struct{ cliService }

func (s *cliService2) ChangePeers(ctx context.Context, req *api.ChangePeersRequest) (*api.ChangePeersResponse, error) {
	peers, err := peer.ParseAll(req.NewPeers)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	node, err := s.m.nodeOrErr(req.LogicPoolID, req.CopysetID)
	if err != nil {
		return nil, err
	}
	mem, err := membershipOf(node)
	if err != nil {
		return nil, err
	}
	old := peer.Strings(node.Peers())
	if err := mem.ChangePeers(ctx, peers); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &api.ChangePeersResponse{OldPeers: old, NewPeers: peer.Strings(peers)}, nil
}

func (s *cliService2) TransferLeader(ctx context.Context, req *api.TransferLeaderRequest) (*api.TransferLeaderResponse, error) {
	target, err := peer.Parse(req.Peer)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	node, err := s.m.nodeOrErr(req.LogicPoolID, req.CopysetID)
	if err != nil {
		return nil, err
	}
	mem, err := membershipOf(node)
	if err != nil {
		return nil, err
	}
	if err := mem.TransferLeader(ctx, target); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &api.TransferLeaderResponse{}, nil
}

// --- file service ---

type fileService struct{ m *Manager }

func (s *fileService) GetFile(_ context.Context, req *api.GetFileRequest) (*api.GetFileResponse, error) {
	if req.Offset < 0 || req.Count <= 0 {
		return nil, status.Error(codes.InvalidArgument, "bad offset or count")
	}
	_, dataDir, err := fs.ParseURI(s.m.opts.ChunkDataURI)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	path, err := resolveUnder(dataDir, req.Path)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, status.Errorf(codes.NotFound, "file %s not exist", req.Path)
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	defer f.Close()

	count := min(req.Count, maxFileChunk)
	buf := make([]byte, count)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.GetFileResponse{Data: buf[:n], EOF: errors.Is(err, io.EOF)}, nil
}

// resolveUnder joins rel onto root and rejects anything escaping root.
func resolveUnder(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes data dir", rel)
	}
	return filepath.Join(root, clean), nil
}

// --- copyset service ---

type copysetService struct{ m *Manager }

func (s *copysetService) create(pool LogicPoolID, cs CopysetID, addrs []string) (api.CopysetOpStatus, error) {
	conf, err := peer.ParseAll(addrs)
	if err != nil {
		return api.CopysetOpStatusFailureUnknown, status.Error(codes.InvalidArgument, err.Error())
	}
	err = s.m.CreateCopysetNode(pool, cs, conf)
	switch {
	case err == nil:
		return api.CopysetOpStatusSuccess, nil
	case errors.Is(err, ErrCopysetExists):
		return api.CopysetOpStatusExist, nil
	case errors.Is(err, ErrLoadNotFinished):
		return api.CopysetOpStatusLoadUnfinished, nil
	default:
		return api.CopysetOpStatusFailureUnknown, nil
	}
}

func (s *copysetService) CreateCopysetNode(_ context.Context, req *api.CopysetRequest) (*api.CopysetResponse, error) {
	st, err := s.create(req.LogicPoolID, req.CopysetID, req.Peers)
	if err != nil {
		return nil, err
	}
	s.m.log.Info("create copyset request handled",
		zap.String("copyset", GroupIDString(req.LogicPoolID, req.CopysetID)),
		zap.Stringer("status", st))
	return &api.CopysetResponse{Status: st}, nil
}

// CreateCopysetNode2 creates copysets in order. Existing copysets are
// skipped; the first failure stops the batch.
func (s *copysetService) CreateCopysetNode2(_ context.Context, req *api.CopysetRequest2) (*api.CopysetResponse2, error) {
	for _, c := range req.Copysets {
		st, err := s.create(c.LogicPoolID, c.CopysetID, c.Peers)
		if err != nil {
			return nil, err
		}
		switch st {
		case api.CopysetOpStatusSuccess, api.CopysetOpStatusExist:
			continue
		default:
			s.m.log.Warn("create copyset in batch failed",
				zap.String("copyset", GroupIDString(c.LogicPoolID, c.CopysetID)),
				zap.Stringer("status", st))
			return &api.CopysetResponse2{Status: st}, nil
		}
	}
	return &api.CopysetResponse2{Status: api.CopysetOpStatusSuccess}, nil
}

func (s *copysetService) GetCopysetStatus(_ context.Context, req *api.CopysetStatusRequest) (*api.CopysetStatusResponse, error) {
	node := s.m.GetCopysetNode(req.LogicPoolID, req.CopysetID)
	if node == nil {
		return &api.CopysetStatusResponse{Status: api.CopysetOpStatusNotExist}, nil
	}
	st := node.GetStatus()
	return &api.CopysetStatusResponse{
		Status:            api.CopysetOpStatusSuccess,
		State:             st.State,
		Leader:            st.Leader,
		Peers:             peer.Strings(node.Peers()),
		Epoch:             node.ConfEpoch(),
		Term:              st.Term,
		FirstIndex:        st.FirstIndex,
		LastIndex:         st.LastIndex,
		CommittedIndex:    st.CommittedIndex,
		KnownAppliedIndex: st.KnownAppliedIndex,
	}, nil
}

// --- chunkserver status ---

type chunkServerService struct{ m *Manager }

func (s *chunkServerService) ChunkServerStatus(context.Context, *api.ChunkServerStatusRequest) (*api.ChunkServerStatusResponse, error) {
	return &api.ChunkServerStatusResponse{CopysetLoadFin: s.m.LoadFinished()}, nil
}
