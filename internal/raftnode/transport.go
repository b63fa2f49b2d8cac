package raftnode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

var ErrTransportClosed = errors.New("raftnode: transport closed")

// Transport delivers raft messages to the chunkserver hosting a peer.
type Transport interface {
	Send(ctx context.Context, gid copyset.GroupID, from string, to peer.Endpoint, msg raftpb.Message) error
}

// Dialer abstracts connection setup so tests can inject their own.
type Dialer interface {
	Dial(target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		api.DialOption())
}

// GRPCTransport sends messages through RaftService.Step, one cached
// connection per chunkserver.
type GRPCTransport struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	dialer Dialer
	closed bool
}

func NewGRPCTransport(dialer Dialer) *GRPCTransport {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	return &GRPCTransport{conns: make(map[string]*grpc.ClientConn), dialer: dialer}
}

func (t *GRPCTransport) Send(ctx context.Context, gid copyset.GroupID, from string, to peer.Endpoint, msg raftpb.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	conn, err := t.conn(to.String())
	if err != nil {
		return err
	}
	_, err = api.NewRaftServiceClient(conn).Step(ctx, &api.RaftStepRequest{
		GroupID: uint64(gid),
		From:    from,
		Message: data,
	})
	return err
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if cc, ok := t.conns[addr]; ok {
		return cc, nil
	}
	cc, err := t.dialer.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.conns[addr] = cc
	return cc, nil
}

// Close drops every cached connection. Later sends fail.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	var errs []error
	for addr, cc := range t.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}

// LeaderStatusFetcher asks the leader's chunkserver for its view of the
// copyset log.
type LeaderStatusFetcher interface {
	LeaderStatus(ctx context.Context, leader peer.Peer, pool copyset.LogicPoolID, cs copyset.CopysetID) (copyset.NodeStatus, error)
}

// GRPCLeaderStatus queries CopysetService.GetCopysetStatus. It shares the
// transport's connections.
type GRPCLeaderStatus struct {
	Transport *GRPCTransport
}

func (g GRPCLeaderStatus) LeaderStatus(ctx context.Context, leader peer.Peer, pool copyset.LogicPoolID, cs copyset.CopysetID) (copyset.NodeStatus, error) {
	conn, err := g.Transport.conn(leader.Endpoint.String())
	if err != nil {
		return copyset.NodeStatus{}, err
	}
	resp, err := api.NewCopysetServiceClient(conn).GetCopysetStatus(ctx, &api.CopysetStatusRequest{
		LogicPoolID: pool,
		CopysetID:   cs,
	})
	if err != nil {
		return copyset.NodeStatus{}, err
	}
	if resp.Status != api.CopysetOpStatusSuccess {
		return copyset.NodeStatus{}, fmt.Errorf("leader %s: %s", leader, resp.Status)
	}
	return copyset.NodeStatus{
		State:             resp.State,
		Leader:            resp.Leader,
		Term:              resp.Term,
		FirstIndex:        resp.FirstIndex,
		LastIndex:         resp.LastIndex,
		CommittedIndex:    resp.CommittedIndex,
		KnownAppliedIndex: resp.KnownAppliedIndex,
	}, nil
}
