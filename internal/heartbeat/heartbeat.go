// Package heartbeat reports copyset state to the orchestrator and applies
// the membership changes it sends back.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

var (
	ErrNoOrchestrator = errors.New("heartbeat: orchestrator is required")
	ErrNoCopysets     = errors.New("heartbeat: copyset manager is required")
	ErrNoAddress      = errors.New("heartbeat: no orchestrator address")
)

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Copysets is the registry view the heartbeat needs.
type Copysets interface {
	GetCopysetNode(pool copyset.LogicPoolID, cs copyset.CopysetID) copyset.Node
	GetAllCopysetNodes() []copyset.Node
	PurgeCopysetNodeData(pool copyset.LogicPoolID, cs copyset.CopysetID) bool
}

// Orchestrator receives heartbeats and answers with pending changes.
type Orchestrator interface {
	Heartbeat(ctx context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error)
}

// LoadChecker reports whether the chunkserver hosting addr finished loading.
type LoadChecker func(ctx context.Context, addr string) bool

type Options struct {
	ChunkServerID uint32
	Token         string
	Endpoint      peer.Endpoint
	Interval      time.Duration
	Timeout       time.Duration

	Copysets     Copysets
	Orchestrator Orchestrator
	LoadChecker  LoadChecker
	Logger       *zap.Logger
}

type Heartbeat struct {
	opts      Options
	log       *zap.Logger
	startTime time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New() *Heartbeat { return &Heartbeat{log: zap.NewNop()} }

func (h *Heartbeat) Init(opts Options) error {
	if opts.Copysets == nil {
		return ErrNoCopysets
	}
	if opts.Orchestrator == nil {
		return ErrNoOrchestrator
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LoadChecker == nil {
		log := opts.Logger
		opts.LoadChecker = func(ctx context.Context, addr string) bool {
			return ChunkServerLoadCopySetFin(ctx, log, addr)
		}
	}
	h.opts = opts
	h.log = opts.Logger.With(zap.Stringer("chunkserver", opts.Endpoint))
	h.startTime = time.Now()
	return nil
}

// Run starts the heartbeat loop.
func (h *Heartbeat) Run() error {
	if h.opts.Orchestrator == nil {
		return ErrNoOrchestrator
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.loop(ctx)
	return nil
}

// Fini stops the loop and waits for the in-flight round.
func (h *Heartbeat) Fini() error {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
	return nil
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.beat(ctx); err != nil && ctx.Err() == nil {
				h.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) error {
	req := h.BuildRequest()
	rctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	resp, err := h.opts.Orchestrator.Heartbeat(rctx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("send heartbeat %s: %w", req.RequestID, err)
	}
	h.ExecTask(ctx, resp)
	return nil
}

// BuildRequest snapshots every registered copyset.
func (h *Heartbeat) BuildRequest() *api.HeartbeatRequest {
	nodes := h.opts.Copysets.GetAllCopysetNodes()
	req := &api.HeartbeatRequest{
		RequestID:     uuid.NewString(),
		ChunkServerID: h.opts.ChunkServerID,
		Token:         h.opts.Token,
		IP:            h.opts.Endpoint.IP,
		Port:          h.opts.Endpoint.Port,
		StartTime:     h.startTime.Unix(),
		Copysets:      make([]api.CopysetInfo, 0, len(nodes)),
	}
	for _, n := range nodes {
		st := n.GetStatus()
		req.Copysets = append(req.Copysets, api.CopysetInfo{
			LogicPoolID:  n.LogicPoolID(),
			CopysetID:    n.CopysetID(),
			Epoch:        n.ConfEpoch(),
			Peers:        peer.Strings(n.Peers()),
			Leader:       st.Leader,
			AppliedIndex: st.KnownAppliedIndex,
		})
	}
	return req
}

// ExecTask applies the changes in resp one copyset at a time. A failed
// change is logged and the orchestrator reissues it on a later round.
func (h *Heartbeat) ExecTask(ctx context.Context, resp *api.HeartbeatResponse) {
	if resp == nil {
		return
	}
	for i := range resp.NeedUpdateCopysets {
		conf := &resp.NeedUpdateCopysets[i]
		h.execOne(ctx, conf)
	}
}

func (h *Heartbeat) execOne(ctx context.Context, conf *api.CopySetConf) {
	pool, cs := conf.LogicPoolID, conf.CopysetID
	log := h.log.With(
		zap.String("copyset", copyset.GroupIDString(pool, cs)),
		zap.Stringer("type", conf.Type))
	node := h.opts.Copysets.GetCopysetNode(pool, cs)

	if NeedPurge(h.log, h.opts.Endpoint, conf) {
		if !h.opts.Copysets.PurgeCopysetNodeData(pool, cs) {
			log.Error("purge copyset failed")
			return
		}
		log.Info("purge copyset success")
		return
	}
	if conf.Type == api.ConfigChangeNone {
		return
	}
	if !CopySetConfValid(h.log, conf, node) {
		return
	}
	mem, ok := node.(copyset.Membership)
	if !ok {
		log.Warn("copyset does not support membership changes")
		return
	}

	var err error
	switch conf.Type {
	case api.ConfigChangeTransferLeader:
		var target peer.Peer
		if target, err = peer.Parse(conf.ConfigChangeItem); err == nil {
			err = mem.TransferLeader(ctx, target)
		}
	case api.ConfigChangeAddPeer:
		var p peer.Peer
		if p, err = peer.Parse(conf.ConfigChangeItem); err != nil {
			break
		}
		if !h.opts.LoadChecker(ctx, conf.ConfigChangeItem) {
			log.Info("target chunkserver has not finished loading, skip",
				zap.String("target", conf.ConfigChangeItem))
			return
		}
		err = mem.AddPeer(ctx, p)
	case api.ConfigChangeRemovePeer:
		var p peer.Peer
		if p, err = peer.Parse(conf.ConfigChangeItem); err == nil {
			err = mem.RemovePeer(ctx, p)
		}
	case api.ConfigChangeChangePeer:
		newPeers, ok := BuildNewPeers(conf)
		if !ok {
			log.Error("build new peers failed",
				zap.Strings("peers", conf.Peers),
				zap.String("old", conf.OldPeer),
				zap.String("target", conf.ConfigChangeItem))
			return
		}
		if !h.opts.LoadChecker(ctx, conf.ConfigChangeItem) {
			log.Info("target chunkserver has not finished loading, skip",
				zap.String("target", conf.ConfigChangeItem))
			return
		}
		err = mem.ChangePeers(ctx, newPeers)
	default:
		log.Error("unknown config change type")
		return
	}
	if err != nil {
		log.Error("config change failed", zap.String("item", conf.ConfigChangeItem), zap.Error(err))
		return
	}
	log.Info("config change issued", zap.String("item", conf.ConfigChangeItem))
}

// GRPCOrchestrator sends heartbeats to the first reachable orchestrator
// address, sticking with it until a call fails.
type GRPCOrchestrator struct {
	mu      sync.Mutex
	addrs   []string
	current int
	conns   map[string]*grpc.ClientConn
}

func NewGRPCOrchestrator(addrs []string) (*GRPCOrchestrator, error) {
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return &GRPCOrchestrator{
		addrs: append([]string(nil), addrs...),
		conns: make(map[string]*grpc.ClientConn),
	}, nil
}

func (o *GRPCOrchestrator) conn() (string, *grpc.ClientConn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	addr := o.addrs[o.current]
	if c, ok := o.conns[addr]; ok {
		return addr, c, nil
	}
	c, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()), api.DialOption())
	if err != nil {
		return addr, nil, err
	}
	o.conns[addr] = c
	return addr, c, nil
}

func (o *GRPCOrchestrator) failover(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.addrs[o.current] == addr {
		o.current = (o.current + 1) % len(o.addrs)
	}
}

func (o *GRPCOrchestrator) Heartbeat(ctx context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	addr, c, err := o.conn()
	if err != nil {
		o.failover(addr)
		return nil, err
	}
	resp, err := api.NewHeartbeatServiceClient(c).Heartbeat(ctx, req)
	if err != nil {
		o.failover(addr)
		return nil, fmt.Errorf("orchestrator %s: %w", addr, err)
	}
	return resp, nil
}

// Current returns the address the next heartbeat goes to.
func (o *GRPCOrchestrator) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.addrs[o.current]
}

func (o *GRPCOrchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for addr, c := range o.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(o.conns, addr)
	}
	return errors.Join(errs...)
}
