// Package raftnode runs one copyset replica on etcd raft.
package raftnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/peer"
)

const (
	defaultTickInterval = 100 * time.Millisecond
	sendTimeout         = time.Second
	leaderStatusTimeout = 500 * time.Millisecond
	maxSizePerMsg       = 1 << 20
	maxInflightMsgs     = 256
	raftDir             = "raft"
)

var (
	ErrNotLeader       = errors.New("raftnode: not leader")
	ErrNotRunning      = errors.New("raftnode: not running")
	ErrNotInitialized  = errors.New("raftnode: not initialized")
	ErrNoConfiguration = errors.New("raftnode: no persisted state and no initial peers")
	ErrUnknownPeer     = errors.New("raftnode: peer is not a member")
)

// Config is shared by every node a factory builds.
type Config struct {
	Transport    Transport
	LeaderStatus LeaderStatusFetcher
	TickInterval time.Duration
	Logger       *zap.Logger
}

// NewFactory returns a copyset.NodeFactory building raft nodes.
func NewFactory(cfg Config) copyset.NodeFactory {
	return func(pool copyset.LogicPoolID, cs copyset.CopysetID, conf []peer.Peer) copyset.Node {
		return New(pool, cs, conf, cfg)
	}
}

// PeerID maps a peer address to its raft node id.
func PeerID(p peer.Peer) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.String()))
	if id := h.Sum64(); id != raft.None {
		return id
	}
	return 1
}

// snapshotState travels in raft snapshots so a follower restored from one
// learns the membership addresses and epoch it skipped.
type snapshotState struct {
	Peers []string `json:"peers"`
	Epoch uint64   `json:"epoch"`
}

type Node struct {
	pool copyset.LogicPoolID
	cs   copyset.CopysetID
	gid  copyset.GroupID
	conf []peer.Peer
	cfg  Config
	log  *zap.Logger

	opts    copyset.NodeOptions
	self    peer.Peer
	id      uint64
	dir     string
	storage *Storage

	mu      sync.RWMutex
	members map[uint64]peer.Peer
	routes  map[uint64]peer.Peer
	leader  uint64
	state   raft.StateType
	epoch   uint64
	applied uint64

	lifeMu   sync.Mutex
	finished bool
	rn       raft.Node
	running  atomic.Bool
	stopC    chan struct{}
	doneC    chan struct{}
	sendWG   sync.WaitGroup
}

var (
	_ copyset.Node       = (*Node)(nil)
	_ copyset.Stepper    = (*Node)(nil)
	_ copyset.Membership = (*Node)(nil)
)

func New(pool copyset.LogicPoolID, cs copyset.CopysetID, conf []peer.Peer, cfg Config) *Node {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return &Node{
		pool:    pool,
		cs:      cs,
		gid:     copyset.ToGroupID(pool, cs),
		conf:    append([]peer.Peer(nil), conf...),
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("copyset", copyset.GroupIDString(pool, cs))),
		members: make(map[uint64]peer.Peer),
		routes:  make(map[uint64]peer.Peer),
	}
}

func (n *Node) Init(opts copyset.NodeOptions) error {
	_, root, err := fs.ParseURI(opts.ChunkDataURI)
	if err != nil {
		return err
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.NewLocalFileSystem()
	}
	n.opts = opts
	n.self = peer.Peer{Endpoint: opts.Endpoint}
	n.id = PeerID(n.self)
	n.dir = filepath.Join(root, n.gid.String())
	if !opts.FileSystem.DirExists(n.dir) {
		if err := opts.FileSystem.Mkdir(n.dir); err != nil {
			return fmt.Errorf("create copyset dir: %w", err)
		}
	}

	epoch, err := loadEpoch(n.dir, n.pool, n.cs)
	if err != nil {
		return err
	}
	storage, err := OpenStorage(filepath.Join(n.dir, raftDir))
	if err != nil {
		return err
	}
	n.storage = storage

	n.mu.Lock()
	defer n.mu.Unlock()
	n.epoch = epoch
	n.applied = storage.Applied()
	n.routes[n.id] = n.self
	for _, s := range storage.Peers() {
		p, err := peer.Parse(s)
		if err != nil {
			n.log.Warn("skip malformed persisted peer", zap.String("peer", s), zap.Error(err))
			continue
		}
		n.members[PeerID(p)] = p
		n.routes[PeerID(p)] = p
	}
	for _, p := range n.conf {
		n.routes[PeerID(p)] = p
	}
	return nil
}

func (n *Node) Run() error {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.storage == nil || n.finished {
		return ErrNotInitialized
	}
	if n.running.Load() {
		return nil
	}

	c := &raft.Config{
		ID:              n.id,
		ElectionTick:    electionTicks(n.opts.ElectionTimeout, n.cfg.TickInterval),
		HeartbeatTick:   1,
		Storage:         n.storage,
		Applied:         n.storage.Applied(),
		MaxSizePerMsg:   maxSizePerMsg,
		MaxInflightMsgs: maxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          newRaftLogger(n.log),
	}
	switch {
	case !n.storage.IsEmpty():
		n.rn = raft.RestartNode(c)
	case n.inConf():
		n.rn = raft.StartNode(c, bootstrapPeers(n.conf))
	case len(n.conf) > 0:
		// joining an existing group; the leader replicates the configuration
		n.rn = raft.RestartNode(c)
	default:
		return ErrNoConfiguration
	}

	n.stopC = make(chan struct{})
	n.doneC = make(chan struct{})
	n.running.Store(true)
	go n.run()
	n.log.Info("copyset node started", zap.Uint64("raftID", n.id), zap.Uint64("applied", c.Applied))
	return nil
}

func (n *Node) Fini() {
	n.lifeMu.Lock()
	defer n.lifeMu.Unlock()
	if n.finished {
		return
	}
	n.finished = true
	if n.running.CompareAndSwap(true, false) {
		close(n.stopC)
		<-n.doneC
		n.rn.Stop()
		n.sendWG.Wait()
	}
	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			n.log.Warn("close raft storage failed", zap.Error(err))
		}
	}
	n.log.Info("copyset node stopped")
}

func (n *Node) inConf() bool {
	for _, p := range n.conf {
		if PeerID(p) == n.id {
			return true
		}
	}
	return false
}

// bootstrapPeers orders peers by id so every initial member writes the
// same bootstrap entries.
func bootstrapPeers(conf []peer.Peer) []raft.Peer {
	peers := make([]raft.Peer, 0, len(conf))
	seen := make(map[uint64]bool, len(conf))
	for _, p := range conf {
		id := PeerID(p)
		if seen[id] {
			continue
		}
		seen[id] = true
		peers = append(peers, raft.Peer{ID: id, Context: []byte(p.String())})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func electionTicks(timeout, tick time.Duration) int {
	ticks := int(timeout / tick)
	if ticks < 3 {
		ticks = 3
	}
	return ticks
}

func (n *Node) run() {
	defer close(n.doneC)
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	var snapC <-chan time.Time
	if n.opts.SnapshotInterval > 0 {
		snapTicker := time.NewTicker(n.opts.SnapshotInterval)
		defer snapTicker.Stop()
		snapC = snapTicker.C
	}

	for {
		select {
		case <-ticker.C:
			n.rn.Tick()
		case <-snapC:
			n.maybeSnapshot()
		case rd := <-n.rn.Ready():
			if err := n.storage.Save(rd.HardState, rd.Entries, rd.Snapshot); err != nil {
				n.log.Error("persist raft state failed, replica halted", zap.Error(err))
				return
			}
			if !raft.IsEmptySnap(rd.Snapshot) {
				n.restoreSnapshot(rd.Snapshot)
			}
			if rd.SoftState != nil {
				n.mu.Lock()
				n.leader = rd.SoftState.Lead
				n.state = rd.SoftState.RaftState
				n.mu.Unlock()
			}
			n.send(rd.Messages)
			n.apply(rd.CommittedEntries)
			n.rn.Advance()
		case <-n.stopC:
			return
		}
	}
}

func (n *Node) send(msgs []raftpb.Message) {
	for _, m := range msgs {
		to, ok := n.route(m.To)
		if !ok || n.cfg.Transport == nil {
			n.rn.ReportUnreachable(m.To)
			continue
		}
		n.sendWG.Add(1)
		go func(m raftpb.Message, to peer.Peer) {
			defer n.sendWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			err := n.cfg.Transport.Send(ctx, n.gid, n.self.String(), to.Endpoint, m)
			if m.Type == raftpb.MsgSnap {
				status := raft.SnapshotFinish
				if err != nil {
					status = raft.SnapshotFailure
				}
				n.rn.ReportSnapshot(m.To, status)
			}
			if err != nil {
				n.log.Debug("send raft message failed",
					zap.Stringer("to", to), zap.Stringer("type", m.Type), zap.Error(err))
				n.rn.ReportUnreachable(m.To)
			}
		}(m, to)
	}
}

func (n *Node) apply(ents []raftpb.Entry) {
	if len(ents) == 0 {
		return
	}
	last := uint64(0)
	for i := range ents {
		e := ents[i]
		if e.Index <= n.appliedIndex() {
			continue
		}
		switch e.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(e.Data); err != nil {
				n.log.Error("decode conf change failed", zap.Uint64("index", e.Index), zap.Error(err))
				break
			}
			n.applyConfChange(cc, decodeContext(cc.Context))
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(e.Data); err != nil {
				n.log.Error("decode conf change failed", zap.Uint64("index", e.Index), zap.Error(err))
				break
			}
			n.applyConfChange(cc, decodeContext(cc.Context))
		}
		n.mu.Lock()
		n.applied = e.Index
		n.mu.Unlock()
		last = e.Index
	}
	if last > 0 {
		if err := n.storage.SetApplied(last); err != nil {
			n.log.Error("persist applied index failed", zap.Uint64("applied", last), zap.Error(err))
		}
	}
}

func (n *Node) applyConfChange(cc raftpb.ConfChangeI, added []peer.Peer) {
	cs := n.rn.ApplyConfChange(cc)
	if err := n.storage.SetConfState(cs); err != nil {
		n.log.Error("persist conf state failed", zap.Error(err))
	}
	changes := cc.AsV2().Changes
	if len(changes) == 0 {
		// leaving a joint configuration
		return
	}

	byID := make(map[uint64]peer.Peer, len(added))
	for _, p := range added {
		byID[PeerID(p)] = p
	}

	n.mu.Lock()
	for _, ch := range changes {
		switch ch.Type {
		case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
			if p, ok := byID[ch.NodeID]; ok {
				n.members[ch.NodeID] = p
				n.routes[ch.NodeID] = p
			}
		case raftpb.ConfChangeRemoveNode:
			delete(n.members, ch.NodeID)
		}
	}
	n.epoch++
	epoch := n.epoch
	members := n.memberStringsLocked()
	n.mu.Unlock()

	if err := n.storage.SetPeers(members); err != nil {
		n.log.Error("persist peers failed", zap.Error(err))
	}
	if err := saveEpoch(n.dir, n.pool, n.cs, epoch); err != nil {
		n.log.Error("persist conf epoch failed", zap.Uint64("epoch", epoch), zap.Error(err))
	}
	n.log.Info("configuration changed", zap.Uint64("epoch", epoch), zap.Strings("peers", members))
}

// decodeContext reads the peers carried by a conf change: a JSON list for
// joint changes, a single address otherwise.
func decodeContext(data []byte) []peer.Peer {
	if len(data) == 0 {
		return nil
	}
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		addrs = []string{string(data)}
	}
	peers := make([]peer.Peer, 0, len(addrs))
	for _, a := range addrs {
		if p, err := peer.Parse(a); err == nil {
			peers = append(peers, p)
		}
	}
	return peers
}

func (n *Node) restoreSnapshot(snap raftpb.Snapshot) {
	var st snapshotState
	if err := json.Unmarshal(snap.Data, &st); err != nil {
		n.log.Error("decode snapshot failed", zap.Uint64("index", snap.Metadata.Index), zap.Error(err))
		return
	}
	n.mu.Lock()
	n.members = make(map[uint64]peer.Peer, len(st.Peers))
	for _, s := range st.Peers {
		if p, err := peer.Parse(s); err == nil {
			n.members[PeerID(p)] = p
			n.routes[PeerID(p)] = p
		}
	}
	n.epoch = st.Epoch
	n.applied = snap.Metadata.Index
	members := n.memberStringsLocked()
	n.mu.Unlock()

	if err := n.storage.SetPeers(members); err != nil {
		n.log.Error("persist peers failed", zap.Error(err))
	}
	if err := saveEpoch(n.dir, n.pool, n.cs, st.Epoch); err != nil {
		n.log.Error("persist conf epoch failed", zap.Error(err))
	}
	if err := n.storage.SetApplied(snap.Metadata.Index); err != nil {
		n.log.Error("persist applied index failed", zap.Error(err))
	}
	n.log.Info("installed snapshot", zap.Uint64("index", snap.Metadata.Index), zap.Uint64("epoch", st.Epoch))
}

// maybeSnapshot records a snapshot at the applied index and keeps
// CatchupMargin entries behind it for lagging followers.
func (n *Node) maybeSnapshot() {
	applied := n.appliedIndex()
	snap, _ := n.storage.Snapshot()
	if applied <= snap.Metadata.Index {
		return
	}
	n.mu.RLock()
	data, err := json.Marshal(snapshotState{Peers: n.memberStringsLocked(), Epoch: n.epoch})
	n.mu.RUnlock()
	if err != nil {
		n.log.Error("encode snapshot failed", zap.Error(err))
		return
	}
	cs := n.storage.ConfState()
	if _, err := n.storage.CreateSnapshot(applied, &cs, data); err != nil {
		if !errors.Is(err, raft.ErrSnapOutOfDate) {
			n.log.Error("create snapshot failed", zap.Uint64("applied", applied), zap.Error(err))
		}
		return
	}
	if applied <= n.opts.CatchupMargin {
		return
	}
	compact := applied - n.opts.CatchupMargin
	first, _ := n.storage.FirstIndex()
	if compact < first {
		return
	}
	if err := n.storage.Compact(compact); err != nil && !errors.Is(err, raft.ErrCompacted) {
		n.log.Error("compact raft log failed", zap.Uint64("index", compact), zap.Error(err))
		return
	}
	n.log.Debug("raft log compacted", zap.Uint64("snapshot", applied), zap.Uint64("compact", compact))
}

// Step feeds a message received from another replica. from is the
// sender's peer address and is remembered so replies can be routed before
// the sender shows up in the configuration.
func (n *Node) Step(ctx context.Context, from string, data []byte) error {
	if !n.running.Load() {
		return ErrNotRunning
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(data); err != nil {
		return fmt.Errorf("decode raft message: %w", err)
	}
	if from != "" && msg.From != raft.None {
		if p, err := peer.Parse(from); err == nil && PeerID(p) == msg.From {
			n.mu.Lock()
			n.routes[msg.From] = p
			n.mu.Unlock()
		}
	}
	return n.rn.Step(ctx, msg)
}

func (n *Node) route(id uint64) (peer.Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.routes[id]
	return p, ok
}

func (n *Node) appliedIndex() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.applied
}

func (n *Node) memberStringsLocked() []string {
	out := make([]string, 0, len(n.members))
	for _, p := range n.members {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

func (n *Node) LogicPoolID() copyset.LogicPoolID { return n.pool }

func (n *Node) CopysetID() copyset.CopysetID { return n.cs }

func (n *Node) CopysetDir() string { return n.dir }

func (n *Node) ConfEpoch() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.epoch
}

// Peers returns the current members sorted by address.
func (n *Node) Peers() []peer.Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]peer.Peer, 0, len(n.members))
	for _, p := range n.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func stateName(s raft.StateType) string {
	switch s {
	case raft.StateLeader:
		return "LEADER"
	case raft.StateCandidate:
		return "CANDIDATE"
	case raft.StatePreCandidate:
		return "PRE_CANDIDATE"
	default:
		return "FOLLOWER"
	}
}

func (n *Node) GetStatus() copyset.NodeStatus {
	if !n.running.Load() {
		return copyset.NodeStatus{State: "SHUTDOWN", KnownAppliedIndex: n.appliedIndex()}
	}
	st := n.rn.Status()
	first, _ := n.storage.FirstIndex()
	last, _ := n.storage.LastIndex()
	status := copyset.NodeStatus{
		State:             stateName(st.RaftState),
		Term:              st.Term,
		FirstIndex:        first,
		LastIndex:         last,
		CommittedIndex:    st.Commit,
		KnownAppliedIndex: n.appliedIndex(),
	}
	if p, ok := n.route(st.Lead); ok && st.Lead != raft.None {
		status.Leader = p.String()
	}
	return status
}

func (n *Node) GetLeaderStatus() (copyset.NodeStatus, bool) {
	if !n.running.Load() {
		return copyset.NodeStatus{}, false
	}
	lead := n.rn.Status().Lead
	if lead == raft.None {
		return copyset.NodeStatus{}, false
	}
	if lead == n.id {
		return n.GetStatus(), true
	}
	leader, ok := n.route(lead)
	if !ok || n.cfg.LeaderStatus == nil {
		return copyset.NodeStatus{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), leaderStatusTimeout)
	defer cancel()
	st, err := n.cfg.LeaderStatus.LeaderStatus(ctx, leader, n.pool, n.cs)
	if err != nil {
		n.log.Debug("fetch leader status failed", zap.Stringer("leader", leader), zap.Error(err))
		return copyset.NodeStatus{}, false
	}
	return st, true
}

func (n *Node) IsLeader() bool {
	if !n.running.Load() {
		return false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leader == n.id && n.state == raft.StateLeader
}

func (n *Node) isMember(id uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.members[id]
	return ok
}

func (n *Node) TransferLeader(ctx context.Context, target peer.Peer) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	id := PeerID(target)
	if !n.isMember(id) {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, target)
	}
	if id == n.id {
		return nil
	}
	n.rn.TransferLeadership(ctx, n.id, id)
	return nil
}

func (n *Node) AddPeer(ctx context.Context, p peer.Peer) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	id := PeerID(p)
	if n.isMember(id) {
		return nil
	}
	n.mu.Lock()
	n.routes[id] = p
	n.mu.Unlock()
	return n.rn.ProposeConfChange(ctx, raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  id,
		Context: []byte(p.String()),
	})
}

func (n *Node) RemovePeer(ctx context.Context, p peer.Peer) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	id := PeerID(p)
	if !n.isMember(id) {
		return nil
	}
	return n.rn.ProposeConfChange(ctx, raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: id,
	})
}

// ChangePeers moves the group to exactly peers, through a joint
// configuration when more than one member changes.
func (n *Node) ChangePeers(ctx context.Context, peers []peer.Peer) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	want := make(map[uint64]peer.Peer, len(peers))
	for _, p := range peers {
		want[PeerID(p)] = p
	}

	var (
		changes []raftpb.ConfChangeSingle
		added   []string
	)
	n.mu.Lock()
	for id, p := range want {
		if _, ok := n.members[id]; !ok {
			changes = append(changes, raftpb.ConfChangeSingle{Type: raftpb.ConfChangeAddNode, NodeID: id})
			added = append(added, p.String())
			n.routes[id] = p
		}
	}
	for id := range n.members {
		if _, ok := want[id]; !ok {
			changes = append(changes, raftpb.ConfChangeSingle{Type: raftpb.ConfChangeRemoveNode, NodeID: id})
		}
	}
	n.mu.Unlock()
	if len(changes) == 0 {
		return nil
	}
	// deterministic order for the log
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Type != changes[j].Type {
			return changes[i].Type < changes[j].Type
		}
		return changes[i].NodeID < changes[j].NodeID
	})
	sort.Strings(added)

	data, err := json.Marshal(added)
	if err != nil {
		return err
	}
	return n.rn.ProposeConfChange(ctx, raftpb.ConfChangeV2{Changes: changes, Context: data})
}
