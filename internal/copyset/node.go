package copyset

import (
	"context"
	"time"

	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/peer"
)

// NodeStatus is a point-in-time view of a replica's raft log.
type NodeStatus struct {
	State             string
	Leader            string
	Term              uint64
	FirstIndex        uint64
	LastIndex         uint64
	CommittedIndex    uint64
	KnownAppliedIndex uint64
}

// NodeOptions is handed to Node.Init by the manager.
type NodeOptions struct {
	ChunkDataURI     string
	ElectionTimeout  time.Duration
	SnapshotInterval time.Duration
	CatchupMargin    uint64
	Endpoint         peer.Endpoint
	FileSystem       fs.LocalFileSystem
}

// Node is one replica of a copyset.
type Node interface {
	Init(opts NodeOptions) error
	Run() error
	Fini()

	LogicPoolID() LogicPoolID
	CopysetID() CopysetID
	ConfEpoch() uint64
	CopysetDir() string
	Peers() []peer.Peer

	// GetStatus reports the local log.
	GetStatus() NodeStatus
	// GetLeaderStatus reports the leader's log. ok is false when no leader
	// is known or it cannot be reached.
	GetLeaderStatus() (status NodeStatus, ok bool)
}

// Stepper accepts raft messages routed by the transport service.
type Stepper interface {
	Step(ctx context.Context, from string, msg []byte) error
}

// Membership is implemented by nodes able to change their configuration.
type Membership interface {
	IsLeader() bool
	TransferLeader(ctx context.Context, target peer.Peer) error
	AddPeer(ctx context.Context, p peer.Peer) error
	RemovePeer(ctx context.Context, p peer.Peer) error
	ChangePeers(ctx context.Context, peers []peer.Peer) error
}

// NodeFactory builds an uninitialised node for a copyset. An empty conf
// means the membership is recovered from disk.
type NodeFactory func(pool LogicPoolID, cs CopysetID, conf []peer.Peer) Node

// Recycler moves copyset data out of the way when a copyset is purged.
type Recycler interface {
	RecycleCopyset(dir string) error
}

// Observer receives registry events. Metrics collectors implement it.
type Observer interface {
	CopysetCount(n int)
	LoadFinished(done bool)
	CopysetLoaded(d time.Duration)
	CatchUp(result CheckResult)
	CopysetCreated()
	CopysetDeleted()
	CopysetPurged(ok bool)
}

type nopObserver struct{}

func (nopObserver) CopysetCount(int)            {}
func (nopObserver) LoadFinished(bool)           {}
func (nopObserver) CopysetLoaded(time.Duration) {}
func (nopObserver) CatchUp(CheckResult)         {}
func (nopObserver) CopysetCreated()             {}
func (nopObserver) CopysetDeleted()             {}
func (nopObserver) CopysetPurged(bool)          {}
