package heartbeat

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/peer"
	api "github.com/YechenGu/curve/pkg/api"
)

// loadStatusTimeout bounds the remote load-finished query.
const loadStatusTimeout = 500 * time.Millisecond

// PeerValid reports whether addr is a well-formed ip:port:index.
func PeerValid(addr string) bool {
	return peer.Valid(addr)
}

// BuildNewPeers computes the membership after a CHANGE_PEER: the listed
// peers without the old peer, with the target appended. Every address
// involved must be valid.
func BuildNewPeers(conf *api.CopySetConf) ([]peer.Peer, bool) {
	target, err := peer.Parse(conf.ConfigChangeItem)
	if err != nil {
		return nil, false
	}
	old, err := peer.Parse(conf.OldPeer)
	if err != nil {
		return nil, false
	}

	out := make([]peer.Peer, 0, len(conf.Peers)+1)
	for _, addr := range conf.Peers {
		p, err := peer.Parse(addr)
		if err != nil {
			return nil, false
		}
		if p != old {
			out = append(out, p)
		}
	}
	return append(out, target), true
}

// CopySetConfValid checks that the copyset exists locally and that the
// instruction is not older than its current configuration.
func CopySetConfValid(log *zap.Logger, conf *api.CopySetConf, node copyset.Node) bool {
	label := copyset.GroupIDString(conf.LogicPoolID, conf.CopysetID)
	if node == nil {
		log.Error("copyset to change not found", zap.String("copyset", label))
		return false
	}
	if epoch := node.ConfEpoch(); conf.Epoch < epoch {
		log.Warn("config change epoch is stale, refuse change",
			zap.String("copyset", label),
			zap.Uint64("epoch", conf.Epoch),
			zap.Uint64("current", epoch))
		return false
	}
	return true
}

// NeedPurge reports whether the local replica of the copyset should be
// removed. The orchestrator reports copysets it has no record of with
// epoch 0 and no peers; those are always purged.
func NeedPurge(log *zap.Logger, local peer.Endpoint, conf *api.CopySetConf) bool {
	if conf.Epoch == 0 && len(conf.Peers) == 0 {
		log.Info("clean copyset not recorded by orchestrator",
			zap.String("copyset", copyset.GroupIDString(conf.LogicPoolID, conf.CopysetID)),
			zap.Stringer("chunkserver", local))
		return true
	}
	ep := local.String()
	for _, addr := range conf.Peers {
		if strings.Contains(addr, ep) {
			return false
		}
	}
	return true
}

// ChunkServerLoadCopySetFin asks the chunkserver hosting addr whether it has
// finished loading its copysets. Any failure counts as not finished.
func ChunkServerLoadCopySetFin(ctx context.Context, log *zap.Logger, addr string) bool {
	p, err := peer.Parse(addr)
	if err != nil {
		log.Warn("invalid peer", zap.String("peer", addr))
		return false
	}

	conn, err := grpc.NewClient(p.Endpoint.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()), api.DialOption())
	if err != nil {
		log.Error("init channel failed", zap.Stringer("endpoint", p.Endpoint), zap.Error(err))
		return false
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, loadStatusTimeout)
	defer cancel()
	resp, err := api.NewChunkServerServiceClient(conn).ChunkServerStatus(ctx, &api.ChunkServerStatusRequest{})
	if err != nil {
		log.Warn("send chunkserver status request failed", zap.Stringer("endpoint", p.Endpoint), zap.Error(err))
		return false
	}
	return resp.CopysetLoadFin
}
