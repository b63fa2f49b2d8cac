package copyset

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CheckResult is the outcome of waiting for a loaded copyset to catch up
// with its leader.
type CheckResult int

const (
	CatchUpInvalid CheckResult = iota
	CatchUpCaughtUp
	CatchUpInstallingSnapshot
	CatchUpGaveUp
	CatchUpAborted
)

func (r CheckResult) String() string {
	switch r {
	case CatchUpCaughtUp:
		return "caught_up"
	case CatchUpInstallingSnapshot:
		return "installing_snapshot"
	case CatchUpGaveUp:
		return "gave_up"
	case CatchUpAborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// CheckCopysetUntilLoadFinished polls the leader until the local replica's
// applied index is within FinishLoadMargin of the leader's commit index.
// It gives up after CheckRetryTimes consecutive failures to reach the
// leader, and returns early when the leader is about to send a snapshot.
// The result is informational; the node stays registered either way.
func (m *Manager) CheckCopysetUntilLoadFinished(node Node) CheckResult {
	if node == nil {
		m.log.Error("check load finished on nil copyset node")
		return CatchUpInvalid
	}
	ctx := m.context()
	label := GroupIDString(node.LogicPoolID(), node.CopysetID())
	log := m.log.With(zap.String("copyset", label))

	retry := 0
	for retry < m.opts.CheckRetryTimes {
		if !m.running.Load() {
			return CatchUpAborted
		}
		leader, ok := node.GetLeaderStatus()
		if !ok {
			retry++
			log.Info("leader status unavailable, retrying", zap.Int("retry", retry))
			if !sleepCtx(ctx, m.opts.ElectionTimeout) {
				return CatchUpAborted
			}
			continue
		}

		local := node.GetStatus()
		// the leader already truncated entries we still need
		if leader.FirstIndex > local.LastIndex {
			log.Info("copyset is installing snapshot",
				zap.Uint64("leaderFirstIndex", leader.FirstIndex),
				zap.Uint64("lastIndex", local.LastIndex))
			return CatchUpInstallingSnapshot
		}

		var gap uint64
		if leader.CommittedIndex > local.KnownAppliedIndex {
			gap = leader.CommittedIndex - local.KnownAppliedIndex
		}
		if gap < m.opts.FinishLoadMargin {
			log.Info("copyset load finished",
				zap.Uint64("leaderCommittedIndex", leader.CommittedIndex),
				zap.Uint64("knownAppliedIndex", local.KnownAppliedIndex))
			return CatchUpCaughtUp
		}

		retry = 0
		log.Debug("copyset catching up", zap.Uint64("gap", gap))
		if !sleepCtx(ctx, m.opts.CheckLoadMarginInterval) {
			return CatchUpAborted
		}
	}
	log.Warn("check copyset load finished gave up", zap.Int("retry", retry))
	return CatchUpGaveUp
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
