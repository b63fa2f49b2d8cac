package raftnode

import (
	"go.etcd.io/etcd/raft/v3"
	"go.uber.org/zap"
)

// raftLogger routes etcd raft logging through zap.
type raftLogger struct {
	*zap.SugaredLogger
}

var _ raft.Logger = raftLogger{}

func newRaftLogger(log *zap.Logger) raftLogger {
	return raftLogger{log.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l raftLogger) Warning(v ...interface{}) { l.Warn(v...) }

func (l raftLogger) Warningf(format string, v ...interface{}) { l.Warnf(format, v...) }
