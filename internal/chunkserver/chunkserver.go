// Package chunkserver assembles the copyset manager, its raft nodes, the
// gRPC server and the background workers into one process.
package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/config"
	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/heartbeat"
	"github.com/YechenGu/curve/internal/observability/metrics"
	"github.com/YechenGu/curve/internal/raftnode"
	grpcserver "github.com/YechenGu/curve/internal/server/grpc"
	"github.com/YechenGu/curve/internal/trash"
)

const lockFile = "chunkserver.lock"

var ErrDataDirInUse = errors.New("chunkserver: data dir is used by another process")

type ChunkServer struct {
	cfg *config.ServerConfig
	log *zap.Logger

	lock         *flock.Flock
	trash        *trash.Trash
	transport    *raftnode.GRPCTransport
	manager      *copyset.Manager
	server       *grpcserver.Server
	heartbeat    *heartbeat.Heartbeat
	orchestrator *heartbeat.GRPCOrchestrator
	metrics      *prometheus.Registry

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New wires every component. Nothing listens until Start.
func New(cfg *config.ServerConfig, log *zap.Logger) (*ChunkServer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ep, _ := cfg.Endpoint()
	cs := &ChunkServer{cfg: cfg, log: log, metrics: prometheus.NewRegistry()}

	if cfg.ChunkServer.DataDir != "" {
		if err := os.MkdirAll(cfg.ChunkServer.DataDir, 0o755); err != nil {
			return nil, err
		}
		lock := flock.New(filepath.Join(cfg.ChunkServer.DataDir, lockFile))
		hold, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock data dir: %w", err)
		}
		if !hold {
			return nil, ErrDataDirInUse
		}
		cs.lock = lock
	}

	tr, err := trash.New(cfg.TrashOptions(log.Named("trash")))
	if err != nil {
		cs.unlock()
		return nil, err
	}
	cs.trash = tr

	cs.transport = raftnode.NewGRPCTransport(nil)
	opts := cfg.CopysetOptions(log.Named("copyset"))
	opts.Trash = tr
	opts.Observer = metrics.NewCopysetCollector(cs.metrics, "curve")
	opts.NodeFactory = raftnode.NewFactory(raftnode.Config{
		Transport:    cs.transport,
		LeaderStatus: raftnode.GRPCLeaderStatus{Transport: cs.transport},
		TickInterval: cfg.RaftTick(),
		Logger:       log.Named("raft"),
	})
	cs.manager = copyset.NewManager()
	if err := cs.manager.Init(opts); err != nil {
		cs.unlock()
		return nil, err
	}

	registry := grpcserver.NewDefaultRegistry()
	if err := cs.manager.AddService(registry, ep); err != nil {
		cs.unlock()
		return nil, err
	}
	cs.server = grpcserver.New(cfg.GRPCConfig(log.Named("grpc")), registry)

	if len(cfg.Heartbeat.MdsAddrs) > 0 {
		orch, err := heartbeat.NewGRPCOrchestrator(cfg.Heartbeat.MdsAddrs)
		if err != nil {
			cs.unlock()
			return nil, err
		}
		hbOpts := cfg.HeartbeatOptions(log.Named("heartbeat"))
		hbOpts.Copysets = cs.manager
		hbOpts.Orchestrator = orch
		hb := heartbeat.New()
		if err := hb.Init(hbOpts); err != nil {
			_ = orch.Close()
			cs.unlock()
			return nil, err
		}
		cs.orchestrator, cs.heartbeat = orch, hb
	} else {
		log.Warn("no mds address configured, heartbeat disabled")
	}
	return cs, nil
}

// Start serves RPCs, loads every copyset found on disk and then reports
// the process healthy. It returns once loading is done.
func (c *ChunkServer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// peers must reach us while copysets catch up
	if err := c.server.Start(ctx); err != nil {
		return fmt.Errorf("start grpc server: %w", err)
	}
	if err := c.trash.Run(); err != nil {
		return err
	}
	if addr := c.cfg.Metrics.Address; addr != "" {
		if err := metrics.StartServer(ctx, addr, c.metrics, c.log.Named("metrics")); err != nil {
			return err
		}
	}
	if err := c.manager.Run(); err != nil {
		return fmt.Errorf("load copysets: %w", err)
	}
	c.server.SetServing(true)
	if c.heartbeat != nil {
		if err := c.heartbeat.Run(); err != nil {
			return err
		}
	}
	c.log.Info("chunkserver started",
		zap.Int("copysets", len(c.manager.GetAllCopysetNodes())),
		zap.Bool("loadFinished", c.manager.LoadFinished()))
	return nil
}

// Stop tears everything down in reverse order. It is safe to call more
// than once.
func (c *ChunkServer) Stop() {
	c.stopOnce.Do(func() {
		if c.heartbeat != nil {
			_ = c.heartbeat.Fini()
		}
		c.server.SetServing(false)
		if err := c.manager.Fini(); err != nil {
			c.log.Warn("stop copyset manager failed", zap.Error(err))
		}
		c.server.Stop()
		_ = c.trash.Fini()
		if err := c.transport.Close(); err != nil {
			c.log.Warn("close raft transport failed", zap.Error(err))
		}
		if c.orchestrator != nil {
			_ = c.orchestrator.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.unlock()
		c.log.Info("chunkserver stopped")
	})
}

func (c *ChunkServer) unlock() {
	if c.lock == nil {
		return
	}
	if err := c.lock.Unlock(); err != nil {
		c.log.Warn("unlock data dir failed", zap.Error(err))
	}
}

func (c *ChunkServer) Manager() *copyset.Manager { return c.manager }

// Addr is the bound gRPC address, nil before Start.
func (c *ChunkServer) Addr() net.Addr { return c.server.Addr() }
