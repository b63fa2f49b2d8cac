package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/heartbeat"
	"github.com/YechenGu/curve/internal/peer"
	grpcserver "github.com/YechenGu/curve/internal/server/grpc"
	"github.com/YechenGu/curve/internal/trash"
)

type ServerConfig struct {
	ChunkServer ChunkServerConfig `yaml:"chunkserver"`
	Copyset     CopysetConfig     `yaml:"copyset"`
	Trash       TrashConfig       `yaml:"trash"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type ChunkServerConfig struct {
	ID    uint32 `yaml:"id"`
	Token string `yaml:"token"`
	IP    string `yaml:"ip"`
	Port  int    `yaml:"port"`
	// DataDir is locked for the lifetime of the process.
	DataDir string `yaml:"dataDir"`
}

type CopysetConfig struct {
	ChunkDataURI              string `yaml:"chunkDataUri"`
	ElectionTimeoutMs         int    `yaml:"electionTimeoutMs"`
	RaftTickMs                int    `yaml:"raftTickMs"`
	SnapshotIntervalS         int    `yaml:"snapshotIntervalS"`
	CatchupMargin             uint64 `yaml:"catchupMargin"`
	LoadConcurrency           int    `yaml:"loadConcurrency"`
	CheckRetryTimes           int    `yaml:"checkRetryTimes"`
	FinishLoadMargin          uint64 `yaml:"finishLoadMargin"`
	CheckLoadMarginIntervalMs int    `yaml:"checkLoadMarginIntervalMs"`
}

type TrashConfig struct {
	Path          string `yaml:"path"`
	ExpiredAfterS int    `yaml:"expiredAfterS"`
	ScanPeriodS   int    `yaml:"scanPeriodS"`
}

type HeartbeatConfig struct {
	MdsAddrs  []string `yaml:"mdsAddrs"`
	IntervalS int      `yaml:"intervalS"`
	TimeoutMs int      `yaml:"timeoutMs"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Validate checks the fields every chunkserver needs.
func (c *ServerConfig) Validate() error {
	if _, err := c.Endpoint(); err != nil {
		return fmt.Errorf("chunkserver endpoint: %w", err)
	}
	if _, _, err := fs.ParseURI(c.Copyset.ChunkDataURI); err != nil {
		return fmt.Errorf("copyset.chunkDataUri: %w", err)
	}
	if c.Trash.Path == "" {
		return fmt.Errorf("trash.path is empty")
	}
	if c.Copyset.LoadConcurrency < 0 {
		return fmt.Errorf("copyset.loadConcurrency must not be negative")
	}
	return nil
}

// Endpoint is the address this chunkserver advertises to peers.
func (c *ServerConfig) Endpoint() (peer.Endpoint, error) {
	return peer.ParseEndpoint(net.JoinHostPort(c.ChunkServer.IP, strconv.Itoa(c.ChunkServer.Port)))
}

// CopysetOptions fills the manager options from config. Collaborators
// that are built at runtime are left to the caller.
func (c *ServerConfig) CopysetOptions(logger *zap.Logger) copyset.Options {
	ep, _ := c.Endpoint()
	return copyset.Options{
		ChunkDataURI:            c.Copyset.ChunkDataURI,
		Endpoint:                ep,
		ElectionTimeout:         ms(c.Copyset.ElectionTimeoutMs, copyset.DefaultElectionTimeout),
		SnapshotInterval:        seconds(c.Copyset.SnapshotIntervalS, 0),
		CatchupMargin:           c.Copyset.CatchupMargin,
		LoadConcurrency:         c.Copyset.LoadConcurrency,
		CheckRetryTimes:         orInt(c.Copyset.CheckRetryTimes, copyset.DefaultCheckRetryTimes),
		FinishLoadMargin:        orUint(c.Copyset.FinishLoadMargin, copyset.DefaultFinishLoadMargin),
		CheckLoadMarginInterval: ms(c.Copyset.CheckLoadMarginIntervalMs, copyset.DefaultCheckLoadMarginInterval),
		Logger:                  logger,
	}
}

// RaftTick is the interval between raft ticks.
func (c *ServerConfig) RaftTick() time.Duration {
	return ms(c.Copyset.RaftTickMs, 100*time.Millisecond)
}

func (c *ServerConfig) TrashOptions(logger *zap.Logger) trash.Options {
	return trash.Options{
		TrashPath:    c.Trash.Path,
		ExpiredAfter: seconds(c.Trash.ExpiredAfterS, time.Hour),
		ScanPeriod:   seconds(c.Trash.ScanPeriodS, time.Minute),
		Logger:       logger,
	}
}

func (c *ServerConfig) HeartbeatOptions(logger *zap.Logger) heartbeat.Options {
	ep, _ := c.Endpoint()
	return heartbeat.Options{
		ChunkServerID: c.ChunkServer.ID,
		Token:         c.ChunkServer.Token,
		Endpoint:      ep,
		Interval:      seconds(c.Heartbeat.IntervalS, 10*time.Second),
		Timeout:       ms(c.Heartbeat.TimeoutMs, 5*time.Second),
		Logger:        logger,
	}
}

// GRPCConfig listens on the chunkserver endpoint unless an address is set.
func (c *ServerConfig) GRPCConfig(logger *zap.Logger) grpcserver.Config {
	addr := c.GRPC.Address
	if addr == "" {
		addr = net.JoinHostPort(c.ChunkServer.IP, strconv.Itoa(c.ChunkServer.Port))
	}
	return grpcserver.Config{Address: addr, Logger: logger}
}

func ms(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orUint(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}
