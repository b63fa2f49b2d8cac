package copyset

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/peer"
)

var (
	ErrMalformedGroupID = errors.New("copyset: malformed group id")
	ErrLoadNotFinished  = errors.New("copyset: load not finished")
	ErrCopysetExists    = errors.New("copyset: already exists")
	ErrCopysetNotExist  = errors.New("copyset: not exist")
	ErrNotInitialized   = errors.New("copyset: manager not initialized")
	ErrNilRegistrar     = errors.New("copyset: nil service registrar")
)

const (
	DefaultCheckRetryTimes         = 3
	DefaultFinishLoadMargin        = 2000
	DefaultCheckLoadMarginInterval = time.Second
	DefaultElectionTimeout         = time.Second
)

// Options configures the copyset manager.
type Options struct {
	// ChunkDataURI is "<protocol>://<path>"; copysets live under the path.
	ChunkDataURI     string
	Endpoint         peer.Endpoint
	ElectionTimeout  time.Duration
	SnapshotInterval time.Duration
	CatchupMargin    uint64

	// LoadConcurrency is the number of loader workers used at startup.
	// Zero loads inline without checking catch-up progress.
	LoadConcurrency         int
	CheckRetryTimes         int
	FinishLoadMargin        uint64
	CheckLoadMarginInterval time.Duration

	FileSystem  fs.LocalFileSystem
	Trash       Recycler
	NodeFactory NodeFactory
	Logger      *zap.Logger
	Observer    Observer
}

func (o Options) withDefaults() Options {
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = DefaultElectionTimeout
	}
	if o.CheckRetryTimes <= 0 {
		o.CheckRetryTimes = DefaultCheckRetryTimes
	}
	if o.FinishLoadMargin == 0 {
		o.FinishLoadMargin = DefaultFinishLoadMargin
	}
	if o.CheckLoadMarginInterval <= 0 {
		o.CheckLoadMarginInterval = DefaultCheckLoadMarginInterval
	}
	if o.FileSystem == nil {
		o.FileSystem = fs.NewLocalFileSystem()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

func (o Options) nodeOptions() NodeOptions {
	return NodeOptions{
		ChunkDataURI:     o.ChunkDataURI,
		ElectionTimeout:  o.ElectionTimeout,
		SnapshotInterval: o.SnapshotInterval,
		CatchupMargin:    o.CatchupMargin,
		Endpoint:         o.Endpoint,
		FileSystem:       o.FileSystem,
	}
}
