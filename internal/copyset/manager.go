package copyset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/fs"
	"github.com/YechenGu/curve/internal/peer"
	"github.com/YechenGu/curve/internal/throttle"
)

// Manager owns every copyset replica hosted by this chunkserver. It loads
// the replicas found on disk at startup and creates, deletes and purges
// them on request.
//
// Node.Fini may block on raft shutdown, so it is never called while the
// registry lock is held.
type Manager struct {
	opts Options
	log  *zap.Logger
	obs  Observer

	mu    sync.RWMutex
	nodes map[GroupID]Node

	running      atomic.Bool
	loadFinished atomic.Bool

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	loader *throttle.Throttle
}

func NewManager() *Manager {
	return &Manager{
		nodes: make(map[GroupID]Node),
		log:   zap.NewNop(),
		obs:   nopObserver{},
	}
}

// Init stores the options. It must be called before Run.
func (m *Manager) Init(opts Options) error {
	if opts.NodeFactory == nil {
		return fmt.Errorf("%w: node factory is required", ErrNotInitialized)
	}
	if _, _, err := fs.ParseURI(opts.ChunkDataURI); err != nil {
		return err
	}
	m.opts = opts.withDefaults()
	m.log = m.opts.Logger
	m.obs = m.opts.Observer
	return nil
}

// Run loads the copysets present on disk. Only the first call after Init
// or Fini does anything. Creation requests are refused until Run succeeds.
func (m *Manager) Run() error {
	if m.opts.NodeFactory == nil {
		return ErrNotInitialized
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}

	m.lifeMu.Lock()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.opts.LoadConcurrency > 0 {
		loader := throttle.New()
		if err := loader.Start(m.opts.LoadConcurrency); err != nil {
			m.lifeMu.Unlock()
			m.log.Error("start copyset loader failed",
				zap.Int("concurrency", m.opts.LoadConcurrency), zap.Error(err))
			return err
		}
		m.loader = loader
	}
	m.lifeMu.Unlock()

	if err := m.ReloadCopysets(); err != nil {
		return err
	}
	if m.running.Load() {
		m.loadFinished.Store(true)
		m.obs.LoadFinished(true)
		m.log.Info("reload copysets success", zap.Int("copysets", m.count()))
	}
	return nil
}

// Fini shuts every copyset down and empties the registry.
func (m *Manager) Fini() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.loadFinished.Store(false)
	m.obs.LoadFinished(false)

	m.lifeMu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	loader := m.loader
	m.loader = nil
	m.lifeMu.Unlock()
	if loader != nil {
		loader.Stop()
	}

	nodes := m.GetAllCopysetNodes()
	for _, n := range nodes {
		n.Fini()
	}

	m.mu.Lock()
	m.nodes = make(map[GroupID]Node)
	m.mu.Unlock()
	m.obs.CopysetCount(0)
	m.log.Info("copyset manager stopped", zap.Int("copysets", len(nodes)))
	return nil
}

// ReloadCopysets loads every copyset directory under the data path. With a
// loader each copyset is loaded on a worker and checked for catch-up;
// otherwise they are loaded inline without the check.
func (m *Manager) ReloadCopysets() error {
	_, dataDir, err := fs.ParseURI(m.opts.ChunkDataURI)
	if err != nil {
		return err
	}

	m.lifeMu.Lock()
	loader := m.loader
	m.lifeMu.Unlock()
	defer m.releaseLoader(loader)

	if !m.opts.FileSystem.DirExists(dataDir) {
		m.log.Info("data dir not exist, copysets were never created", zap.String("dir", dataDir))
		return nil
	}
	names, err := m.opts.FileSystem.List(dataDir)
	if err != nil {
		m.log.Error("list copyset dirs failed", zap.String("dir", dataDir), zap.Error(err))
		return fmt.Errorf("copyset: list %s: %w", dataDir, err)
	}

	for _, name := range names {
		id, err := ParseGroupID(name)
		if err != nil {
			m.log.Error("parse copyset dir failed", zap.String("name", name), zap.Error(err))
			return err
		}
		pool, cs := id.PoolID(), id.CopysetID()
		m.log.Info("found copyset dir",
			zap.String("name", name), zap.String("copyset", GroupIDString(pool, cs)))

		if loader == nil {
			m.LoadCopyset(pool, cs, false)
			continue
		}
		if err := loader.Enqueue(func() { m.LoadCopyset(pool, cs, true) }); err != nil {
			// Fini stopped the loader under us
			m.log.Warn("copyset loader stopped, abort reload", zap.Error(err))
			return nil
		}
	}

	if loader != nil {
		loader.Wait()
	}
	return nil
}

// releaseLoader stops the startup loader once reloading is over.
func (m *Manager) releaseLoader(loader *throttle.Throttle) {
	if loader == nil {
		return
	}
	m.lifeMu.Lock()
	if m.loader == loader {
		m.loader = nil
	}
	m.lifeMu.Unlock()
	loader.Stop()
}

// LoadCopyset opens an existing copyset from disk and registers it.
func (m *Manager) LoadCopyset(pool LogicPoolID, cs CopysetID, checkLoadFinished bool) {
	label := GroupIDString(pool, cs)
	log := m.log.With(zap.String("copyset", label))
	log.Info("begin to load copyset", zap.Bool("checkLoadFinished", checkLoadFinished))
	begin := time.Now()

	node, err := m.newNode(pool, cs, nil)
	if err != nil {
		log.Error("load copyset failed", zap.Error(err))
		return
	}
	if !m.insertIfNotExist(ToGroupID(pool, cs), node) {
		node.Fini()
		log.Error("insert copyset failed")
		return
	}
	if checkLoadFinished {
		m.obs.CatchUp(m.CheckCopysetUntilLoadFinished(node))
	}
	elapsed := time.Since(begin)
	m.obs.CopysetLoaded(elapsed)
	log.Info("load copyset end", zap.Duration("elapsed", elapsed))
}

func (m *Manager) newNode(pool LogicPoolID, cs CopysetID, conf []peer.Peer) (Node, error) {
	node := m.opts.NodeFactory(pool, cs, conf)
	if node == nil {
		return nil, errors.New("copyset: node factory returned nil")
	}
	if err := node.Init(m.opts.nodeOptions()); err != nil {
		return nil, fmt.Errorf("copyset %s init: %w", GroupIDString(pool, cs), err)
	}
	if err := node.Run(); err != nil {
		node.Fini()
		return nil, fmt.Errorf("copyset %s run: %w", GroupIDString(pool, cs), err)
	}
	return node, nil
}

func (m *Manager) insertIfNotExist(id GroupID, node Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	// a stopped manager must not pick up new nodes, Fini already swept
	if !m.running.Load() {
		return false
	}
	if _, ok := m.nodes[id]; ok {
		m.log.Warn("copyset already exists",
			zap.String("copyset", GroupIDString(id.PoolID(), id.CopysetID())))
		return false
	}
	m.nodes[id] = node
	m.obs.CopysetCount(len(m.nodes))
	m.log.Info("insert copyset success",
		zap.String("copyset", GroupIDString(id.PoolID(), id.CopysetID())))
	return true
}

// CreateCopysetNode creates and starts a new copyset with the given
// initial membership.
func (m *Manager) CreateCopysetNode(pool LogicPoolID, cs CopysetID, conf []peer.Peer) error {
	label := GroupIDString(pool, cs)
	if !m.loadFinished.Load() {
		m.log.Warn("create copyset failed: load unfinished", zap.String("copyset", label))
		return ErrLoadNotFinished
	}

	id := ToGroupID(pool, cs)
	var failed Node
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.nodes[id]; ok {
			m.log.Warn("copyset already exists", zap.String("copyset", label))
			return ErrCopysetExists
		}
		node := m.opts.NodeFactory(pool, cs, conf)
		if node == nil {
			return errors.New("copyset: node factory returned nil")
		}
		if err := node.Init(m.opts.nodeOptions()); err != nil {
			m.log.Error("copyset init failed", zap.String("copyset", label), zap.Error(err))
			return fmt.Errorf("copyset %s init: %w", label, err)
		}
		if err := node.Run(); err != nil {
			failed = node
			m.log.Error("copyset run failed", zap.String("copyset", label), zap.Error(err))
			return fmt.Errorf("copyset %s run: %w", label, err)
		}
		m.nodes[id] = node
		m.obs.CopysetCount(len(m.nodes))
		return nil
	}()
	if failed != nil {
		failed.Fini()
	}
	if err != nil {
		return err
	}
	m.obs.CopysetCreated()
	m.log.Info("create copyset success",
		zap.String("copyset", label), zap.Strings("peers", peer.Strings(conf)))
	return nil
}

// CreateCopysetNodeFromPeers parses the peer addresses and creates the
// copyset.
func (m *Manager) CreateCopysetNodeFromPeers(pool LogicPoolID, cs CopysetID, addrs []string) error {
	conf, err := peer.ParseAll(addrs)
	if err != nil {
		return err
	}
	return m.CreateCopysetNode(pool, cs, conf)
}

// DeleteCopysetNode shuts the copyset down and removes it from the
// registry. The data stays on disk.
func (m *Manager) DeleteCopysetNode(pool LogicPoolID, cs CopysetID) bool {
	removed, found := m.remove(pool, cs, nil)
	if removed {
		m.obs.CopysetDeleted()
		m.log.Info("delete copyset success", zap.String("copyset", GroupIDString(pool, cs)))
	}
	return found
}

// PurgeCopysetNodeData shuts the copyset down, moves its directory to the
// trash and removes it from the registry. It reports false when the
// copyset is unknown or its data could not be recycled.
func (m *Manager) PurgeCopysetNodeData(pool LogicPoolID, cs CopysetID) bool {
	label := GroupIDString(pool, cs)
	var recycleErr error
	removed, found := m.remove(pool, cs, func(node Node) {
		if m.opts.Trash == nil {
			recycleErr = errors.New("copyset: no trash configured")
			return
		}
		recycleErr = m.opts.Trash.RecycleCopyset(node.CopysetDir())
	})
	if !removed {
		return found && recycleErr == nil
	}
	if recycleErr != nil {
		m.obs.CopysetPurged(false)
		m.log.Error("recycle copyset failed", zap.String("copyset", label), zap.Error(recycleErr))
		return false
	}
	m.obs.CopysetPurged(true)
	m.log.Info("move copyset to trash success", zap.String("copyset", label))
	return true
}

// remove runs the two phase removal shared by delete and purge: shut the
// node down without holding the lock, then erase it under the write lock.
// beforeErase runs under the write lock. removed reports whether the second
// phase erased an entry, found whether either phase saw one.
func (m *Manager) remove(pool LogicPoolID, cs CopysetID, beforeErase func(Node)) (removed, found bool) {
	id := ToGroupID(pool, cs)

	stopped := m.GetCopysetNode(pool, cs)
	if stopped != nil {
		stopped.Fini()
	}

	var stray Node
	m.mu.Lock()
	cur, ok := m.nodes[id]
	if ok {
		if beforeErase != nil {
			beforeErase(cur)
		}
		delete(m.nodes, id)
		m.obs.CopysetCount(len(m.nodes))
		if cur != stopped {
			stray = cur
		}
	}
	m.mu.Unlock()

	if stray != nil {
		// replaced between the two phases
		stray.Fini()
	}
	return ok, ok || stopped != nil
}

// IsExist reports whether the copyset is registered.
func (m *Manager) IsExist(pool LogicPoolID, cs CopysetID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[ToGroupID(pool, cs)]
	return ok
}

// GetCopysetNode returns the registered node or nil.
func (m *Manager) GetCopysetNode(pool LogicPoolID, cs CopysetID) Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[ToGroupID(pool, cs)]
}

// GetAllCopysetNodes returns a snapshot of the registered nodes.
func (m *Manager) GetAllCopysetNodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

func (m *Manager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// LoadFinished reports whether startup loading has completed.
func (m *Manager) LoadFinished() bool { return m.loadFinished.Load() }

func (m *Manager) Running() bool { return m.running.Load() }

// Endpoint is the address this chunkserver serves on.
func (m *Manager) Endpoint() peer.Endpoint { return m.opts.Endpoint }

func (m *Manager) context() context.Context {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}
