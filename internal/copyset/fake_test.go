package copyset

import (
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YechenGu/curve/internal/peer"
)

type fakeNode struct {
	pool LogicPoolID
	cs   CopysetID
	conf []peer.Peer

	initErr error
	runErr  error

	mu       sync.Mutex
	opts     NodeOptions
	inited   bool
	ran      bool
	finis    int
	epoch    uint64
	status   NodeStatus
	leaderFn func(call int) (NodeStatus, bool)
	calls    int
}

func (n *fakeNode) Init(opts NodeOptions) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opts = opts
	n.inited = true
	return n.initErr
}

func (n *fakeNode) Run() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runErr != nil {
		return n.runErr
	}
	n.ran = true
	return nil
}

func (n *fakeNode) Fini() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finis++
}

func (n *fakeNode) finiCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.finis
}

func (n *fakeNode) LogicPoolID() LogicPoolID { return n.pool }
func (n *fakeNode) CopysetID() CopysetID     { return n.cs }

func (n *fakeNode) ConfEpoch() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epoch
}

func (n *fakeNode) CopysetDir() string {
	return path.Join("/data/copysets", ToGroupID(n.pool, n.cs).String())
}

func (n *fakeNode) Peers() []peer.Peer { return n.conf }

func (n *fakeNode) GetStatus() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *fakeNode) GetLeaderStatus() (NodeStatus, bool) {
	n.mu.Lock()
	fn := n.leaderFn
	call := n.calls
	n.calls++
	n.mu.Unlock()
	if fn == nil {
		return NodeStatus{}, false
	}
	return fn(call)
}

func (n *fakeNode) leaderCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// fakeFS serves a fixed directory listing.
type fakeFS struct {
	dirs    map[string][]string
	listErr error
}

func (f *fakeFS) DirExists(p string) bool { _, ok := f.dirs[p]; return ok }
func (f *fakeFS) FileExists(string) bool  { return false }
func (f *fakeFS) Mkdir(string) error      { return nil }
func (f *fakeFS) Rename(string, string) error {
	return nil
}
func (f *fakeFS) Delete(string) error { return nil }

func (f *fakeFS) List(p string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.dirs[p], nil
}

type fakeTrash struct {
	mu       sync.Mutex
	err      error
	recycled []string
}

func (t *fakeTrash) RecycleCopyset(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recycled = append(t.recycled, dir)
	return t.err
}

func (t *fakeTrash) calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.recycled...)
}

type harness struct {
	mgr   *Manager
	fs    *fakeFS
	trash *fakeTrash

	mu    sync.Mutex
	nodes []*fakeNode
	// prepare customises each node before it is handed to the manager.
	prepare func(*fakeNode)
}

const testDataDir = "/data/copysets"

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		fs:    &fakeFS{dirs: map[string][]string{}},
		trash: &fakeTrash{},
	}
	opts := Options{
		ChunkDataURI:            "local://" + testDataDir,
		Endpoint:                peer.Endpoint{IP: "127.0.0.1", Port: 8200},
		ElectionTimeout:         time.Millisecond,
		CheckLoadMarginInterval: time.Millisecond,
		FileSystem:              h.fs,
		Trash:                   h.trash,
		NodeFactory:             h.factory,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.mgr = NewManager()
	require.NoError(t, h.mgr.Init(opts))
	t.Cleanup(func() { _ = h.mgr.Fini() })
	return h
}

func (h *harness) factory(pool LogicPoolID, cs CopysetID, conf []peer.Peer) Node {
	n := &fakeNode{pool: pool, cs: cs, conf: conf}
	h.mu.Lock()
	prepare := h.prepare
	h.nodes = append(h.nodes, n)
	h.mu.Unlock()
	if prepare != nil {
		prepare(n)
	}
	return n
}

func (h *harness) built() []*fakeNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeNode(nil), h.nodes...)
}

func (h *harness) setDirs(names ...string) {
	h.fs.dirs[testDataDir] = names
}

var errBoom = errors.New("boom")
