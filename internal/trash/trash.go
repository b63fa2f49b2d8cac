// Package trash holds purged copyset directories until they expire.
package trash

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YechenGu/curve/internal/fs"
)

var ErrNoTrashPath = errors.New("trash: trash path is required")

type Options struct {
	TrashPath    string
	ExpiredAfter time.Duration
	ScanPeriod   time.Duration
	FileSystem   fs.LocalFileSystem
	Logger       *zap.Logger
}

type Trash struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time

	// serialises recycle and expiry so a directory is never deleted
	// while it is being moved in
	mu sync.Mutex

	stopMu sync.Mutex
	stopC  chan struct{}
	wg     sync.WaitGroup
}

func New(opts Options) (*Trash, error) {
	if opts.TrashPath == "" {
		return nil, ErrNoTrashPath
	}
	if opts.ExpiredAfter <= 0 {
		opts.ExpiredAfter = time.Hour
	}
	if opts.ScanPeriod <= 0 {
		opts.ScanPeriod = time.Minute
	}
	if opts.FileSystem == nil {
		opts.FileSystem = fs.NewLocalFileSystem()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Trash{opts: opts, log: opts.Logger, now: time.Now}, nil
}

// RecycleCopyset moves dir to <trash>/<name>.<unix seconds>.
func (t *Trash) RecycleCopyset(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	lfs := t.opts.FileSystem
	if !lfs.DirExists(dir) {
		return fmt.Errorf("trash: copyset dir %s not exist", dir)
	}
	if !lfs.DirExists(t.opts.TrashPath) {
		if err := lfs.Mkdir(t.opts.TrashPath); err != nil {
			return fmt.Errorf("trash: create %s: %w", t.opts.TrashPath, err)
		}
	}
	dst := filepath.Join(t.opts.TrashPath,
		filepath.Base(filepath.Clean(dir))+"."+strconv.FormatInt(t.now().Unix(), 10))
	if lfs.DirExists(dst) {
		return fmt.Errorf("trash: %s already in trash", dst)
	}
	if err := lfs.Rename(dir, dst); err != nil {
		return fmt.Errorf("trash: move %s to %s: %w", dir, dst, err)
	}
	t.log.Info("copyset moved to trash", zap.String("from", dir), zap.String("to", dst))
	return nil
}

// DeleteEligibleFileInTrash removes trashed copysets older than
// ExpiredAfter. Names that do not look like trashed copysets are left
// alone.
func (t *Trash) DeleteEligibleFileInTrash() {
	t.mu.Lock()
	defer t.mu.Unlock()

	lfs := t.opts.FileSystem
	if !lfs.DirExists(t.opts.TrashPath) {
		return
	}
	names, err := lfs.List(t.opts.TrashPath)
	if err != nil {
		t.log.Error("list trash failed", zap.String("path", t.opts.TrashPath), zap.Error(err))
		return
	}
	now := t.now()
	for _, name := range names {
		at, ok := trashedAt(name)
		if !ok {
			continue
		}
		if now.Sub(at) < t.opts.ExpiredAfter {
			continue
		}
		p := filepath.Join(t.opts.TrashPath, name)
		if err := lfs.Delete(p); err != nil {
			t.log.Error("delete expired copyset failed", zap.String("path", p), zap.Error(err))
			continue
		}
		t.log.Info("expired copyset deleted", zap.String("path", p))
	}
}

// trashedAt parses "<groupid>.<unix seconds>".
func trashedAt(name string) (time.Time, bool) {
	id, ts, ok := strings.Cut(name, ".")
	if !ok {
		return time.Time{}, false
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

// Run starts the background expiry scan.
func (t *Trash) Run() error {
	t.stopMu.Lock()
	defer t.stopMu.Unlock()
	if t.stopC != nil {
		return nil
	}
	stopC := make(chan struct{})
	t.stopC = stopC
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.opts.ScanPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopC:
				return
			case <-ticker.C:
				t.DeleteEligibleFileInTrash()
			}
		}
	}()
	return nil
}

func (t *Trash) Fini() error {
	t.stopMu.Lock()
	if t.stopC != nil {
		close(t.stopC)
		t.stopC = nil
	}
	t.stopMu.Unlock()
	t.wg.Wait()
	return nil
}
