package trash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTrash(t *testing.T) (*Trash, string, string) {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "copysets")
	trashDir := filepath.Join(root, "recycler")
	require.NoError(t, os.MkdirAll(data, 0o755))
	tr, err := New(Options{TrashPath: trashDir, ExpiredAfter: time.Hour, ScanPeriod: 5 * time.Millisecond})
	require.NoError(t, err)
	return tr, data, trashDir
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Options{})
	require.ErrorIs(t, err, ErrNoTrashPath)
}

func TestRecycleCopyset(t *testing.T) {
	tr, data, trashDir := newTestTrash(t)
	tr.now = func() time.Time { return time.Unix(1700000000, 0) }

	dir := filepath.Join(data, "4294967297")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raft_meta"), 0o755))

	require.NoError(t, tr.RecycleCopyset(dir))
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(trashDir, "4294967297.1700000000", "raft_meta"))
	require.NoError(t, err)

	require.Error(t, tr.RecycleCopyset(dir), "source is gone")
}

func TestDeleteEligibleFileInTrash(t *testing.T) {
	tr, data, trashDir := newTestTrash(t)
	base := time.Unix(1700000000, 0)

	tr.now = func() time.Time { return base }
	old := filepath.Join(data, "1")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, tr.RecycleCopyset(old))

	tr.now = func() time.Time { return base.Add(30 * time.Minute) }
	fresh := filepath.Join(data, "2")
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, tr.RecycleCopyset(fresh))

	stray := filepath.Join(trashDir, "not-a-copyset")
	require.NoError(t, os.MkdirAll(stray, 0o755))

	tr.now = func() time.Time { return base.Add(61 * time.Minute) }
	tr.DeleteEligibleFileInTrash()

	entries, err := os.ReadDir(trashDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.ElementsMatch(t, []string{"2.1700001800", "not-a-copyset"}, names)
}

func TestRunExpiresInBackground(t *testing.T) {
	tr, data, trashDir := newTestTrash(t)
	base := time.Unix(1700000000, 0)
	tr.now = func() time.Time { return base }

	dir := filepath.Join(data, "3")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, tr.RecycleCopyset(dir))

	tr.mu.Lock()
	tr.now = func() time.Time { return base.Add(2 * time.Hour) }
	tr.mu.Unlock()

	require.NoError(t, tr.Run())
	require.NoError(t, tr.Run())
	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(trashDir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Fini())
	require.NoError(t, tr.Fini())
}

func TestTrashedAt(t *testing.T) {
	at, ok := trashedAt("4294967297.1700000000")
	require.True(t, ok)
	require.Equal(t, int64(1700000000), at.Unix())

	for _, bad := range []string{"4294967297", "x.1", "1.x", ""} {
		_, ok := trashedAt(bad)
		require.False(t, ok, bad)
	}
}
