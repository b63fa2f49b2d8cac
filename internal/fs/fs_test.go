package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	proto, path, err := ParseURI("local:///data/copysets")
	require.NoError(t, err)
	require.Equal(t, "local", proto)
	require.Equal(t, "/data/copysets", path)

	for _, bad := range []string{"", "/data", "local://", "://x", "s3://bucket"} {
		_, _, err := ParseURI(bad)
		require.ErrorIs(t, err, ErrBadURI, bad)
	}
}

func TestLocalFileSystem(t *testing.T) {
	dir := t.TempDir()
	lfs := NewLocalFileSystem()

	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, lfs.Mkdir(sub))
	require.True(t, lfs.DirExists(sub))
	require.False(t, lfs.FileExists(sub))

	f := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	require.True(t, lfs.FileExists(f))

	names, err := lfs.List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "file"}, names)

	moved := filepath.Join(dir, "moved")
	require.NoError(t, lfs.Rename(filepath.Join(dir, "a"), moved))
	require.True(t, lfs.DirExists(filepath.Join(moved, "b")))

	require.NoError(t, lfs.Delete(moved))
	require.False(t, lfs.DirExists(moved))

	_, err = lfs.List(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
