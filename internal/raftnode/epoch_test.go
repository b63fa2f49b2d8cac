package raftnode

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochRoundTrip(t *testing.T) {
	dir := t.TempDir()

	epoch, err := loadEpoch(dir, 1, 100)
	require.NoError(t, err)
	require.Zero(t, epoch, "missing file")

	require.NoError(t, saveEpoch(dir, 1, 100, 7))
	epoch, err = loadEpoch(dir, 1, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(7), epoch)

	_, err = loadEpoch(dir, 1, 101)
	require.ErrorIs(t, err, ErrEpochCorrupted)
}

func TestEpochChecksum(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveEpoch(dir, 1, 100, 7))

	tampered := []byte(`{"logicPoolId":1,"copysetId":100,"epoch":8,"checksum":1}`)
	require.NoError(t, os.WriteFile(epochPath(dir), tampered, 0o644))
	_, err := loadEpoch(dir, 1, 100)
	require.ErrorIs(t, err, ErrEpochCorrupted)

	require.NoError(t, os.WriteFile(epochPath(dir), []byte("{"), 0o644))
	_, err = loadEpoch(dir, 1, 100)
	require.ErrorIs(t, err, ErrEpochCorrupted)
}
