package raftnode

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

const (
	metaDir   = "raft_meta"
	epochFile = "conf.epoch"
)

var ErrEpochCorrupted = errors.New("raftnode: conf epoch file corrupted")

type confEpoch struct {
	LogicPoolID uint32 `json:"logicPoolId"`
	CopysetID   uint32 `json:"copysetId"`
	Epoch       uint64 `json:"epoch"`
	Checksum    uint32 `json:"checksum"`
}

func (c confEpoch) sum() uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%d:%d:%d", c.LogicPoolID, c.CopysetID, c.Epoch)))
}

func epochPath(copysetDir string) string {
	return filepath.Join(copysetDir, metaDir, epochFile)
}

// loadEpoch reads the persisted configuration epoch. A missing file
// yields epoch 0.
func loadEpoch(copysetDir string, pool, cs uint32) (uint64, error) {
	data, err := os.ReadFile(epochPath(copysetDir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var c confEpoch
	if err := json.Unmarshal(data, &c); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrEpochCorrupted, err)
	}
	if c.Checksum != c.sum() {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrEpochCorrupted)
	}
	if c.LogicPoolID != pool || c.CopysetID != cs {
		return 0, fmt.Errorf("%w: belongs to (%d, %d)", ErrEpochCorrupted, c.LogicPoolID, c.CopysetID)
	}
	return c.Epoch, nil
}

func saveEpoch(copysetDir string, pool, cs uint32, epoch uint64) error {
	c := confEpoch{LogicPoolID: pool, CopysetID: cs, Epoch: epoch}
	c.Checksum = c.sum()
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	path := epochPath(copysetDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
