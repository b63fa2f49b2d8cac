package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/YechenGu/curve/internal/copyset"
	"github.com/YechenGu/curve/internal/peer"
)

const sample = `
chunkserver:
  id: 7
  token: secret
  ip: 127.0.0.1
  port: 8200
  dataDir: /data/chunkserver0
copyset:
  chunkDataUri: local:///data/chunkserver0/copysets
  electionTimeoutMs: 500
  snapshotIntervalS: 600
  catchupMargin: 1000
  loadConcurrency: 5
trash:
  path: /data/chunkserver0/recycler
  expiredAfterS: 120
heartbeat:
  mdsAddrs: ["127.0.0.1:6666", "127.0.0.1:6667"]
  intervalS: 3
metrics:
  address: 127.0.0.1:9200
log:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunkserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, sample))
	require.NoError(t, err)

	ep, err := cfg.Endpoint()
	require.NoError(t, err)
	require.Equal(t, peer.Endpoint{IP: "127.0.0.1", Port: 8200}, ep)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "127.0.0.1:9200", cfg.Metrics.Address)

	opts := cfg.CopysetOptions(nil)
	require.Equal(t, "local:///data/chunkserver0/copysets", opts.ChunkDataURI)
	require.Equal(t, ep, opts.Endpoint)
	require.Equal(t, 500*time.Millisecond, opts.ElectionTimeout)
	require.Equal(t, 10*time.Minute, opts.SnapshotInterval)
	require.Equal(t, uint64(1000), opts.CatchupMargin)
	require.Equal(t, 5, opts.LoadConcurrency)
	require.Equal(t, copyset.DefaultCheckRetryTimes, opts.CheckRetryTimes)
	require.Equal(t, uint64(copyset.DefaultFinishLoadMargin), opts.FinishLoadMargin)
	require.Equal(t, copyset.DefaultCheckLoadMarginInterval, opts.CheckLoadMarginInterval)
	require.Equal(t, 100*time.Millisecond, cfg.RaftTick())

	to := cfg.TrashOptions(nil)
	require.Equal(t, "/data/chunkserver0/recycler", to.TrashPath)
	require.Equal(t, 2*time.Minute, to.ExpiredAfter)
	require.Equal(t, time.Minute, to.ScanPeriod)

	ho := cfg.HeartbeatOptions(nil)
	require.Equal(t, uint32(7), ho.ChunkServerID)
	require.Equal(t, "secret", ho.Token)
	require.Equal(t, 3*time.Second, ho.Interval)
	require.Equal(t, 5*time.Second, ho.Timeout)

	require.Equal(t, "127.0.0.1:8200", cfg.GRPCConfig(nil).Address)
}

func TestLoadServerConfigRejectsInvalid(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadServerConfig(writeConfig(t, "chunkserver: ["))
	require.Error(t, err)

	cases := map[string]ServerConfig{
		"bad ip": {
			ChunkServer: ChunkServerConfig{IP: "nope", Port: 8200},
			Copyset:     CopysetConfig{ChunkDataURI: "local:///data"},
			Trash:       TrashConfig{Path: "/trash"},
		},
		"bad uri": {
			ChunkServer: ChunkServerConfig{IP: "127.0.0.1", Port: 8200},
			Copyset:     CopysetConfig{ChunkDataURI: "s3://bucket"},
			Trash:       TrashConfig{Path: "/trash"},
		},
		"no trash": {
			ChunkServer: ChunkServerConfig{IP: "127.0.0.1", Port: 8200},
			Copyset:     CopysetConfig{ChunkDataURI: "local:///data"},
		},
		"negative concurrency": {
			ChunkServer: ChunkServerConfig{IP: "127.0.0.1", Port: 8200},
			Copyset:     CopysetConfig{ChunkDataURI: "local:///data", LoadConcurrency: -1},
			Trash:       TrashConfig{Path: "/trash"},
		},
	}
	for name, cfg := range cases {
		require.Error(t, cfg.Validate(), name)
	}
}

func TestGRPCAddressOverride(t *testing.T) {
	cfg := ServerConfig{
		ChunkServer: ChunkServerConfig{IP: "127.0.0.1", Port: 8200},
		GRPC:        GRPCConfig{Address: "0.0.0.0:8200"},
	}
	require.Equal(t, "0.0.0.0:8200", cfg.GRPCConfig(nil).Address)
}
