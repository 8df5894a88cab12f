package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadReadsServerSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.ini")
	content := "[server]\ntcp_port = 9999\npool_suffix = test.pool\nkv_cpu_mask = 0xf\nverbose = true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.TCPPort)
	require.Equal(t, "test.pool", cfg.PoolSuffix)
	require.Equal(t, "0xf", cfg.KVCPUMask)
	require.True(t, cfg.Verbose)

	// Missing keys keep the zero value so the caller can fall back to
	// its flag defaults.
	require.Zero(t, cfg.IBPort)
	require.Empty(t, cfg.NetCPUMask)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.ini"))
	require.Error(t, err)
}
