package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Defaults(), cfg)
}

func TestLoadOverlaysProvidedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
relay_url: https://relay.example.com
bin_retention_secs: 10
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.com", cfg.RelayURL)
	require.Equal(t, int64(10), cfg.BinRetentionSecs)
	require.Equal(t, config.Defaults().BlobsDir, cfg.BlobsDir)
}

func TestLoadRejectsNegativeRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`secret_grace_secs: -1`), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}
