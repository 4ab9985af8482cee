package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFromFileAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "masc.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "sql"
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "sql", cfg.Storage.Backend)
	require.Equal(t, ".masc/room", cfg.Storage.Path, "unset fields fall back to defaults")
	require.Equal(t, 300, cfg.Supervisor.ZombieThresholdSecs)
	require.Equal(t, "127.0.0.1:8877", cfg.Server.BindAddress)
}

func TestLoadFromFileMissingFileReturnsIoError(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("MASC_STORAGE_BACKEND", "sql")
	t.Setenv("MASC_BIND_ADDRESS", "0.0.0.0:9000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sql", cfg.Storage.Backend)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.BindAddress)
}
