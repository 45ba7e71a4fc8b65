package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, hadOld := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if hadOld {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cyris", cfg.Base.Path)
	assert.Equal(t, DefaultLibvirtURI, cfg.Libvirt.URI)
	assert.Equal(t, DefaultFallbackURI, cfg.Libvirt.FallbackURI)
	assert.Equal(t, "10.64.0.0/10", cfg.Network.Pool)
	assert.Equal(t, 4, cfg.Audit.MaxConns)
}

func TestLoadHonoursCyrisEnvAliases(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	withEnv(t, "CYRIS_BASE", "/srv/cyris")
	withEnv(t, "CYRIS_LIBVIRT_URI", "qemu+ssh://host/system")
	withEnv(t, "CYRIS_MAX_WORKERS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/cyris", cfg.Base.Path)
	assert.Equal(t, "qemu+ssh://host/system", cfg.Libvirt.URI)
	assert.Equal(t, 4, cfg.Workers.Max)
}
