package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsZeroConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadParsesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrald.toml")
	contents := `
shell = "/bin/zsh"
norc = true
log_level = "debug"

[env]
LANG = "C.UTF-8"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", cfg.Shell)
	assert.True(t, cfg.NoRC)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "C.UTF-8", cfg.Env["LANG"])
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("shell = ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestBestEffortAncestorFindsExistingDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c", "corrald.toml")

	ancestor, err := bestEffortAncestor(nested)
	require.NoError(t, err)
	assert.Equal(t, dir, ancestor)
}

func TestWatcherDebouncesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrald.toml")
	require.NoError(t, os.WriteFile(path, []byte(`shell = "/bin/sh"`), 0o600))

	reloaded := make(chan *Config, 8)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`shell = "/bin/bash"`), 0o600))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "/bin/bash", cfg.Shell)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never observed a reload")
	}

	// All three writes landed inside one debounce window, so they must have
	// coalesced into the single reload received above.
	select {
	case <-reloaded:
		t.Fatal("watcher reloaded more than once for writes inside one debounce window")
	case <-time.After(2 * debounceWindow):
	}
}
