package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesChannelDeviceGeneratorMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "publish.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channels:
  stable:
    mako:
      generators:
        - generator: version
          args: {}
        - generator: cdimage-ubuntu
          args:
            series: xenial
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Channels["stable"]["mako"].Generators, 2)
	require.Equal(t, "cdimage-ubuntu", cfg.Channels["stable"]["mako"].Generators[1].Generator)
	require.Equal(t, "xenial", cfg.Channels["stable"]["mako"].Generators[1].Args["series"])
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	_, err := LoadConfig[struct {
		Known string `json:"known"`
	}]([]byte("known: ok\nunknown: nope\n"))
	require.Error(t, err)
}

func TestLoadConfigDecodesKnownFields(t *testing.T) {
	got, err := LoadConfig[struct {
		Known string `json:"known"`
	}]([]byte("known: ok\n"))
	require.NoError(t, err)
	require.Equal(t, "ok", got.Known)
}
