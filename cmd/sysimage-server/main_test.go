package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCmdRegistersEverySubcommand(t *testing.T) {
	root := newRootCmd(&globalOptions{})
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"publish", "expire", "gc", "rename", "alias", "redirect", "delta"} {
		require.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestRootCmdRequiresBaseDir(t *testing.T) {
	root := newRootCmd(&globalOptions{})
	root.SetArgs([]string{"gc"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	require.Error(t, err)
}

func TestGCCmdSucceedsOnFreshTree(t *testing.T) {
	base := t.TempDir()
	root := newRootCmd(&globalOptions{})
	root.SetArgs([]string{"--base-dir", base, "gc"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	require.NoError(t, root.Execute())
}

func TestExpireCmdRequiresChannelAndDevice(t *testing.T) {
	base := t.TempDir()
	root := newRootCmd(&globalOptions{})
	root.SetArgs([]string{"--base-dir", base, "expire"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	require.Error(t, root.Execute())
}

func TestDeltaCmdRequiresSourceAndTarget(t *testing.T) {
	base := t.TempDir()
	root := newRootCmd(&globalOptions{})
	root.SetArgs([]string{"--base-dir", base, "delta"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	require.Error(t, root.Execute())
}

func TestPublishCmdFailsWhenConfigHasNoEntryForChannelDevice(t *testing.T) {
	base := t.TempDir()
	configPath := base + "/publish.yaml"
	require.NoError(t, os.WriteFile(configPath, []byte("channels: {}\n"), 0o644))

	root := newRootCmd(&globalOptions{})
	root.SetArgs([]string{
		"--base-dir", base, "publish",
		"--config", configPath, "--channel", "stable", "--device", "mako",
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "no configuration for channel")
}
