package tree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/signer"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	return New(t.TempDir(), signer.NoOp{})
}

func TestCreateChannelRejectsDuplicate(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.Error(t, tr.CreateChannel(ctx, "stable"))
}

func TestCreateDeviceRequiresExistingChannel(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.Error(t, tr.CreateDevice(ctx, "stable", "mako"))

	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))
	require.Error(t, tr.CreateDevice(ctx, "stable", "mako"), "duplicate device must be rejected")
}

func TestRemoveChannelDeletesDirectoryUnlessRedirect(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	devDir := filepath.Join(tr.BasePath, "stable", "mako")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "marker"), []byte("x"), 0o644))

	require.NoError(t, tr.RemoveChannel(ctx, "stable"))
	_, err := os.Stat(filepath.Join(tr.BasePath, "stable"))
	require.True(t, os.IsNotExist(err), "channel directory must be removed")
}

func TestRemoveChannelPrunesPerDeviceRedirects(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))
	require.NoError(t, tr.CreateChannel(ctx, "rc"))
	require.NoError(t, tr.CreatePerDeviceChannelRedirect(ctx, "mako", "rc", "stable"))

	require.NoError(t, tr.RemoveChannel(ctx, "stable"))

	doc, err := tr.Store.WithChannels(ctx, false, func(d api.ChannelsDoc) (api.ChannelsDoc, error) { return d, nil })
	require.NoError(t, err)
	rc, ok := doc["rc"]
	require.True(t, ok)
	_, stillPresent := rc.Devices["mako"]
	require.False(t, stillPresent, "a per-device redirect must be pruned once its target channel is removed")
}

func TestRenameChannelMovesDirectoryAndRewritesPaths(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	devDir := filepath.Join(tr.BasePath, "stable", "mako")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "ubuntu-abc.tar.xz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "ubuntu-abc.tar.xz.asc"), []byte("sig"), 0o644))

	require.NoError(t, tr.CreateImage(ctx, "stable", "mako", api.TypeFull, 1, "first", []string{"/stable/mako/ubuntu-abc.tar.xz"}, nil, nil, false, ""))

	require.NoError(t, tr.RenameChannel(ctx, "stable", "ota"))

	_, err := os.Stat(filepath.Join(tr.BasePath, "stable"))
	require.True(t, os.IsNotExist(err))
	require.DirExists(t, filepath.Join(tr.BasePath, "ota", "mako"))

	idx, err := tr.Store.WithIndex(ctx, devicePath("ota", "mako"), false, func(*api.IndexDoc) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "/ota/mako/ubuntu-abc.tar.xz", idx.Images[0].Files[0].Path)
}

func TestCreateChannelAliasSyncsDevices(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	require.NoError(t, tr.CreateChannelAlias(ctx, "stable-alias", "stable"))

	doc, err := tr.Store.WithChannels(ctx, false, func(d api.ChannelsDoc) (api.ChannelsDoc, error) { return d, nil })
	require.NoError(t, err)
	alias, ok := doc["stable-alias"]
	require.True(t, ok)
	require.Contains(t, alias.Devices, "mako")
}

func TestListOrphanedFilesFindsUnreferencedFile(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	poolDir := filepath.Join(tr.BasePath, "pool")
	require.NoError(t, os.MkdirAll(poolDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(poolDir, "orphan.tar.xz"), []byte("x"), 0o644))

	orphans, err := tr.ListOrphanedFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, orphans, "/pool/orphan.tar.xz")
}

func TestListMissingFilesDetectsAbsentReferencedFile(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	poolDir := filepath.Join(tr.BasePath, "pool")
	require.NoError(t, os.MkdirAll(poolDir, 0o755))
	poolFile := filepath.Join(poolDir, "ubuntu-abc.tar.xz")
	require.NoError(t, os.WriteFile(poolFile, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(poolFile+".asc", []byte("sig"), 0o644))

	require.NoError(t, tr.CreateImage(ctx, "stable", "mako", api.TypeFull, 1, "first", []string{"/pool/ubuntu-abc.tar.xz"}, nil, nil, false, ""))
	require.NoError(t, os.Remove(poolFile))

	missing, err := tr.ListMissingFiles(ctx)
	require.NoError(t, err)
	require.Contains(t, missing, "/pool/ubuntu-abc.tar.xz")
}

func TestCleanupTreeRemovesOrphans(t *testing.T) {
	tr := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tr.CreateChannel(ctx, "stable"))
	require.NoError(t, tr.CreateDevice(ctx, "stable", "mako"))

	poolDir := filepath.Join(tr.BasePath, "pool")
	require.NoError(t, os.MkdirAll(poolDir, 0o755))
	orphanPath := filepath.Join(poolDir, "orphan.tar.xz")
	require.NoError(t, os.WriteFile(orphanPath, []byte("x"), 0o644))

	require.NoError(t, tr.CleanupTree(ctx))

	_, err := os.Stat(orphanPath)
	require.True(t, os.IsNotExist(err))
}
