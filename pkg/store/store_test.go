package store

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

func TestWithChannelsCreatesDefaultWhenAbsent(t *testing.T) {
	tr := newTestTree(t)
	doc, err := tr.WithChannels(context.Background(), false, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		return d, nil
	})
	require.NoError(t, err)
	require.Empty(t, doc)
}

func TestWithChannelsCommitsAndSigns(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.WithChannels(context.Background(), true, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		d["stable"] = api.ChannelEntry{Devices: map[string]api.DeviceEntry{
			"mako": {Index: "/stable/mako/index.json"},
		}}
		return d, nil
	})
	require.NoError(t, err)

	require.FileExists(t, tr.ChannelsPath())
	require.FileExists(t, tr.ChannelsPath()+".asc")

	doc, err := tr.WithChannels(context.Background(), false, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		return d, nil
	})
	require.NoError(t, err)
	require.Contains(t, doc, "stable")
}

func TestWithChannelsSkipsCommitWhenUnchanged(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.WithChannels(context.Background(), true, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		d["stable"] = api.ChannelEntry{Devices: map[string]api.DeviceEntry{}}
		return d, nil
	})
	require.NoError(t, err)

	before, err := os.Stat(tr.ChannelsPath())
	require.NoError(t, err)

	_, err = tr.WithChannels(context.Background(), true, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		return d, nil
	})
	require.NoError(t, err)

	after, err := os.Stat(tr.ChannelsPath())
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime(), "an unchanged document must not be rewritten")
}

func TestWithChannelsRejectsCorruptFile(t *testing.T) {
	tr := newTestTree(t)
	require.NoError(t, os.WriteFile(tr.ChannelsPath(), []byte("not json"), 0o644))

	_, err := tr.WithChannels(context.Background(), false, func(d api.ChannelsDoc) (api.ChannelsDoc, error) {
		return d, nil
	})
	require.Error(t, err)
}

func TestWithIndexCreatesDeviceDirOnCommit(t *testing.T) {
	tr := newTestTree(t)
	_, err := tr.WithIndex(context.Background(), "stable/mako", true, func(doc *api.IndexDoc) error {
		doc.Images = append(doc.Images, api.Image{Type: api.TypeFull, Version: 1})
		return nil
	})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(tr.BasePath, "stable/mako", "index.json"))
}

func TestWithIndexStampsGeneratedAtAndPhasedPercentage(t *testing.T) {
	tr := newTestTree(t)
	p50 := 50
	_, err := tr.WithIndex(context.Background(), "stable/mako", true, func(doc *api.IndexDoc) error {
		doc.Images = []api.Image{
			{Type: api.TypeFull, Version: 1, PhasedPercentage: &p50},
			{Type: api.TypeFull, Version: 2, PhasedPercentage: &p50},
		}
		return nil
	})
	require.NoError(t, err)

	doc, err := tr.WithIndex(context.Background(), "stable/mako", false, func(*api.IndexDoc) error { return nil })
	require.NoError(t, err)
	require.NotEmpty(t, doc.Global.GeneratedAt)
	require.Nil(t, doc.Images[0].PhasedPercentage, "only the highest version keeps phased-percentage")
	require.NotNil(t, doc.Images[1].PhasedPercentage)
}
