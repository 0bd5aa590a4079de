package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfonelabs/system-image-server/pkg/api"
)

func TestMatchFileByPrefixFindsExactDashPrefix(t *testing.T) {
	img := api.Image{Files: []api.File{
		{Path: "/pool/device-abc123.tar.xz"},
		{Path: "/pool/ubuntu-def456.tar.xz"},
	}}

	f, err := matchFileByPrefix(img, "device")
	require.NoError(t, err)
	require.Equal(t, "/pool/device-abc123.tar.xz", f.Path)
}

func TestMatchFileByPrefixNoMatchIsNotFound(t *testing.T) {
	img := api.Image{Files: []api.File{{Path: "/pool/ubuntu-def456.tar.xz"}}}
	_, err := matchFileByPrefix(img, "device")
	require.Error(t, err)
}

func TestLatestFullImagePicksHighestVersionFullOnly(t *testing.T) {
	doc := api.IndexDoc{Images: []api.Image{
		{Type: api.TypeFull, Version: 1},
		{Type: api.TypeDelta, Version: 5},
		{Type: api.TypeFull, Version: 3},
	}}
	img, err := latestFullImage(doc)
	require.NoError(t, err)
	require.Equal(t, 3, img.Version)
}

func TestLatestFullImageNoFullImagesIsNotFound(t *testing.T) {
	doc := api.IndexDoc{Images: []api.Image{{Type: api.TypeDelta, Version: 1}}}
	_, err := latestFullImage(doc)
	require.Error(t, err)
}

type fakeCatalogReader struct {
	img api.Image
	err error
}

func (f fakeCatalogReader) LatestFullImage(ctx context.Context, channel, device string) (api.Image, error) {
	return f.img, f.err
}

func TestSystemImageGeneratorRequiresCatalogReader(t *testing.T) {
	deps := &Deps{}
	_, err := systemImageGenerator{}.Generate(context.Background(), deps, map[string]string{"channel": "stable", "device": "mako", "name": "device"}, &api.Environment{})
	require.Error(t, err)
}

func TestSystemImageGeneratorCopiesMatchedFileUnchanged(t *testing.T) {
	deps := &Deps{Catalog: fakeCatalogReader{img: api.Image{
		Files: []api.File{{Path: "/pool/device-abc123.tar.xz", Checksum: "abc123"}},
	}}}
	env := &api.Environment{}

	f, err := systemImageGenerator{}.Generate(context.Background(), deps, map[string]string{
		"channel": "stable", "device": "mako", "name": "device",
	}, env)
	require.NoError(t, err)
	require.Equal(t, "/pool/device-abc123.tar.xz", f.Path)
	require.Contains(t, env.VersionDetail.String(), "device=stable/mako")
}
