package tree

import (
	"context"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// LatestFullImage returns the highest-version full image published for
// (channel, device), satisfying pkg/generator's CatalogReader interface so
// the "system-image" generator can copy a file forward from elsewhere in
// this same tree without pkg/generator importing this package.
func (t *Tree) LatestFullImage(ctx context.Context, channel, device string) (api.Image, error) {
	idx, err := t.Store.WithIndex(ctx, devicePath(channel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return api.Image{}, err
	}
	best := -1
	bestVersion := -1
	for i, img := range idx.Images {
		if img.Type != api.TypeFull {
			continue
		}
		if img.Version > bestVersion {
			bestVersion = img.Version
			best = i
		}
	}
	if best < 0 {
		return api.Image{}, errs.NewNotFound("no full image for %s/%s", channel, device)
	}
	return idx.Images[best], nil
}
