package tree

import (
	"context"
	"os"
	"sort"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// CreateImage appends a new image record to a device's index (spec section
// 4.5). It validates paths non-empty, that each path and its sibling .asc
// exist, and the type/base/minversion combination, then computes checksums
// and assigns Order by list position.
func (t *Tree) CreateImage(ctx context.Context, channel, device string, typ api.ImageType, version int, description string, paths []string, base, minVersion *int, bootme bool, versionDetail string) error {
	if len(paths) == 0 {
		return errs.NewInvalidArgument("image must reference at least one file")
	}
	if typ == api.TypeDelta && base == nil {
		return errs.NewInvalidArgument("delta image requires base")
	}
	if typ == api.TypeFull && base != nil {
		return errs.NewInvalidArgument("full image must not carry base")
	}
	if typ == api.TypeDelta && minVersion != nil {
		return errs.NewInvalidArgument("delta image must not carry minversion")
	}

	files := make([]api.File, len(paths))
	for i, p := range paths {
		abs := t.resolveTreePath(p)
		checksum, size, err := sha256File(abs)
		if err != nil {
			return errs.NewInvalidArgument("file %q does not exist", p)
		}
		sigPath := abs + ".asc"
		if _, err := os.Stat(sigPath); err != nil {
			return errs.NewInvalidArgument("file %q has no signature", p)
		}
		files[i] = api.File{Path: p, Signature: p + ".asc", Checksum: checksum, Size: size, Order: i}
	}

	img := api.Image{
		Type:             typ,
		Version:          version,
		Base:             base,
		Description:      description,
		Files:            files,
		Bootme:           bootme,
		MinVersion:       minVersion,
		VersionDetail:    versionDetail,
		PhasedPercentage: nil,
	}

	_, err := t.Store.WithIndex(ctx, devicePath(channel, device), true, func(idx *api.IndexDoc) error {
		for _, existing := range idx.Images {
			if keyOf(existing) == keyOf(img) {
				return errs.NewConflict("image (type=%s, version=%d) already exists", typ, version)
			}
		}
		idx.Images = append(idx.Images, img)
		return nil
	})
	return err
}

func (t *Tree) resolveTreePath(treePath string) string {
	return t.BasePath + treePath
}

// GetImage performs a single-match lookup by (type, version, base); it
// fails unless exactly one image record matches.
func (t *Tree) GetImage(ctx context.Context, channel, device string, typ api.ImageType, version int, base *int) (api.Image, error) {
	idx, err := t.Store.WithIndex(ctx, devicePath(channel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return api.Image{}, err
	}
	want := imageKey{version: version, typ: typ, base: -1}
	if base != nil {
		want.base = *base
	}
	var matches []api.Image
	for _, img := range idx.Images {
		if keyOf(img) == want {
			matches = append(matches, img)
		}
	}
	switch len(matches) {
	case 0:
		return api.Image{}, errs.NewNotFound("no image matches type=%s version=%d", typ, version)
	case 1:
		return matches[0], nil
	default:
		return api.Image{}, errs.NewCorrupt("multiple images match type=%s version=%d", typ, version)
	}
}

// RemoveImage removes the single matching image record.
func (t *Tree) RemoveImage(ctx context.Context, channel, device string, typ api.ImageType, version int, base *int) error {
	want := imageKey{version: version, typ: typ, base: -1}
	if base != nil {
		want.base = *base
	}
	_, err := t.Store.WithIndex(ctx, devicePath(channel, device), true, func(idx *api.IndexDoc) error {
		kept := idx.Images[:0]
		found := false
		for _, img := range idx.Images {
			if keyOf(img) == want {
				found = true
				continue
			}
			kept = append(kept, img)
		}
		if !found {
			return errs.NewNotFound("no image matches type=%s version=%d", typ, version)
		}
		idx.Images = kept
		return nil
	})
	return err
}

// SetDescription overwrites an image's description and per-language
// translations (spec section 4.5).
func (t *Tree) SetDescription(ctx context.Context, channel, device string, version int, description string, translations map[string]string) error {
	_, err := t.Store.WithIndex(ctx, devicePath(channel, device), true, func(idx *api.IndexDoc) error {
		for i := range idx.Images {
			if idx.Images[i].Version != version {
				continue
			}
			idx.Images[i].Description = description
			if len(translations) > 0 {
				if idx.Images[i].DescriptionTranslated == nil {
					idx.Images[i].DescriptionTranslated = map[string]string{}
				}
				for lang, text := range translations {
					idx.Images[i].DescriptionTranslated[lang] = text
				}
			}
			return nil
		}
		return errs.NewNotFound("no image at version %d", version)
	})
	return err
}

// SetPhasedPercentage sets or clears the phased-percentage on the latest
// version (spec section 4.5). p must be in [0,100]; 100 is stored as
// absence of the attribute. The targeted version must be the maximum
// version present.
func (t *Tree) SetPhasedPercentage(ctx context.Context, channel, device string, version, p int) error {
	if p < 0 || p > 100 {
		return errs.NewInvalidArgument("phased percentage %d out of range", p)
	}
	_, err := t.Store.WithIndex(ctx, devicePath(channel, device), true, func(idx *api.IndexDoc) error {
		maxVersion := -1
		for _, img := range idx.Images {
			if img.Version > maxVersion {
				maxVersion = img.Version
			}
		}
		if version != maxVersion {
			return errs.NewInvalidArgument("version %d is not the latest version", version)
		}
		for i := range idx.Images {
			if idx.Images[i].Version != version {
				continue
			}
			if p == 100 {
				idx.Images[i].PhasedPercentage = nil
			} else {
				v := p
				idx.Images[i].PhasedPercentage = &v
			}
			return nil
		}
		return errs.NewNotFound("no image at version %d", version)
	})
	return err
}

// GetPhasedPercentage returns the phased-percentage of the image at
// version, defaulting to 100 when absent.
func (t *Tree) GetPhasedPercentage(ctx context.Context, channel, device string, version int) (int, error) {
	idx, err := t.Store.WithIndex(ctx, devicePath(channel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return 0, err
	}
	for _, img := range idx.Images {
		if img.Version == version {
			if img.PhasedPercentage == nil {
				return 100, nil
			}
			return *img.PhasedPercentage, nil
		}
	}
	return 0, errs.NewNotFound("no image at version %d", version)
}

// ExpireImages keeps the newest keepFull full images by version, removes
// older fulls, and removes any delta whose version or base is in the
// removed set (spec section 4.2 "Expiry").
func (t *Tree) ExpireImages(ctx context.Context, channel, device string, keepFull int) error {
	_, err := t.Store.WithIndex(ctx, devicePath(channel, device), true, func(idx *api.IndexDoc) error {
		var fullVersions []int
		for _, img := range idx.Images {
			if img.Type == api.TypeFull {
				fullVersions = append(fullVersions, img.Version)
			}
		}
		if keepFull >= len(fullVersions) {
			return nil
		}
		sort.Sort(sort.Reverse(sort.IntSlice(fullVersions)))
		keep := map[int]bool{}
		for _, v := range fullVersions[:keepFull] {
			keep[v] = true
		}
		removed := map[int]bool{}
		for _, v := range fullVersions[keepFull:] {
			removed[v] = true
		}

		kept := idx.Images[:0]
		for _, img := range idx.Images {
			if img.Type == api.TypeFull {
				if removed[img.Version] {
					continue
				}
				kept = append(kept, img)
				continue
			}
			if removed[img.Version] || (img.Base != nil && removed[*img.Base]) {
				continue
			}
			kept = append(kept, img)
		}
		idx.Images = kept
		return nil
	})
	return err
}
