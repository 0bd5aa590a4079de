package tree

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/archive"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/versiontar"
)

type imageKey struct {
	version int
	base    int
	typ     api.ImageType
}

func keyOf(img api.Image) imageKey {
	base := -1
	if img.Base != nil {
		base = *img.Base
	}
	return imageKey{version: img.Version, base: base, typ: img.Type}
}

// SyncAlias reconciles an alias channel with its target, per the algorithm
// in spec section 4.2.
func (t *Tree) SyncAlias(ctx context.Context, name string) error {
	var targetName string
	var targetDevices, aliasDevices map[string]api.DeviceEntry
	_, err := t.Store.WithChannels(ctx, false, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		aliasEntry, ok := doc[name]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", name)
		}
		if aliasEntry.Alias == "" {
			return nil, errs.NewInvalidArgument("channel %q is not an alias", name)
		}
		targetName = aliasEntry.Alias
		targetEntry, ok := doc[targetName]
		if !ok {
			return nil, errs.NewInvalidArgument("alias target %q does not exist", targetName)
		}
		targetDevices = cloneDevices(targetEntry.Devices)
		aliasDevices = cloneDevices(aliasEntry.Devices)
		return doc, nil
	})
	if err != nil {
		return err
	}

	for dev := range aliasDevices {
		if _, ok := targetDevices[dev]; !ok {
			if err := t.RemoveDevice(ctx, name, dev); err != nil {
				return err
			}
		}
	}
	for dev := range targetDevices {
		if _, ok := aliasDevices[dev]; !ok {
			if err := t.CreateDevice(ctx, name, dev); err != nil {
				return err
			}
		}
	}
	for dev := range targetDevices {
		if err := t.syncAliasDevice(ctx, name, targetName, dev); err != nil {
			return err
		}
	}
	return nil
}

// SyncAliases fans SyncAlias out to every channel whose alias points at
// name, skipping any channel that is simultaneously a redirect (spec
// section 4.2: "a terminal hop").
func (t *Tree) SyncAliases(ctx context.Context, name string) error {
	var aliasNames []string
	_, err := t.Store.WithChannels(ctx, false, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		for n, entry := range doc {
			if entry.Alias == name && entry.Redirect == "" {
				aliasNames = append(aliasNames, n)
			}
		}
		return doc, nil
	})
	if err != nil {
		return err
	}
	sort.Strings(aliasNames)
	for _, n := range aliasNames {
		if err := t.SyncAlias(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) syncAliasDevice(ctx context.Context, aliasChannel, targetChannel, device string) error {
	targetIdx, err := t.Store.WithIndex(ctx, devicePath(targetChannel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return err
	}
	aliasIdx, err := t.Store.WithIndex(ctx, devicePath(aliasChannel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return err
	}

	targetByKey := map[imageKey]api.Image{}
	for _, img := range targetIdx.Images {
		targetByKey[keyOf(img)] = img
	}
	aliasHas := map[imageKey]bool{}
	for _, img := range aliasIdx.Images {
		aliasHas[keyOf(img)] = true
	}

	var toAdd []api.Image
	for k, img := range targetByKey {
		if !aliasHas[k] {
			toAdd = append(toAdd, img)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Version < toAdd[j].Version })

	_, err = t.Store.WithIndex(ctx, devicePath(aliasChannel, device), true, func(idx *api.IndexDoc) error {
		kept := idx.Images[:0]
		for _, img := range idx.Images {
			if _, stillPresent := targetByKey[keyOf(img)]; stillPresent {
				kept = append(kept, img)
			}
		}
		idx.Images = kept
		for _, img := range toAdd {
			cloned := img
			cloned.Files = append([]api.File{}, img.Files...)
			if err := t.regenerateVersionTar(ctx, &cloned, aliasChannel, targetChannel, device); err != nil {
				return err
			}
			idx.Images = append(idx.Images, cloned)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return t.copyLatestPhasedPercentage(ctx, targetChannel, aliasChannel, device)
}

// regenerateVersionTar replaces the version-stamp file inside img (if any)
// with one rebuilt to carry the alias channel's name and a
// channel_target pointing at targetChannel (spec section 4.2).
func (t *Tree) regenerateVersionTar(ctx context.Context, img *api.Image, aliasChannel, targetChannel, device string) error {
	versionName := fmt.Sprintf("version-%d.tar.xz", img.Version)
	idx := -1
	for i, f := range img.Files {
		if filepath.Base(f.Path) == versionName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	versionDetail := readStoredVersionDetail(t.BasePath, targetChannel, device, versionName)

	var buf bytes.Buffer
	adder := archive.NewTarAdder(tar.NewWriter(&buf))
	now := time.Now().UTC()
	ini := versiontar.ChannelIni{
		Channel:       aliasChannel,
		Device:        device,
		BuildNumber:   img.Version,
		ChannelTarget: targetChannel,
		VersionDetail: versionDetail,
	}
	if err := versiontar.Build(adder, img.Version, ini, now); err != nil {
		return err
	}
	if err := adder.Close(); err != nil {
		return err
	}

	dir := filepath.Join(t.BasePath, aliasChannel, device)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.NewExternal("mkdir "+dir, err)
	}
	outPath := filepath.Join(dir, versionName)
	f, err := os.Create(outPath)
	if err != nil {
		return errs.NewExternal("create "+outPath, err)
	}
	if err := codec.XZCompress(bytes.NewReader(buf.Bytes()), f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errs.NewExternal("close "+outPath, err)
	}

	sigPath, err := t.Store.Signer.Sign(ctx, outPath)
	if err != nil {
		return err
	}
	checksum, size, err := sha256File(outPath)
	if err != nil {
		return err
	}

	img.Files[idx] = api.File{
		Path:      "/" + aliasChannel + "/" + device + "/" + versionName,
		Signature: "/" + aliasChannel + "/" + device + "/" + filepath.Base(sigPath),
		Checksum:  checksum,
		Size:      size,
		Order:     img.Files[idx].Order,
	}
	return nil
}

// readStoredVersionDetail best-effort extracts a prior version_detail from
// the target's version-<N>.json sidecar.
func readStoredVersionDetail(basePath, targetChannel, device, versionName string) string {
	jsonName := strings.TrimSuffix(versionName, ".tar.xz") + ".json"
	raw, err := os.ReadFile(filepath.Join(basePath, targetChannel, device, jsonName))
	if err != nil {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	if vd, ok := m["version_detail"].(string); ok {
		return vd
	}
	return ""
}

func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errs.NewExternal("open "+path, err)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errs.NewExternal("hash "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// copyLatestPhasedPercentage copies the target device's phased-percentage
// (on its latest version) onto the alias device's matching record.
func (t *Tree) copyLatestPhasedPercentage(ctx context.Context, targetChannel, aliasChannel, device string) error {
	targetIdx, err := t.Store.WithIndex(ctx, devicePath(targetChannel, device), false, func(*api.IndexDoc) error { return nil })
	if err != nil {
		return err
	}
	var latest *api.Image
	for i := range targetIdx.Images {
		if latest == nil || targetIdx.Images[i].Version > latest.Version {
			latest = &targetIdx.Images[i]
		}
	}
	if latest == nil || latest.PhasedPercentage == nil {
		return nil
	}
	pct := *latest.PhasedPercentage
	_, err = t.Store.WithIndex(ctx, devicePath(aliasChannel, device), true, func(idx *api.IndexDoc) error {
		for i := range idx.Images {
			if idx.Images[i].Version == latest.Version {
				v := pct
				idx.Images[i].PhasedPercentage = &v
			}
		}
		return nil
	})
	return err
}
