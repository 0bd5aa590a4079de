package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// matchFileByPrefix returns the image's File whose basename up to (and
// excluding) its last "-" equals prefix (spec section 4.3.1, "system-image").
func matchFileByPrefix(img api.Image, prefix string) (api.File, error) {
	for _, f := range img.Files {
		base := filepath.Base(f.Path)
		idx := strings.LastIndex(base, "-")
		if idx < 0 {
			continue
		}
		if base[:idx] == prefix {
			return f, nil
		}
	}
	return api.File{}, errs.NewNotFound("no file with prefix %q in source image", prefix)
}

func latestFullImage(doc api.IndexDoc) (api.Image, error) {
	best := -1
	bestVersion := -1
	for i, img := range doc.Images {
		if img.Type != api.TypeFull {
			continue
		}
		if img.Version > bestVersion {
			bestVersion = img.Version
			best = i
		}
	}
	if best < 0 {
		return api.Image{}, errs.NewNotFound("no full image available")
	}
	return doc.Images[best], nil
}

// systemImageGenerator implements "system-image" (spec section 4.3.1):
// copies the latest full image's matching file from another (channel,
// device) pair within the same tree, matched by file prefix. No
// transformation; the existing pool path is returned unchanged.
type systemImageGenerator struct{}

func (systemImageGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	if deps.Catalog == nil {
		return nil, errs.NewInvalidArgument("system-image generator requires a catalog reader")
	}
	srcChannel, srcDevice, prefix := args["channel"], args["device"], args["name"]
	if srcChannel == "" || srcDevice == "" || prefix == "" {
		return nil, errs.NewInvalidArgument("system-image generator requires channel, device, and name args")
	}

	img, err := deps.Catalog.LatestFullImage(ctx, srcChannel, srcDevice)
	if err != nil {
		return nil, err
	}
	file, err := matchFileByPrefix(img, prefix)
	if err != nil {
		return nil, err
	}
	env.VersionDetail = env.VersionDetail.Set(prefix, srcChannel+"/"+srcDevice)
	return &file, nil
}

// remoteSystemImageGenerator implements "remote-system-image" (spec section
// 4.3.1): fetches another server's channels.json/index.json, picks the
// latest full image, downloads the prefix-matched file, optionally repacks
// its embedded recovery keyring, and signs the local copies.
type remoteSystemImageGenerator struct{}

func (remoteSystemImageGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	baseURL := strings.TrimSuffix(args["base_url"], "/")
	channel, device, prefix := args["channel"], args["device"], args["name"]
	if baseURL == "" || channel == "" || device == "" || prefix == "" {
		return nil, errs.NewInvalidArgument("remote-system-image generator requires base_url, channel, device, and name args")
	}

	channelsBody, err := deps.Fetcher.FetchHTTP(ctx, baseURL+"/channels.json", 20*time.Second)
	if err != nil {
		return nil, err
	}
	var channelsDoc api.ChannelsDoc
	if err := json.Unmarshal(channelsBody, &channelsDoc); err != nil {
		return nil, errs.NewCorrupt("decode remote channels.json: %s", err.Error())
	}
	entry, ok := channelsDoc[channel]
	if !ok {
		return nil, errs.NewNotFound("remote channel %q not found", channel)
	}
	dev, ok := entry.Devices[device]
	if !ok {
		return nil, errs.NewNotFound("remote device %q not found in channel %q", device, channel)
	}

	indexBody, err := deps.Fetcher.FetchHTTP(ctx, baseURL+dev.Index, 20*time.Second)
	if err != nil {
		return nil, err
	}
	var indexDoc api.IndexDoc
	if err := json.Unmarshal(indexBody, &indexDoc); err != nil {
		return nil, errs.NewCorrupt("decode remote index.json: %s", err.Error())
	}

	img, err := latestFullImage(indexDoc)
	if err != nil {
		return nil, err
	}
	remoteFile, err := matchFileByPrefix(img, prefix)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(remoteFile.Path)
	if f, ok, err := lookupPool(deps.poolDir(), name, env); err != nil {
		return nil, err
	} else if ok {
		env.VersionDetail = env.VersionDetail.Set(prefix, channel+"/"+device)
		return f, nil
	}

	body, err := deps.Fetcher.FetchHTTP(ctx, baseURL+remoteFile.Path, 20*time.Second)
	if err != nil {
		return nil, err
	}

	if args["keyring"] != "" {
		keyringTarPath := filepath.Join(deps.KeyStoreDir, args["keyring"]+".tar.xz")
		keyringTar, err := os.ReadFile(keyringTarPath)
		if err != nil {
			return nil, errs.NewExternal("read "+keyringTarPath, err)
		}
		keyringSig, err := os.ReadFile(keyringTarPath + ".asc")
		if err != nil {
			return nil, errs.NewExternal("read "+keyringTarPath+".asc", err)
		}
		var plain bytes.Buffer
		if err := codec.XZUncompress(bytes.NewReader(body), &plain); err != nil {
			return nil, err
		}
		repacked, err := RepackRecoveryKeyring(ctx, plain.Bytes(), env.DeviceName, keyringTar, keyringSig, deps.poolDir())
		if err != nil {
			return nil, err
		}
		var packed bytes.Buffer
		if err := codec.XZCompress(bytes.NewReader(repacked), &packed); err != nil {
			return nil, err
		}
		body = packed.Bytes()
	}

	path := filepath.Join(deps.poolDir(), name)
	if err := os.MkdirAll(deps.poolDir(), 0o755); err != nil {
		return nil, errs.NewExternal("mkdir "+deps.poolDir(), err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, errs.NewExternal("write "+path, err)
	}
	if _, err := deps.Signer.Sign(ctx, path); err != nil {
		return nil, err
	}

	remoteMetaPath := metadataPath(remoteFile.Path)
	metaBody, err := deps.Fetcher.FetchHTTP(ctx, baseURL+remoteMetaPath, 20*time.Second)
	if err == nil {
		if err := os.WriteFile(metadataPath(path), metaBody, 0o644); err != nil {
			return nil, errs.NewExternal("write "+metadataPath(path), err)
		}
		if _, err := deps.Signer.Sign(ctx, metadataPath(path)); err != nil {
			return nil, err
		}
	}

	checksum, size, err := sha256File(path)
	if err != nil {
		return nil, err
	}
	env.VersionDetail = env.VersionDetail.Set(prefix, channel+"/"+device)
	return &api.File{
		Path:      "/pool/" + name,
		Signature: "/pool/" + name + ".asc",
		Checksum:  checksum,
		Size:      size,
	}, nil
}
