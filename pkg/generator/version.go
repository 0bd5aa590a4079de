package generator

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/archive"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/versiontar"
)

// versionGenerator emits the version-stamp tar (spec section 4.3.1,
// "version"). Unlike every other generator it writes into the device
// directory, not the pool, and is a no-op when env.NewFiles is empty.
type versionGenerator struct{}

func (versionGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	if len(env.NewFiles) == 0 {
		return nil, nil
	}

	name := "version-" + strconv.Itoa(env.Version) + ".tar.xz"
	devDir := filepath.Join(deps.BaseDir, env.Channel, env.Device)
	path := filepath.Join(devDir, name)

	var buf bytes.Buffer
	adder := archive.NewTarAdder(tar.NewWriter(&buf))
	ini := versiontar.ChannelIni{
		PublicFQDN:    args["public_fqdn"],
		HTTPPort:      args["http_port"],
		HTTPSPort:     args["https_port"],
		Channel:       env.Channel,
		Device:        env.DeviceName,
		BuildNumber:   env.Version,
		ChannelTarget: args["channel_target"],
		VersionDetail: env.VersionDetail.String(),
	}
	if err := versiontar.Build(adder, env.Version, ini, deps.now()); err != nil {
		return nil, err
	}
	if err := adder.Close(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return nil, errs.NewExternal("mkdir "+devDir, err)
	}
	out, err := os.Create(path)
	if err != nil {
		return nil, errs.NewExternal("create "+path, err)
	}
	if err := codec.XZCompress(bytes.NewReader(buf.Bytes()), out); err != nil {
		_ = out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, errs.NewExternal("close "+path, err)
	}
	if _, err := deps.Signer.Sign(ctx, path); err != nil {
		return nil, err
	}

	meta := api.PoolMetadata{Generator: "version", Version: env.Version, VersionDetail: env.VersionDetail.String()}
	if err := writePoolMetadata(path, meta); err != nil {
		return nil, err
	}
	if _, err := deps.Signer.Sign(ctx, metadataPath(path)); err != nil {
		return nil, err
	}

	checksum, size, err := sha256File(path)
	if err != nil {
		return nil, err
	}

	relPath := "/" + env.Channel + "/" + env.Device + "/" + name
	return &api.File{
		Path:      relPath,
		Signature: relPath + ".asc",
		Checksum:  checksum,
		Size:      size,
	}, nil
}
