package generator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// finalizeOpts describes one pool entry to be written by finalizePool (spec
// section 4.3, steps 4-5).
type finalizeOpts struct {
	PoolDir       string
	Name          string // final file name, e.g. "ubuntu-<hash>.tar.xz"
	TarBody       []byte // uncompressed tar bytes
	Generator     string
	Version       int
	VersionDetail string
	Extra         map[string]string
	// VersionTag/VersionValue, if VersionTag is non-empty, are pushed onto
	// env.VersionDetail as "<VersionTag>=<VersionValue>" (step 5).
	VersionTag   string
	VersionValue string
}

// finalizePool ensures pool/ exists, xz-compresses the transformed tar into
// the final path, signs it, writes and signs the JSON metadata sidecar, and
// appends the generator's version_detail tag onto env.
func finalizePool(ctx context.Context, deps *Deps, env *api.Environment, opts finalizeOpts) (*api.File, error) {
	if err := os.MkdirAll(opts.PoolDir, 0o755); err != nil {
		return nil, errs.NewExternal("mkdir "+opts.PoolDir, err)
	}
	path := filepath.Join(opts.PoolDir, opts.Name)

	out, err := os.Create(path)
	if err != nil {
		return nil, errs.NewExternal("create "+path, err)
	}
	if err := codec.XZCompress(bytes.NewReader(opts.TarBody), out); err != nil {
		_ = out.Close()
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, errs.NewExternal("close "+path, err)
	}

	if _, err := deps.Signer.Sign(ctx, path); err != nil {
		return nil, err
	}

	meta := api.PoolMetadata{
		Generator:     opts.Generator,
		Version:       opts.Version,
		VersionDetail: opts.VersionDetail,
		Extra:         opts.Extra,
	}
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

	if opts.VersionTag != "" {
		env.VersionDetail = env.VersionDetail.Set(opts.VersionTag, opts.VersionValue)
	}

	return &api.File{
		Path:      "/pool/" + opts.Name,
		Signature: "/pool/" + opts.Name + ".asc",
		Checksum:  checksum,
		Size:      size,
	}, nil
}
