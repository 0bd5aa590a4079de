package generator

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/archive"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// keyringGenerator implements "keyring" (spec section 4.3.1): wraps a named
// keyring pair from the key store into
// /system/usr/share/system-image/archive-master.tar.xz{,.asc}. A no-op
// when env.NewFiles is empty.
type keyringGenerator struct{}

func (keyringGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	if len(env.NewFiles) == 0 {
		return nil, nil
	}

	name := args["name"]
	if name == "" {
		return nil, errs.NewInvalidArgument("keyring generator requires a name arg")
	}
	tarPath := filepath.Join(deps.KeyStoreDir, name+".tar.xz")
	sigPath := tarPath + ".asc"

	tarHex, _, err := sha256File(tarPath)
	if err != nil {
		return nil, errs.NewNetwork("read keyring "+tarPath, err)
	}
	sigHex, _, err := sha256File(sigPath)
	if err != nil {
		return nil, errs.NewNetwork("read keyring signature "+sigPath, err)
	}
	poolName := "keyring-" + digestString(tarHex+"/"+sigHex) + ".tar.xz"

	if f, ok, err := lookupPool(deps.poolDir(), poolName, env); err != nil {
		return nil, err
	} else if ok {
		env.VersionDetail = env.VersionDetail.Set("keyring", name)
		return f, nil
	}

	tarBytes, err := os.ReadFile(tarPath)
	if err != nil {
		return nil, errs.NewNetwork("read "+tarPath, err)
	}
	sigBytes, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, errs.NewNetwork("read "+sigPath, err)
	}

	var buf bytes.Buffer
	adder := archive.NewTarAdder(tar.NewWriter(&buf))
	now := deps.now()
	const base = "system/usr/share/system-image/archive-master.tar.xz"
	if err := adder.AddFile(base, 0644, now, tarBytes); err != nil {
		return nil, err
	}
	if err := adder.AddFile(base+".asc", 0644, now, sigBytes); err != nil {
		return nil, err
	}
	if err := adder.Close(); err != nil {
		return nil, err
	}

	return finalizePool(ctx, deps, env, finalizeOpts{
		PoolDir:       deps.poolDir(),
		Name:          poolName,
		TarBody:       buf.Bytes(),
		Generator:     "keyring",
		Version:       env.Version,
		VersionDetail: env.VersionDetail.String(),
		Extra:         map[string]string{"keyring": name},
		VersionTag:    "keyring",
		VersionValue:  name,
	})
}
