package generator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/delta"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// minimalStemPrefixes names pool payload families that are already minimal
// (spec section 4.3.3): a delta between two of these is skipped.
var minimalStemPrefixes = []string{"version-", "keyring-", "boot-"}

func hasMinimalStem(name string) bool {
	for _, p := range minimalStemPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func tarStem(name string) string {
	return strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), ".tar")
}

// GenerateDelta implements generate_delta (spec section 4.3.3): produces
// pool/<targetstem>.delta-<sourcestem>.tar.xz from two existing pool
// entries, short-circuiting to target when both are already-minimal
// payloads (version/keyring/boot), and otherwise invoking the delta engine
// on the uncompressed tars, which are held in memory; no scratch directory
// is used.
func GenerateDelta(ctx context.Context, deps *Deps, env *api.Environment, source, target api.File) (*api.File, error) {
	sourceName := filepath.Base(source.Path)
	targetName := filepath.Base(target.Path)
	if hasMinimalStem(sourceName) && hasMinimalStem(targetName) {
		return &target, nil
	}

	poolDir := deps.poolDir()
	deltaName := tarStem(targetName) + ".delta-" + tarStem(sourceName) + ".tar.xz"
	if f, ok, err := lookupPool(poolDir, deltaName, env); err != nil {
		return nil, err
	} else if ok {
		return f, nil
	}

	sourceTar, err := uncompressPoolTar(poolDir, sourceName)
	if err != nil {
		return nil, err
	}
	targetTar, err := uncompressPoolTar(poolDir, targetName)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := delta.Diff(bytes.NewReader(sourceTar), bytes.NewReader(targetTar), &out, deps.now()); err != nil {
		return nil, err
	}

	sourceMeta, err := os.ReadFile(metadataPath(poolPath(poolDir, sourceName)))
	if err != nil {
		return nil, errs.NewExternal("read source metadata for delta", err)
	}
	targetMeta, err := os.ReadFile(metadataPath(poolPath(poolDir, targetName)))
	if err != nil {
		return nil, errs.NewExternal("read target metadata for delta", err)
	}

	return finalizePool(ctx, deps, env, finalizeOpts{
		PoolDir:   poolDir,
		Name:      deltaName,
		TarBody:   out.Bytes(),
		Generator: "delta",
		Extra: map[string]string{
			"source": string(sourceMeta),
			"target": string(targetMeta),
		},
	})
}

func uncompressPoolTar(poolDir, name string) ([]byte, error) {
	path := poolPath(poolDir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.NewExternal("open "+path, err)
	}
	defer f.Close()
	var out bytes.Buffer
	if err := codec.XZUncompress(f, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
