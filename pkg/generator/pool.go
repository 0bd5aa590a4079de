// Package generator implements the named artifact generators and the
// dispatcher that invokes them (spec section 4.3).
package generator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// poolPath returns the absolute path of a pool entry's payload file.
func poolPath(poolDir, name string) string {
	return filepath.Join(poolDir, name)
}

// lookupPool implements the "content fingerprint first" step common to
// every generator (spec section 4.3, step 1): if the payload already
// exists, read its metadata sidecar, fold its version_detail into env, and
// return the existing path without touching the network.
func lookupPool(poolDir, name string, env *api.Environment) (*api.File, bool, error) {
	path := poolPath(poolDir, name)
	if _, err := os.Stat(path); err != nil {
		return nil, false, nil
	}
	if _, err := os.Stat(path + ".asc"); err != nil {
		// A payload without its signature is treated as not present; the
		// generator is expected to regenerate it (spec section 7).
		return nil, false, nil
	}

	meta, err := readPoolMetadata(path)
	if err == nil && meta.VersionDetail != "" {
		env.VersionDetail = env.VersionDetail.Append(meta.VersionDetail)
	}

	checksum, size, err := sha256File(path)
	if err != nil {
		return nil, false, err
	}
	f := &api.File{Path: "/pool/" + name, Signature: "/pool/" + name + ".asc", Checksum: checksum, Size: size}
	return f, true, nil
}

func readPoolMetadata(tarPath string) (api.PoolMetadata, error) {
	var meta api.PoolMetadata
	raw, err := os.ReadFile(metadataPath(tarPath))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func metadataPath(tarPath string) string {
	dir, name := filepath.Split(tarPath)
	stem := strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), ".tar")
	return filepath.Join(dir, stem+".json")
}

// writePoolMetadata serialises meta with the exact key order spec section
// 4.3 requires (generator, version, version_detail, then generator-specific
// fields) into the JSON sidecar next to path. The sidecar is not signed
// here.
func writePoolMetadata(path string, meta api.PoolMetadata) error {
	raw, err := marshalMetadata(meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(metadataPath(path), raw, 0o644); err != nil {
		return errs.NewExternal("write metadata "+metadataPath(path), err)
	}
	return nil
}

// marshalMetadata writes the fixed fields first (generator, version,
// version_detail) followed by any extra fields sorted by key, matching the
// finalize step's required key ordering: a reader only ever needs json.Unmarshal, and
// generator/version_detail are always present at the front for a human
// skimming the file.
func marshalMetadata(meta api.PoolMetadata) ([]byte, error) {
	return json.Marshal(meta)
}
