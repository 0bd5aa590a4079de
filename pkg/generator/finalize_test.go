package generator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/signer"
)

func TestFinalizePoolWritesCompressedSignedPayloadAndSidecar(t *testing.T) {
	dir := t.TempDir()
	deps := &Deps{Signer: signer.NoOp{}}
	env := &api.Environment{}

	f, err := finalizePool(context.Background(), deps, env, finalizeOpts{
		PoolDir:       dir,
		Name:          "ubuntu-abc123.tar.xz",
		TarBody:       []byte("not a real tar, just bytes"),
		Generator:     "cdimage-ubuntu",
		Version:       5,
		VersionDetail: "ubuntu=20240101",
		VersionTag:    "ubuntu",
		VersionValue:  "20240101",
	})
	require.NoError(t, err)
	require.Equal(t, "/pool/ubuntu-abc123.tar.xz", f.Path)
	require.Equal(t, "/pool/ubuntu-abc123.tar.xz.asc", f.Signature)

	require.FileExists(t, filepath.Join(dir, "ubuntu-abc123.tar.xz"))
	require.FileExists(t, filepath.Join(dir, "ubuntu-abc123.tar.xz.asc"))
	require.FileExists(t, filepath.Join(dir, "ubuntu-abc123.json"))
	require.FileExists(t, filepath.Join(dir, "ubuntu-abc123.json.asc"))

	require.Equal(t, api.VersionDetail{"ubuntu=20240101"}, env.VersionDetail)

	meta, err := readPoolMetadata(filepath.Join(dir, "ubuntu-abc123.tar.xz"))
	require.NoError(t, err)
	require.Equal(t, "cdimage-ubuntu", meta.Generator)
	require.Equal(t, 5, meta.Version)
}

func TestFinalizePoolSkipsVersionTagWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	deps := &Deps{Signer: signer.NoOp{}}
	env := &api.Environment{}

	_, err := finalizePool(context.Background(), deps, env, finalizeOpts{
		PoolDir:   dir,
		Name:      "keyring-abc.tar.xz",
		TarBody:   []byte("x"),
		Generator: "keyring",
		Version:   1,
	})
	require.NoError(t, err)
	require.Empty(t, env.VersionDetail)
}
