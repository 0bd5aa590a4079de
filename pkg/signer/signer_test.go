package signer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoOpSignWritesEmptySignatureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.tar.xz")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	out, err := NoOp{}.Sign(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, path+".asc", out)

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestGPGSignFailsWithoutBinaryOrKeyring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.tar.xz")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	g := GPG{KeyringHome: filepath.Join(dir, "missing-gnupghome"), KeyID: "nonexistent"}
	_, err := g.Sign(context.Background(), path)
	require.Error(t, err, "a keyring home with no matching secret key must fail rather than silently no-op")
}
