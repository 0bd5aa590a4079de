package generator

import (
	"io"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// sha256File returns the canonical content digest (hex-encoded) and size of
// the file at path, using the same digest algorithm the rest of the
// ecosystem uses for content-addressed naming.
func sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errs.NewExternal("open "+path, err)
	}
	defer f.Close()

	dgst := digest.Canonical.Digester()
	size, err := io.Copy(dgst.Hash(), f)
	if err != nil {
		return "", 0, errs.NewExternal("hash "+path, err)
	}
	return dgst.Digest().Encoded(), size, nil
}

// digestBytes returns the canonical content digest of b, hex-encoded.
func digestBytes(b []byte) string {
	return digest.Canonical.FromBytes(b).Encoded()
}

// digestString is digestBytes for a string input, used for the
// content-fingerprint pool names that hash a composed tag rather than raw
// file bytes (e.g. the http generator's "<url>:<version>" fingerprint).
func digestString(s string) string {
	return digestBytes([]byte(s))
}
