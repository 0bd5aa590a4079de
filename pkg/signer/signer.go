// Package signer produces the detached ".asc" signatures the catalog store
// and pool writer attach to every file they commit (spec section 4.1,
// 4.3.2).
package signer

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Signer produces a detached signature for path, writing it to path+".asc"
// and returning that path.
type Signer interface {
	Sign(ctx context.Context, path string) (string, error)
}

// GPG shells out to gpg for detached, ASCII-armored signatures. KeyringHome
// is passed as GNUPGHOME to the child process explicitly rather than
// mutating the parent's environment, so concurrent signing with different
// device keyrings never races (spec section 4.3.2 Open Question).
type GPG struct {
	KeyringHome string
	KeyID       string
}

// Sign runs `gpg --detach-sign --armor` against path.
func (g GPG) Sign(ctx context.Context, path string) (string, error) {
	out := path + ".asc"
	_ = os.Remove(out)
	args := []string{"--batch", "--yes", "--detach-sign", "--armor"}
	if g.KeyID != "" {
		args = append(args, "--default-key", g.KeyID)
	}
	args = append(args, "--output", out, path)
	cmd := exec.CommandContext(ctx, "gpg", args...)
	if g.KeyringHome != "" {
		cmd.Env = append(os.Environ(), "GNUPGHOME="+g.KeyringHome)
	}
	if combined, err := cmd.CombinedOutput(); err != nil {
		return "", errs.NewExternal(fmt.Sprintf("gpg sign %s: %s", path, combined), err)
	}
	return out, nil
}

// NoOp signs nothing and is used by tests that don't exercise signature
// verification.
type NoOp struct{}

// Sign writes an empty signature file and returns its path.
func (NoOp) Sign(_ context.Context, path string) (string, error) {
	out := path + ".asc"
	if err := os.WriteFile(out, []byte{}, 0o644); err != nil {
		return "", errs.NewExternal(fmt.Sprintf("write %s", out), err)
	}
	return out, nil
}
