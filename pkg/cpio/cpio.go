// Package cpio shells out to the system cpio and fakeroot binaries to
// unpack and repack the initrd cpio archive embedded in a recovery image
// (spec section 4.3.2). Only the interface is implemented in Go; the
// archive format itself is delegated to the external tool, exactly as the
// spec's abstract collaborator interfaces call for.
package cpio

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Tool unpacks/packs a cpio archive under fakeroot so extracted device
// nodes and special permissions survive without running as root.
type Tool struct{}

// Unpack extracts the cpio archive at archivePath into destDir (created if
// missing), running under fakeroot to preserve device-node metadata.
func (Tool) Unpack(ctx context.Context, archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errs.NewExternal("mkdir "+destDir, err)
	}
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return errs.NewExternal("resolve "+archivePath, err)
	}
	cmd := exec.CommandContext(ctx, "fakeroot", "sh", "-c",
		"cpio -idm < "+shellQuote(abs))
	cmd.Dir = destDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewExternal("cpio unpack: "+string(out), err)
	}
	return nil
}

// Pack archives the contents of srcDir into a new cpio archive at
// archivePath, running under fakeroot.
func (Tool) Pack(ctx context.Context, srcDir, archivePath string) error {
	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return errs.NewExternal("resolve "+archivePath, err)
	}
	cmd := exec.CommandContext(ctx, "fakeroot", "sh", "-c",
		"find . | cpio -o -H newc > "+shellQuote(abs))
	cmd.Dir = srcDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewExternal("cpio pack: "+string(out), err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
