// Package bootimg shells out to the external android boot image tool
// (split_bootimg.pl/mkbootimg-equivalent) used to split a recovery image
// into kernel+initrd and rebuild it afterwards (spec section 4.3.2).
package bootimg

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Tool wraps the boot image split/rebuild subprocess.
type Tool struct {
	// BinDir, if set, is prepended to PATH so test doubles can shadow the
	// real binaries.
	BinDir string
}

// Split decomposes imgPath into kernel and initrd files under destDir and
// returns their paths.
func (t Tool) Split(ctx context.Context, imgPath, destDir string) (kernel, initrd string, err error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", "", errs.NewExternal("mkdir "+destDir, err)
	}
	cmd := exec.CommandContext(ctx, "split_bootimg", "--input", imgPath, "--output", destDir)
	t.configure(cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", errs.NewExternal("split boot image: "+string(out), err)
	}
	return filepath.Join(destDir, "kernel"), filepath.Join(destDir, "ramdisk.cpio"), nil
}

// Rebuild reassembles a boot image from its split components plus the
// (already patched) cmdline/cfg file, writing the result to outPath.
func (t Tool) Rebuild(ctx context.Context, kernel, initrd, cfgPath, outPath string) error {
	cmd := exec.CommandContext(ctx, "mkbootimg",
		"--kernel", kernel,
		"--ramdisk", initrd,
		"--cfg", cfgPath,
		"--output", outPath,
	)
	t.configure(cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.NewExternal("rebuild boot image: "+string(out), err)
	}
	return nil
}

func (t Tool) configure(cmd *exec.Cmd) {
	if t.BinDir == "" {
		return
	}
	cmd.Env = append(os.Environ(), "PATH="+t.BinDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

// RewriteBootsize forces a "bootsize=0x900000" line into a bootimg.cfg
// body, replacing any existing bootsize directive (spec section 4.3.2).
func RewriteBootsize(cfg []byte) []byte {
	const forced = "bootsize=0x900000"
	lines := bytes.Split(cfg, []byte("\n"))
	found := false
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("bootsize=")) {
			lines[i] = []byte(forced)
			found = true
		}
	}
	if !found {
		lines = append(lines, []byte(forced))
	}
	return bytes.Join(lines, []byte("\n"))
}
