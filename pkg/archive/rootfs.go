package archive

import (
	"archive/tar"
	"io"
	"strings"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// droppedRootfsEntries never survive the system/ rewrite (spec section
// 4.3.1, cdimage-ubuntu).
var droppedRootfsEntries = map[string]bool{
	"SWAP.swap": true,
	"etc/mtab":  true,
}

// androidMountpoints are the directories a touch/pd product rewrite
// symlinks into /android (spec section 4.3.1).
var androidMountpoints = []string{"cache", "data", "factory", "firmware", "persist", "system", "odm"}

// RewriteRootfsOptions controls the touch/pd/core-specific synthetic
// entries appended by RewriteRootfs.
type RewriteRootfsOptions struct {
	// Product is the cdimage product name (e.g. "touch", "pd", "core").
	Product string
	// Now is stamped on every synthesized entry.
	Now time.Time
}

// RewriteRootfs reads a plain (already gunzipped) tar from src and writes
// the system/-prefixed, mountpoint-synthesizing rewrite to dst, as
// cdimage-ubuntu and http-cdimage both require.
func RewriteRootfs(src io.Reader, dst Adder, opts RewriteRootfsOptions) error {
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.NewExternal("read rootfs tar", err)
		}
		if droppedRootfsEntries[strings.TrimPrefix(hdr.Name, "./")] {
			continue
		}

		name := "system/" + strings.TrimPrefix(hdr.Name, "./")
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := dst.AddDir(name, hdr.Mode, hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := dst.AddSymlink(name, hdr.Linkname, hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeLink:
			target := "system/" + strings.TrimPrefix(hdr.Linkname, "./")
			if err := dst.AddHardlink(name, target, hdr.Mode, hdr.ModTime); err != nil {
				return err
			}
		default:
			if err := dst.AddReader(name, hdr.Mode, hdr.ModTime, hdr.Size, tr); err != nil {
				return err
			}
		}
	}
	return appendSyntheticMountpoints(dst, opts)
}

// appendSyntheticMountpoints adds the android bind-mount symlinks (for
// touch/pd products), the writable/userdata directory, the mtab symlink,
// and the empty lib/modules directory every rewritten rootfs carries.
func appendSyntheticMountpoints(dst Adder, opts RewriteRootfsOptions) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if opts.Product == "touch" || opts.Product == "pd" {
		if err := dst.AddDir("system/android", 0755, now); err != nil {
			return err
		}
		for _, mp := range androidMountpoints {
			if err := dst.AddSymlink("system/"+mp, "/android/"+mp, now); err != nil {
				return err
			}
		}
		if err := dst.AddSymlink("system/vendor", "/android/system/vendor", now); err != nil {
			return err
		}
	}

	if opts.Product == "core" {
		if err := dst.AddDir("system/writable", 0755, now); err != nil {
			return err
		}
	} else {
		if err := dst.AddDir("system/userdata", 0755, now); err != nil {
			return err
		}
	}

	if err := dst.AddSymlink("system/etc/mtab", "/proc/mounts", now); err != nil {
		return err
	}
	return dst.AddDir("system/lib/modules", 0755, now)
}
