package generator

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/xfonelabs/system-image-server/pkg/bootimg"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/cpio"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// recoveryHeaderDevices carries a 512-byte custom header ahead of the
// initrd that must be preserved across a repack (spec section 4.3.2).
var recoveryHeaderDevices = map[string]bool{
	"krillin":  true,
	"vegetahd": true,
	"arale":    true,
}

const recoveryHeaderSize = 512

// RepackRecoveryKeyring finds "partitions/recovery.img" inside outerTar and,
// if present, replaces the embedded archive-master keyring with
// newTar/newSig, returning a new outer tar with only that one entry
// changed. If no recovery.img entry exists, outerTar is returned unchanged.
func RepackRecoveryKeyring(ctx context.Context, outerTar []byte, device string, newTar, newSig []byte, scratchBase string) ([]byte, error) {
	tr := tar.NewReader(bytes.NewReader(outerTar))
	var recovery []byte
	var recoveryHdr *tar.Header
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.NewExternal("scan outer tar for recovery.img", err)
		}
		if hdr.Name == "partitions/recovery.img" {
			buf, err := io.ReadAll(tr)
			if err != nil {
				return nil, errs.NewExternal("read recovery.img", err)
			}
			recovery = buf
			h := *hdr
			recoveryHdr = &h
			continue
		}
	}
	if recovery == nil {
		return outerTar, nil
	}

	newRecovery, err := repackRecoveryImage(ctx, recovery, device, newTar, newSig, scratchBase)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	tw := tar.NewWriter(&out)
	tr = tar.NewReader(bytes.NewReader(outerTar))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.NewExternal("rewrite outer tar", err)
		}
		if hdr.Name == "partitions/recovery.img" {
			newHdr := *recoveryHdr
			newHdr.Size = int64(len(newRecovery))
			if err := tw.WriteHeader(&newHdr); err != nil {
				return nil, errs.NewExternal("write recovery.img header", err)
			}
			if _, err := tw.Write(newRecovery); err != nil {
				return nil, errs.NewExternal("write recovery.img body", err)
			}
			continue
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, errs.NewExternal("write tar header "+hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(tw, tr); err != nil {
				return nil, errs.NewExternal("copy tar body "+hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errs.NewExternal("close outer tar", err)
	}
	return out.Bytes(), nil
}

func repackRecoveryImage(ctx context.Context, recovery []byte, device string, newTar, newSig []byte, scratchBase string) ([]byte, error) {
	dir, cleanup, err := newScratchDir(scratchBase)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	imgPath := filepath.Join(dir, "recovery.img")
	if err := os.WriteFile(imgPath, recovery, 0o644); err != nil {
		return nil, errs.NewExternal("write "+imgPath, err)
	}

	boot := bootimg.Tool{}
	kernel, initrdPath, err := boot.Split(ctx, imgPath, filepath.Join(dir, "split"))
	if err != nil {
		return nil, err
	}

	var header []byte
	body := initrdPath
	if recoveryHeaderDevices[device] {
		raw, err := os.ReadFile(initrdPath)
		if err != nil {
			return nil, errs.NewExternal("read "+initrdPath, err)
		}
		if len(raw) < recoveryHeaderSize {
			return nil, errs.NewCorrupt("initrd shorter than custom header for device %s", device)
		}
		header = raw[:recoveryHeaderSize]
		stripped := filepath.Join(dir, "initrd.stripped")
		if err := os.WriteFile(stripped, raw[recoveryHeaderSize:], 0o644); err != nil {
			return nil, errs.NewExternal("write "+stripped, err)
		}
		body = stripped
	}

	comp, err := codec.GuessCompression(body)
	if err != nil {
		return nil, err
	}

	rawInitrd := filepath.Join(dir, "initrd.raw")
	if err := uncompressTo(comp, body, rawInitrd); err != nil {
		return nil, err
	}

	cpioDir := filepath.Join(dir, "cpio")
	cp := cpio.Tool{}
	if err := cp.Unpack(ctx, rawInitrd, cpioDir); err != nil {
		return nil, err
	}

	if err := replaceArchiveMaster(cpioDir, newTar, newSig); err != nil {
		return nil, err
	}

	repacked := filepath.Join(dir, "initrd.repacked")
	if err := cp.Pack(ctx, cpioDir, repacked); err != nil {
		return nil, err
	}

	recompressed := filepath.Join(dir, "initrd.final")
	if err := compressFrom(comp, repacked, recompressed); err != nil {
		return nil, err
	}

	if header != nil {
		raw, err := os.ReadFile(recompressed)
		if err != nil {
			return nil, errs.NewExternal("read "+recompressed, err)
		}
		if err := os.WriteFile(recompressed, append(append([]byte{}, header...), raw...), 0o644); err != nil {
			return nil, errs.NewExternal("write "+recompressed, err)
		}
	}

	cfgPath := filepath.Join(dir, "split", "bootimg.cfg")
	cfg, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, errs.NewExternal("read "+cfgPath, err)
	}
	if err := os.WriteFile(cfgPath, bootimg.RewriteBootsize(cfg), 0o644); err != nil {
		return nil, errs.NewExternal("write "+cfgPath, err)
	}

	outImg := filepath.Join(dir, "recovery.new.img")
	if err := boot.Rebuild(ctx, kernel, recompressed, cfgPath, outImg); err != nil {
		return nil, err
	}
	return os.ReadFile(outImg)
}

// replaceArchiveMaster overwrites the embedded keyring pair wherever it
// lives in the unpacked initrd tree (spec section 4.3.2: either
// usr/share/system-image/ or etc/system-image/).
func replaceArchiveMaster(root string, newTar, newSig []byte) error {
	candidates := []string{
		filepath.Join(root, "usr", "share", "system-image"),
		filepath.Join(root, "etc", "system-image"),
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, "archive-master.tar.xz"), newTar, 0o644); err != nil {
			return errs.NewExternal("write archive-master.tar.xz", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "archive-master.tar.xz.asc"), newSig, 0o644); err != nil {
			return errs.NewExternal("write archive-master.tar.xz.asc", err)
		}
		return nil
	}
	return errs.NewNotFound("no system-image keyring directory found in recovery initrd")
}

func uncompressTo(comp codec.Compression, srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return errs.NewExternal("open "+srcPath, err)
	}
	defer in.Close()
	out, err := os.Create(dstPath)
	if err != nil {
		return errs.NewExternal("create "+dstPath, err)
	}
	defer out.Close()

	switch comp {
	case codec.Gzip:
		return codec.GzipUncompress(in, out)
	case codec.XZ:
		return codec.XZUncompress(in, out)
	default:
		_, err := io.Copy(out, in)
		if err != nil {
			return errs.NewExternal("copy "+srcPath, err)
		}
		return nil
	}
}

func compressFrom(comp codec.Compression, srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return errs.NewExternal("open "+srcPath, err)
	}
	defer in.Close()
	out, err := os.Create(dstPath)
	if err != nil {
		return errs.NewExternal("create "+dstPath, err)
	}
	defer out.Close()

	switch comp {
	case codec.Gzip:
		return codec.GzipCompress(in, out)
	case codec.XZ:
		return codec.XZCompress(in, out)
	default:
		_, err := io.Copy(out, in)
		if err != nil {
			return errs.NewExternal("copy "+srcPath, err)
		}
		return nil
	}
}
