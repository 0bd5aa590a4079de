// Package codec wraps the xz and gzip byte-stream transforms every
// generator and the delta engine need, behind the abstract interface spec
// section 6.5 calls out as an external collaborator (the core never shells
// out to xz/gzip binaries directly).
package codec

import (
	"bufio"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Compression names a recognised stream compression, as returned by
// GuessCompression.
type Compression string

const (
	// None means the stream is not compressed.
	None Compression = ""
	// Gzip is the gzip magic 0x1f 0x8b.
	Gzip Compression = "gzip"
	// XZ is the xz magic 0xfd '7zXZ'.
	XZ Compression = "xz"
)

// XZCompress reads src and writes an xz stream to dst.
func XZCompress(src io.Reader, dst io.Writer) error {
	w, err := xz.NewWriter(dst)
	if err != nil {
		return errs.NewExternal("xz writer init", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return errs.NewExternal("xz compress", err)
	}
	if err := w.Close(); err != nil {
		return errs.NewExternal("xz compress close", err)
	}
	return nil
}

// XZCompressFile xz-compresses the file at srcPath into dstPath.
func XZCompressFile(srcPath, dstPath string) error {
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

	return XZCompress(bufio.NewReader(in), out)
}

// XZUncompress reads an xz stream from src and writes the decoded bytes to
// dst.
func XZUncompress(src io.Reader, dst io.Writer) error {
	r, err := xz.NewReader(src)
	if err != nil {
		return errs.NewExternal("xz reader init", err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		return errs.NewExternal("xz uncompress", err)
	}
	return nil
}

// GzipCompress writes a gzip stream of src to dst.
func GzipCompress(src io.Reader, dst io.Writer) error {
	w := gzip.NewWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return errs.NewExternal("gzip compress", err)
	}
	if err := w.Close(); err != nil {
		return errs.NewExternal("gzip compress close", err)
	}
	return nil
}

// GzipUncompress reads a gzip stream from src and writes the decoded bytes
// to dst.
func GzipUncompress(src io.Reader, dst io.Writer) error {
	r, err := gzip.NewReader(src)
	if err != nil {
		return errs.NewExternal("gzip reader init", err)
	}
	defer r.Close()
	if _, err := io.Copy(dst, r); err != nil {
		return errs.NewExternal("gzip uncompress", err)
	}
	return nil
}

// GuessCompression sniffs the first bytes of path and reports which of the
// two supported codecs, if any, produced it (spec section 6.5).
func GuessCompression(path string) (Compression, error) {
	f, err := os.Open(path)
	if err != nil {
		return None, errs.NewExternal("open "+path, err)
	}
	defer f.Close()

	magic := make([]byte, 6)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return None, errs.NewExternal("read "+path, err)
	}
	magic = magic[:n]

	switch {
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return Gzip, nil
	case len(magic) >= 6 && magic[0] == 0xfd && string(magic[1:6]) == "7zXZ\x00":
		return XZ, nil
	default:
		return None, nil
	}
}
