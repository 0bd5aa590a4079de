// Package archive builds and rewrites the tar payloads that flow through
// the generator pipeline: the version-stamp tar, content-addressed rootfs
// repackaging, and the primitives the delta engine reuses to emit its own
// minimal tar (spec sections 4.3.1, 4.4).
package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Adder is the narrow write surface a tar assembler needs. It exists so
// tests can substitute a recording fake instead of a real archive/tar.Writer
// (the FileCreator-style swappable-collaborator idiom used throughout this
// module).
type Adder interface {
	AddFile(name string, mode int64, mtime time.Time, content []byte) error
	AddReader(name string, mode int64, mtime time.Time, size int64, r io.Reader) error
	AddDir(name string, mode int64, mtime time.Time) error
	AddSymlink(name, target string, mtime time.Time) error
	AddHardlink(name, target string, mode int64, mtime time.Time) error
	Close() error
}

// TarAdder writes directly to an archive/tar.Writer.
type TarAdder struct {
	w *tar.Writer
}

// NewTarAdder wraps w.
func NewTarAdder(w *tar.Writer) *TarAdder { return &TarAdder{w: w} }

// AddFile writes a regular file entry with literal content.
func (a *TarAdder) AddFile(name string, mode int64, mtime time.Time, content []byte) error {
	return a.AddReader(name, mode, mtime, int64(len(content)), bytes.NewReader(content))
}

// AddReader writes a regular file entry whose content is read from r.
func (a *TarAdder) AddReader(name string, mode int64, mtime time.Time, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     mode,
		Size:     size,
		ModTime:  mtime,
	}
	if err := a.w.WriteHeader(hdr); err != nil {
		return errs.NewExternal("tar header "+name, err)
	}
	if _, err := io.Copy(a.w, r); err != nil {
		return errs.NewExternal("tar body "+name, err)
	}
	return nil
}

// AddDir writes a directory entry.
func (a *TarAdder) AddDir(name string, mode int64, mtime time.Time) error {
	hdr := &tar.Header{
		Name:     ensureTrailingSlash(name),
		Typeflag: tar.TypeDir,
		Mode:     mode,
		ModTime:  mtime,
	}
	if err := a.w.WriteHeader(hdr); err != nil {
		return errs.NewExternal("tar dir "+name, err)
	}
	return nil
}

// AddSymlink writes a symlink entry pointing at target.
func (a *TarAdder) AddSymlink(name, target string, mtime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		Mode:     0777,
		ModTime:  mtime,
	}
	if err := a.w.WriteHeader(hdr); err != nil {
		return errs.NewExternal("tar symlink "+name, err)
	}
	return nil
}

// AddHardlink writes a hardlink entry pointing at target.
func (a *TarAdder) AddHardlink(name, target string, mode int64, mtime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeLink,
		Linkname: target,
		Mode:     mode,
		ModTime:  mtime,
	}
	if err := a.w.WriteHeader(hdr); err != nil {
		return errs.NewExternal("tar hardlink "+name, err)
	}
	return nil
}

// Close flushes and closes the underlying tar writer.
func (a *TarAdder) Close() error {
	if err := a.w.Close(); err != nil {
		return errs.NewExternal("tar close", err)
	}
	return nil
}

func ensureTrailingSlash(name string) string {
	if len(name) == 0 || name[len(name)-1] == '/' {
		return name
	}
	return name + "/"
}
