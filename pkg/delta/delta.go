// Package delta implements the binary delta engine: given two uncompressed
// tar archives it emits a third, minimal tar that turns an unpacked source
// tree into the unpacked target tree (spec section 4.4).
package delta

import (
	"archive/tar"
	"bytes"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

type kind int

const (
	kindDir kind = iota
	kindFile
)

// fingerprint is the 8-field tuple spec section 4.4 defines for
// non-directory entries: mode, devmajor, devminor, tar type flag, uid,
// gid, size, mtime (in that order -- mtime is always the last field so
// callers can slice it off for the false-positive suppression comparison).
type fingerprint [8]string

func (f fingerprint) withoutMtime() fingerprint {
	out := f
	out[7] = ""
	return out
}

type entry struct {
	header      *tar.Header
	content     []byte // non-nil only for regular files
	kind        kind
	fingerprint fingerprint
}

func scan(r io.Reader) (map[string]*entry, error) {
	entries := map[string]*entry{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.NewExternal("read tar", err)
		}

		e := &entry{header: hdr}
		if hdr.Typeflag == tar.TypeDir {
			e.kind = kindDir
		} else {
			e.kind = kindFile
			e.fingerprint = fingerprint{
				strconv.FormatInt(hdr.Mode, 10),
				strconv.FormatInt(hdr.Devmajor, 10),
				strconv.FormatInt(hdr.Devminor, 10),
				string(hdr.Typeflag),
				strconv.Itoa(hdr.Uid),
				strconv.Itoa(hdr.Gid),
				strconv.FormatInt(hdr.Size, 10),
				hdr.ModTime.UTC().Format(time.RFC3339Nano),
			}
			if hdr.Typeflag == tar.TypeReg {
				content, err := io.ReadAll(tr)
				if err != nil {
					return nil, errs.NewExternal("read tar content "+hdr.Name, err)
				}
				e.content = content
			}
		}
		entries[cleanPath(hdr.Name)] = e
	}
	return entries, nil
}

func cleanPath(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "./"), "/")
}

type changeClass int

const (
	classAdd changeClass = iota
	classDel
	classMod
)

// Diff computes D = delta(S, T): reads the two uncompressed tar streams
// and writes the resulting minimal tar to dst.
func Diff(s, t io.Reader, dst io.Writer, now time.Time) error {
	sEntries, err := scan(s)
	if err != nil {
		return err
	}
	tEntries, err := scan(t)
	if err != nil {
		return err
	}

	changes := candidateChangeSet(sEntries, tEntries)
	propagateHardlinkTargets(sEntries, tEntries, changes)
	suppressFalsePositives(sEntries, tEntries, changes)

	return emit(tEntries, changes, dst, now)
}

// candidateChangeSet is C0 in spec section 4.4: the symmetric difference of
// (path, kind, fingerprint) triples between S and T, classified by which
// side the path is missing from.
func candidateChangeSet(sEntries, tEntries map[string]*entry) map[string]changeClass {
	changes := map[string]changeClass{}
	allPaths := map[string]bool{}
	for p := range sEntries {
		allPaths[p] = true
	}
	for p := range tEntries {
		allPaths[p] = true
	}

	for p := range allPaths {
		se, sok := sEntries[p]
		te, tok := tEntries[p]
		switch {
		case !sok:
			changes[p] = classAdd
		case !tok:
			changes[p] = classDel
		case se.kind != te.kind || se.fingerprint != te.fingerprint:
			changes[p] = classMod
		}
	}
	return changes
}

// propagateHardlinkTargets adds every hardlink entry present in both S and
// T with an identical fingerprint back into the change set as a mod, since
// fingerprint never captures the link's target path (spec section 4.4).
func propagateHardlinkTargets(sEntries, tEntries map[string]*entry, changes map[string]changeClass) {
	for p, se := range sEntries {
		te, ok := tEntries[p]
		if !ok || se.kind != te.kind || se.fingerprint != te.fingerprint {
			continue
		}
		if se.header.Typeflag == tar.TypeLink {
			changes[p] = classMod
		}
	}
}

// suppressFalsePositives drops a mod when, ignoring mtime, the two sides'
// attributes match and their content (symlink target, file bytes, or a
// switched-hardlink's resolved bytes) is identical (spec section 4.4).
func suppressFalsePositives(sEntries, tEntries map[string]*entry, changes map[string]changeClass) {
	for p, cls := range changes {
		if cls != classMod {
			continue
		}
		se, sok := sEntries[p]
		te, tok := tEntries[p]
		if !sok || !tok {
			continue
		}
		if se.kind != te.kind {
			continue
		}
		if se.kind == kindFile && se.fingerprint.withoutMtime() != te.fingerprint.withoutMtime() {
			if !switchedHardlink(se, te) {
				continue
			}
		}
		if contentEqual(sEntries, tEntries, se, te) {
			delete(changes, p)
		}
	}
}

// switchedHardlink reports whether se/te differ only because one side is a
// hardlink record (typeflag "1", size 0) and the other a regular file,
// while every other attribute still matches.
func switchedHardlink(se, te *entry) bool {
	sReg := se.header.Typeflag == tar.TypeReg
	tReg := te.header.Typeflag == tar.TypeReg
	sLink := se.header.Typeflag == tar.TypeLink
	tLink := te.header.Typeflag == tar.TypeLink
	if !((sReg && tLink) || (sLink && tReg)) {
		return false
	}
	return attrsEqualExceptSize(se.header, te.header)
}

func attrsEqualExceptSize(a, b *tar.Header) bool {
	return a.Mode == b.Mode && a.Devmajor == b.Devmajor && a.Devminor == b.Devminor &&
		a.Uid == b.Uid && a.Gid == b.Gid
}

// contentEqual compares the logical content of two entries: symlinks by
// linkpath, regular files by bytes, and a switched hardlink by resolving
// its link target within its own archive first. Two absent streams compare
// equal, preserving the source implementation's compare_files(None, None)
// behavior so the delta engine stays self-consistent on missing members
// (spec section 9, Open Question).
func contentEqual(sEntries, tEntries map[string]*entry, se, te *entry) bool {
	if se == nil && te == nil {
		return true
	}
	if se == nil || te == nil {
		return false
	}
	if se.header.Typeflag == tar.TypeSymlink && te.header.Typeflag == tar.TypeSymlink {
		return se.header.Linkname == te.header.Linkname
	}

	sBytes, sOK := resolveContent(sEntries, se)
	tBytes, tOK := resolveContent(tEntries, te)
	if !sOK && !tOK {
		return true
	}
	if !sOK || !tOK {
		return false
	}
	return bytes.Equal(sBytes, tBytes)
}

// resolveContent returns an entry's logical bytes: a regular file's own
// content, or a hardlink's target entry's content resolved within the same
// archive.
func resolveContent(entries map[string]*entry, e *entry) ([]byte, bool) {
	if e.header.Typeflag == tar.TypeReg {
		return e.content, true
	}
	if e.header.Typeflag == tar.TypeLink {
		target := resolveLinkPath(e.header)
		targetEntry, ok := entries[target]
		if !ok || targetEntry.header.Typeflag != tar.TypeReg {
			return nil, false
		}
		return targetEntry.content, true
	}
	return nil, false
}

func resolveLinkPath(hdr *tar.Header) string {
	link := hdr.Linkname
	if strings.HasPrefix(link, "system/") {
		return cleanPath(link)
	}
	return cleanPath(path.Join(path.Dir(hdr.Name), link))
}

// emit writes D: a "removed" manifest entry, then the new/changed entries
// from T in sorted path order, hoisting a hardlink's target ahead of it
// when both are in the change set (spec section 4.4).
func emit(tEntries map[string]*entry, changes map[string]changeClass, dst io.Writer, now time.Time) error {
	var removed []string
	var toWrite []string
	for p, cls := range changes {
		switch cls {
		case classDel:
			removed = append(removed, p)
		case classMod:
			removed = append(removed, p)
			toWrite = append(toWrite, p)
		case classAdd:
			toWrite = append(toWrite, p)
		}
	}
	sort.Strings(removed)
	sort.Strings(toWrite)

	tw := tar.NewWriter(dst)

	body := strings.Join(removed, "\n")
	if len(removed) > 0 {
		body += "\n"
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     "removed",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(body)),
		ModTime:  now,
	}); err != nil {
		return errs.NewExternal("write removed header", err)
	}
	if _, err := tw.Write([]byte(body)); err != nil {
		return errs.NewExternal("write removed body", err)
	}

	written := map[string]bool{}
	for _, p := range toWrite {
		if err := writeHoisted(tw, tEntries, p, written, map[string]bool{}); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return errs.NewExternal("close delta tar", err)
	}
	return nil
}

// writeHoisted writes p's entry, first recursively writing its hardlink
// target if that target is itself in the pending set and not yet written
// (spec section 4.4's hoisting rule). visiting guards against a cycle.
func writeHoisted(tw *tar.Writer, tEntries map[string]*entry, p string, written, visiting map[string]bool) error {
	if written[p] {
		return nil
	}
	if visiting[p] {
		return nil
	}
	visiting[p] = true

	e, ok := tEntries[p]
	if ok && e.header.Typeflag == tar.TypeLink {
		target := resolveLinkPath(e.header)
		if _, pending := tEntries[target]; pending && !written[target] {
			if err := writeHoisted(tw, tEntries, target, written, visiting); err != nil {
				return err
			}
		}
	}

	if err := writeEntry(tw, e); err != nil {
		return err
	}
	written[p] = true
	return nil
}

func writeEntry(tw *tar.Writer, e *entry) error {
	if e == nil {
		return nil
	}
	hdr := *e.header
	hdr.Name = cleanPath(e.header.Name)
	if err := tw.WriteHeader(&hdr); err != nil {
		return errs.NewExternal("write delta entry "+hdr.Name, err)
	}
	if e.content != nil {
		if _, err := tw.Write(e.content); err != nil {
			return errs.NewExternal("write delta content "+hdr.Name, err)
		}
	}
	return nil
}
