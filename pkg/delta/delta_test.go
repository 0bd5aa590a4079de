package delta

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name     string
	typeflag byte
	mode     int64
	size     int64
	content  []byte
	linkname string
	modTime  time.Time
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     e.mode,
			Size:     int64(len(e.content)),
			Linkname: e.linkname,
			ModTime:  e.modTime,
		}
		if hdr.ModTime.IsZero() {
			hdr.ModTime = time.Unix(1700000000, 0)
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.content != nil {
			_, err := tw.Write(e.content)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func readDelta(t *testing.T, raw []byte) (removed []string, files map[string][]byte) {
	t.Helper()
	files = map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(raw))
	first := true
	var removedRaw [][]byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		if first {
			require.Equal(t, "removed", hdr.Name)
			if len(body) > 0 {
				removedRaw = bytes.Split(bytes.TrimSuffix(body, []byte("\n")), []byte("\n"))
			}
			first = false
			continue
		}
		files[hdr.Name] = body
	}
	return removedStrings(removedRaw), files
}

func removedStrings(b [][]byte) []string {
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = string(v)
	}
	return out
}

func TestDiffAddedFileAppearsAsAdd(t *testing.T) {
	src := buildTar(t, nil)
	tgt := buildTar(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0644, content: []byte("mako\n")},
	})

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.Empty(t, removed)
	require.Equal(t, []byte("mako\n"), files["etc/hostname"])
}

func TestDiffRemovedFileListedInRemovedManifest(t *testing.T) {
	src := buildTar(t, []tarEntry{
		{name: "etc/stale.conf", typeflag: tar.TypeReg, mode: 0644, content: []byte("x")},
	})
	tgt := buildTar(t, nil)

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.Equal(t, []string{"etc/stale.conf"}, removed)
	require.Empty(t, files)
}

func TestDiffIdenticalFileProducesNoChanges(t *testing.T) {
	entries := []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0644, content: []byte("mako\n"), modTime: time.Unix(1, 0)},
	}
	src := buildTar(t, entries)
	entries[0].modTime = time.Unix(999, 0) // different mtime, same everything else
	tgt := buildTar(t, entries)

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.Empty(t, removed)
	require.Empty(t, files, "mtime-only differences must not appear as a modification")
}

func TestDiffContentChangeIsModification(t *testing.T) {
	src := buildTar(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0644, content: []byte("mako\n")},
	})
	tgt := buildTar(t, []tarEntry{
		{name: "etc/hostname", typeflag: tar.TypeReg, mode: 0644, content: []byte("flo\n")},
	})

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.Equal(t, []string{"etc/hostname"}, removed)
	require.Equal(t, []byte("flo\n"), files["etc/hostname"])
}

func TestDiffSymlinkTargetChangeIsModification(t *testing.T) {
	src := buildTar(t, []tarEntry{
		{name: "system/vendor", typeflag: tar.TypeSymlink, linkname: "/android/system/vendor"},
	})
	tgt := buildTar(t, []tarEntry{
		{name: "system/vendor", typeflag: tar.TypeSymlink, linkname: "/android/system/vendor2", modTime: time.Unix(1700000500, 0)},
	})

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, _ := readDelta(t, out.Bytes())
	require.Equal(t, []string{"system/vendor"}, removed)
}

func TestDiffUnchangedSymlinkProducesNoChanges(t *testing.T) {
	entries := []tarEntry{
		{name: "system/vendor", typeflag: tar.TypeSymlink, linkname: "/android/system/vendor", modTime: time.Unix(1, 0)},
	}
	src := buildTar(t, entries)
	entries[0].modTime = time.Unix(2, 0)
	tgt := buildTar(t, entries)

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.Empty(t, removed)
	require.Empty(t, files)
}

func TestDiffHardlinkTargetModificationPropagatesToLink(t *testing.T) {
	target := tarEntry{name: "bin/busybox", typeflag: tar.TypeReg, mode: 0755, content: []byte("v1")}
	link := tarEntry{name: "bin/busybox.link", typeflag: tar.TypeLink, mode: 0755, linkname: "busybox"}
	src := buildTar(t, []tarEntry{target, link})

	target.content = []byte("v2")
	target.modTime = time.Unix(1700000500, 0)
	tgt := buildTar(t, []tarEntry{target, link})

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	_, files := readDelta(t, out.Bytes())
	_, linkRewritten := files["bin/busybox.link"]
	require.True(t, linkRewritten, "hardlink must be re-emitted when its target's content changes")
	require.Equal(t, []byte("v2"), files["bin/busybox"])
}

func TestDiffSwitchedHardlinkWithSameContentIsSuppressed(t *testing.T) {
	target := tarEntry{name: "bin/busybox", typeflag: tar.TypeReg, mode: 0755, content: []byte("same")}
	src := buildTar(t, []tarEntry{
		target,
		{name: "bin/busybox.link", typeflag: tar.TypeLink, mode: 0755, linkname: "busybox"},
	})
	tgt := buildTar(t, []tarEntry{
		target,
		{name: "bin/busybox.link", typeflag: tar.TypeReg, mode: 0755, content: []byte("same")},
	})

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	removed, files := readDelta(t, out.Bytes())
	require.NotContains(t, removed, "bin/busybox.link")
	require.NotContains(t, files, "bin/busybox.link")
}

func TestDiffOutputsSortedPaths(t *testing.T) {
	tgt := buildTar(t, []tarEntry{
		{name: "z.txt", typeflag: tar.TypeReg, content: []byte("z")},
		{name: "a.txt", typeflag: tar.TypeReg, content: []byte("a")},
		{name: "m.txt", typeflag: tar.TypeReg, content: []byte("m")},
	})
	src := buildTar(t, nil)

	var out bytes.Buffer
	require.NoError(t, Diff(bytes.NewReader(src), bytes.NewReader(tgt), &out, time.Unix(1700000001, 0)))

	tr := tar.NewReader(bytes.NewReader(out.Bytes()))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	require.Equal(t, []string{"removed", "a.txt", "m.txt", "z.txt"}, names)
}
