package archive

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func buildSourceTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Unix(1700000000, 0)

	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./etc", Typeflag: tar.TypeDir, Mode: 0755, ModTime: now}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./etc/hostname", Typeflag: tar.TypeReg, Mode: 0644, Size: 5, ModTime: now}))
	_, err := tw.Write([]byte("mako\n"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./SWAP.swap", Typeflag: tar.TypeReg, Mode: 0644, Size: 0, ModTime: now}))
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestRewriteRootfsPrefixesAndDropsEntries(t *testing.T) {
	src := buildSourceTar(t)

	var out bytes.Buffer
	adder := NewTarAdder(tar.NewWriter(&out))
	require.NoError(t, RewriteRootfs(bytes.NewReader(src), adder, RewriteRootfsOptions{Product: "core", Now: time.Unix(1700000001, 0)}))
	require.NoError(t, adder.Close())

	entries := readAllEntries(t, out.Bytes())
	_, hasHostname := entries["system/etc/hostname"]
	require.True(t, hasHostname)

	_, hasSwap := entries["system/SWAP.swap"]
	require.False(t, hasSwap, "SWAP.swap must be dropped by the rewrite")

	_, hasWritable := entries["system/writable/"]
	require.True(t, hasWritable, "core product gets system/writable instead of userdata")

	_, hasUserdata := entries["system/userdata/"]
	require.False(t, hasUserdata)

	mtab, ok := entries["system/etc/mtab"]
	require.True(t, ok)
	require.Equal(t, "/proc/mounts", mtab.Linkname)
}

func TestRewriteRootfsTouchProductAddsAndroidMountpoints(t *testing.T) {
	src := buildSourceTar(t)

	var out bytes.Buffer
	adder := NewTarAdder(tar.NewWriter(&out))
	require.NoError(t, RewriteRootfs(bytes.NewReader(src), adder, RewriteRootfsOptions{Product: "touch", Now: time.Unix(1700000001, 0)}))
	require.NoError(t, adder.Close())

	entries := readAllEntries(t, out.Bytes())
	for _, mp := range []string{"cache", "data", "factory", "firmware", "persist", "system", "odm"} {
		link, ok := entries["system/"+mp]
		require.Truef(t, ok, "missing android mountpoint symlink for %s", mp)
		require.Equal(t, "/android/"+mp, link.Linkname)
	}
	vendor, ok := entries["system/vendor"]
	require.True(t, ok)
	require.Equal(t, "/android/system/vendor", vendor.Linkname)

	_, hasUserdata := entries["system/userdata/"]
	require.True(t, hasUserdata, "non-core products get system/userdata")
}
