package versiontar

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xfonelabs/system-image-server/pkg/archive"
)

func TestChannelIniRenderOmitsEmptyOptionalFields(t *testing.T) {
	ini := ChannelIni{
		PublicFQDN:  "system-image.example.com",
		HTTPPort:    "80",
		HTTPSPort:   "443",
		Channel:     "stable",
		Device:      "mako",
		BuildNumber: 5,
	}

	body := ini.Render()
	require.Contains(t, body, "base: system-image.example.com\n")
	require.Contains(t, body, "build_number: 5\n")
	require.NotContains(t, body, "channel_target:")
	require.NotContains(t, body, "version_detail:")
}

func TestChannelIniRenderDisablesEmptyPorts(t *testing.T) {
	ini := ChannelIni{Channel: "stable", Device: "mako"}
	body := ini.Render()
	require.Contains(t, body, "http_port: disabled\n")
	require.Contains(t, body, "https_port: disabled\n")
}

func TestChannelIniRenderIncludesTargetAndVersionDetailWhenSet(t *testing.T) {
	ini := ChannelIni{ChannelTarget: "stable", VersionDetail: "ubuntu=20160701"}
	body := ini.Render()
	require.Contains(t, body, "channel_target: stable\n")
	require.Contains(t, body, "version_detail: ubuntu=20160701\n")
}

func TestBuildWritesUbuntuBuildChannelIniAndSymlinks(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	adder := archive.NewTarAdder(tw)
	now := time.Unix(1700000000, 0).UTC()

	err := Build(adder, 42, ChannelIni{Channel: "stable", Device: "mako"}, now)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	tr := tar.NewReader(&buf)
	entries := map[string]*tar.Header{}
	contents := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		entries[hdr.Name] = hdr
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = body
	}

	require.Equal(t, []byte("42\n"), contents["system/etc/ubuntu-build"])
	require.Contains(t, string(contents["system/etc/system-image/channel.ini"]), "channel: stable\n")
	require.Contains(t, entries, "system/etc/system-image/config.d/")
	require.Equal(t, "../client.ini", entries["system/etc/system-image/config.d/00_default.ini"].Linkname)
	require.Equal(t, "../channel.ini", entries["system/etc/system-image/config.d/01_channel.ini"].Linkname)
}
