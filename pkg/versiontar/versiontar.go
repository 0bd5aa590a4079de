// Package versiontar builds the version-stamp tar that both the "version"
// generator and alias-sync's version-tar regeneration emit (spec sections
// 4.3.1, 4.2 "sync_alias", 6.2). Keeping it standalone lets the tree and
// generator packages share the logic without importing each other.
package versiontar

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/archive"
)

// ChannelIni holds the values interpolated into channel.ini (spec section
// 6.2). An empty ChannelTarget or VersionDetail omits its line; an empty
// port renders as "disabled".
type ChannelIni struct {
	PublicFQDN    string
	HTTPPort      string
	HTTPSPort     string
	Channel       string
	Device        string
	BuildNumber   int
	ChannelTarget string
	VersionDetail string
}

// Render produces the INI body exactly as spec section 6.2 lays it out.
func (c ChannelIni) Render() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[service]\n")
	fmt.Fprintf(&b, "base: %s\n", c.PublicFQDN)
	fmt.Fprintf(&b, "http_port: %s\n", orDisabled(c.HTTPPort))
	fmt.Fprintf(&b, "https_port: %s\n", orDisabled(c.HTTPSPort))
	fmt.Fprintf(&b, "channel: %s\n", c.Channel)
	fmt.Fprintf(&b, "device: %s\n", c.Device)
	fmt.Fprintf(&b, "build_number: %d\n", c.BuildNumber)
	if c.ChannelTarget != "" {
		fmt.Fprintf(&b, "channel_target: %s\n", c.ChannelTarget)
	}
	if c.VersionDetail != "" {
		fmt.Fprintf(&b, "version_detail: %s\n", c.VersionDetail)
	}
	return b.String()
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}

// Build writes the version-<N>.tar.xz payload's uncompressed tar body to
// dst: the ubuntu-build file, channel.ini, the config.d directory, and its
// two symlinks.
func Build(dst archive.Adder, version int, ini ChannelIni, now time.Time) error {
	if err := dst.AddFile("system/etc/ubuntu-build", 0644, now, []byte(fmt.Sprintf("%d\n", version))); err != nil {
		return err
	}
	if err := dst.AddFile("system/etc/system-image/channel.ini", 0644, now, []byte(ini.Render())); err != nil {
		return err
	}
	if err := dst.AddDir("system/etc/system-image/config.d", 0775, now); err != nil {
		return err
	}
	if err := dst.AddSymlink("system/etc/system-image/config.d/00_default.ini", "../client.ini", now); err != nil {
		return err
	}
	if err := dst.AddSymlink("system/etc/system-image/config.d/01_channel.ini", "../channel.ini", now); err != nil {
		return err
	}
	return nil
}
