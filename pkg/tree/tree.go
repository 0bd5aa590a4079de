// Package tree implements the catalog mutations layered atop the store's
// transactional scopes: channel and device lifecycle, alias/redirect
// reconciliation, and orphan reclamation (spec section 4.2).
package tree

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/signer"
	"github.com/xfonelabs/system-image-server/pkg/store"
)

// Tree layers channel/device/alias/redirect operations on top of a catalog
// store rooted at the same base path.
type Tree struct {
	BasePath string
	Store    *store.Tree
}

// New returns a Tree rooted at basePath, signing commits with sgn.
func New(basePath string, sgn signer.Signer) *Tree {
	return &Tree{BasePath: basePath, Store: store.New(basePath, sgn)}
}

func devicePath(channel, device string) string {
	return filepath.Join(channel, device)
}

// CreateChannel adds a new, empty channel record (spec section 3.3).
func (t *Tree) CreateChannel(ctx context.Context, name string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		if _, exists := doc[name]; exists {
			return nil, errs.NewConflict("channel %q already exists", name)
		}
		doc[name] = api.ChannelEntry{Devices: map[string]api.DeviceEntry{}}
		return doc, nil
	})
	return err
}

// RemoveChannel deletes a channel record, its directory subtree (unless it
// is an alias or redirect -- those never own files), and prunes any
// per-device redirect entries elsewhere that pointed at it (spec section
// 3.3, 4.2).
func (t *Tree) RemoveChannel(ctx context.Context, name string) error {
	var wasFileOwning bool
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		entry, ok := doc[name]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", name)
		}
		wasFileOwning = entry.Alias == "" && entry.Redirect == ""
		delete(doc, name)
		return doc, nil
	})
	if err != nil {
		return err
	}
	if wasFileOwning {
		if err := os.RemoveAll(filepath.Join(t.BasePath, name)); err != nil {
			return errs.NewExternal("remove channel directory "+name, err)
		}
	}
	return t.CleanupDeviceRedirects(ctx, name, "")
}

// HideChannel sets hidden=true on a channel.
func (t *Tree) HideChannel(ctx context.Context, name string) error {
	return t.setHidden(ctx, name, true)
}

// ShowChannel clears hidden on a channel.
func (t *Tree) ShowChannel(ctx context.Context, name string) error {
	return t.setHidden(ctx, name, false)
}

func (t *Tree) setHidden(ctx context.Context, name string, hidden bool) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		entry, ok := doc[name]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", name)
		}
		entry.Hidden = hidden
		doc[name] = entry
		return doc, nil
	})
	return err
}

// RenameChannel moves a channel's directory, rewrites every File path in
// every affected index.json from /old/... to /new/..., and rewrites any
// per-device redirect attribute naming old (spec section 4.2).
func (t *Tree) RenameChannel(ctx context.Context, oldName, newName string) error {
	var devices []string
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		entry, ok := doc[oldName]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", oldName)
		}
		if _, exists := doc[newName]; exists {
			return nil, errs.NewConflict("channel %q already exists", newName)
		}
		for name := range entry.Devices {
			devices = append(devices, name)
		}
		for otherName, other := range doc {
			if otherName == oldName {
				continue
			}
			if other.Redirect == oldName {
				other.Redirect = newName
				doc[otherName] = other
			}
			for devName, devEntry := range other.Devices {
				if devEntry.Redirect == oldName {
					devEntry.Redirect = newName
					other.Devices[devName] = devEntry
				}
			}
		}
		entry.Devices = rewriteDeviceIndexPaths(entry.Devices, oldName, newName)
		delete(doc, oldName)
		doc[newName] = entry
		return doc, nil
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filepath.Join(t.BasePath, newName)), 0o755); err != nil {
		return errs.NewExternal("mkdir", err)
	}
	if _, statErr := os.Stat(filepath.Join(t.BasePath, oldName)); statErr == nil {
		if err := os.Rename(filepath.Join(t.BasePath, oldName), filepath.Join(t.BasePath, newName)); err != nil {
			return errs.NewExternal("rename channel directory", err)
		}
	}

	for _, device := range devices {
		if _, err := t.Store.WithIndex(ctx, devicePath(newName, device), true, func(idx *api.IndexDoc) error {
			rewriteIndexPaths(idx, "/"+oldName+"/", "/"+newName+"/")
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func rewriteDeviceIndexPaths(devices map[string]api.DeviceEntry, oldName, newName string) map[string]api.DeviceEntry {
	out := make(map[string]api.DeviceEntry, len(devices))
	for name, entry := range devices {
		entry.Index = strings.Replace(entry.Index, "/"+oldName+"/", "/"+newName+"/", 1)
		out[name] = entry
	}
	return out
}

func rewriteIndexPaths(idx *api.IndexDoc, oldPrefix, newPrefix string) {
	for i := range idx.Images {
		for j := range idx.Images[i].Files {
			f := &idx.Images[i].Files[j]
			f.Path = strings.Replace(f.Path, oldPrefix, newPrefix, 1)
			f.Signature = strings.Replace(f.Signature, oldPrefix, newPrefix, 1)
		}
	}
}

// CreateDevice adds a new device entry to an existing channel.
func (t *Tree) CreateDevice(ctx context.Context, channel, device string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		entry, ok := doc[channel]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", channel)
		}
		if _, exists := entry.Devices[device]; exists {
			return nil, errs.NewConflict("device %q already exists in channel %q", device, channel)
		}
		if entry.Devices == nil {
			entry.Devices = map[string]api.DeviceEntry{}
		}
		entry.Devices[device] = api.DeviceEntry{Index: "/" + channel + "/" + device + "/index.json"}
		doc[channel] = entry
		return doc, nil
	})
	return err
}

// RemoveDevice deletes a device entry and, unless it is a redirect, its
// directory subtree.
func (t *Tree) RemoveDevice(ctx context.Context, channel, device string) error {
	var wasFileOwning bool
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		entry, ok := doc[channel]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", channel)
		}
		devEntry, ok := entry.Devices[device]
		if !ok {
			return nil, errs.NewNotFound("device %q does not exist in channel %q", device, channel)
		}
		wasFileOwning = devEntry.Redirect == ""
		delete(entry.Devices, device)
		doc[channel] = entry
		return doc, nil
	})
	if err != nil {
		return err
	}
	if wasFileOwning {
		if err := os.RemoveAll(filepath.Join(t.BasePath, channel, device)); err != nil {
			return errs.NewExternal("remove device directory", err)
		}
	}
	return t.CleanupDeviceRedirects(ctx, channel, device)
}

// CleanupDeviceRedirects walks every channel, dropping device entries whose
// redirect points at the deleted channel, optionally restricted to one
// device name (spec section 4.2).
func (t *Tree) CleanupDeviceRedirects(ctx context.Context, deletedChannel, deletedDevice string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		for name, entry := range doc {
			changed := false
			for devName, devEntry := range entry.Devices {
				if devEntry.Redirect != deletedChannel {
					continue
				}
				if deletedDevice != "" && devName != deletedDevice {
					continue
				}
				delete(entry.Devices, devName)
				changed = true
			}
			if changed {
				doc[name] = entry
			}
		}
		return doc, nil
	})
	return err
}

// CreateChannelAlias creates an alias channel record and immediately
// reconciles it with its target (spec section 4.2).
func (t *Tree) CreateChannelAlias(ctx context.Context, alias, target string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		if _, ok := doc[target]; !ok {
			return nil, errs.NewInvalidArgument("alias target %q does not exist", target)
		}
		if _, exists := doc[alias]; exists {
			return nil, errs.NewConflict("channel %q already exists", alias)
		}
		doc[alias] = api.ChannelEntry{Devices: map[string]api.DeviceEntry{}, Alias: target}
		return doc, nil
	})
	if err != nil {
		return err
	}
	return t.SyncAlias(ctx, alias)
}

// CreateChannelRedirect clones the target channel's device map into a new,
// hidden redirect channel (spec section 4.2).
func (t *Tree) CreateChannelRedirect(ctx context.Context, redirect, target string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		targetEntry, ok := doc[target]
		if !ok {
			return nil, errs.NewInvalidArgument("redirect target %q does not exist", target)
		}
		if _, exists := doc[redirect]; exists {
			return nil, errs.NewConflict("channel %q already exists", redirect)
		}
		doc[redirect] = api.ChannelEntry{
			Devices:  cloneDevices(targetEntry.Devices),
			Redirect: target,
			Hidden:   true,
		}
		return doc, nil
	})
	return err
}

// CreatePerDeviceChannelRedirect copies one device entry from target into
// channel, marking it as a redirect (spec section 4.2).
func (t *Tree) CreatePerDeviceChannelRedirect(ctx context.Context, device, channel, target string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		targetEntry, ok := doc[target]
		if !ok {
			return nil, errs.NewInvalidArgument("redirect target %q does not exist", target)
		}
		targetDevice, ok := targetEntry.Devices[device]
		if !ok {
			return nil, errs.NewNotFound("device %q does not exist in channel %q", device, target)
		}
		entry, ok := doc[channel]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", channel)
		}
		if entry.Devices == nil {
			entry.Devices = map[string]api.DeviceEntry{}
		}
		targetDevice.Redirect = target
		entry.Devices[device] = targetDevice
		doc[channel] = entry
		return doc, nil
	})
	return err
}

func cloneDevices(devices map[string]api.DeviceEntry) map[string]api.DeviceEntry {
	out := make(map[string]api.DeviceEntry, len(devices))
	for k, v := range devices {
		out[k] = v
	}
	return out
}

// SyncRedirects drops and recreates every redirect channel pointing at
// name, so it mirrors the current target device map.
func (t *Tree) SyncRedirects(ctx context.Context, name string) error {
	_, err := t.Store.WithChannels(ctx, true, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		targetEntry, ok := doc[name]
		if !ok {
			return nil, errs.NewNotFound("channel %q does not exist", name)
		}
		for redirectName, entry := range doc {
			if entry.Redirect != name {
				continue
			}
			entry.Devices = cloneDevices(targetEntry.Devices)
			doc[redirectName] = entry
		}
		return doc, nil
	})
	return err
}

// ListMissingFiles reports every path the catalog references that does not
// exist on disk (spec section 4.2, P2).
func (t *Tree) ListMissingFiles(ctx context.Context) ([]string, error) {
	referenced, err := t.referencedPaths(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for p := range referenced {
		if _, err := os.Stat(filepath.Join(t.BasePath, filepath.FromSlash(p))); err != nil {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// ListOrphanedFiles reports every path on disk (excluding gpg/) that the
// catalog does not reference, plus any empty directories (spec section
// 4.2, P1).
func (t *Tree) ListOrphanedFiles(ctx context.Context) ([]string, error) {
	referenced, err := t.referencedPaths(ctx)
	if err != nil {
		return nil, err
	}
	referenced["/channels.json"] = true
	referenced["/channels.json.asc"] = true

	var orphans []string
	dirHasChild := map[string]bool{}
	err = filepath.Walk(t.BasePath, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(t.BasePath, path)
		if err != nil || rel == "." {
			return nil
		}
		slashRel := "/" + filepath.ToSlash(rel)
		if strings.HasPrefix(slashRel, "/gpg/") || slashRel == "/gpg" {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		for d := filepath.Dir(path); !dirHasChild[d]; d = filepath.Dir(d) {
			dirHasChild[d] = true
		}
		if !referenced[slashRel] && !referencedSibling(referenced, slashRel) {
			orphans = append(orphans, slashRel)
		}
		return nil
	})
	if err != nil {
		return nil, errs.NewExternal("walk tree", err)
	}

	err = filepath.Walk(t.BasePath, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(t.BasePath, path)
		if err != nil || rel == "." {
			return nil
		}
		slashRel := "/" + filepath.ToSlash(rel)
		if strings.HasPrefix(slashRel, "/gpg/") || slashRel == "/gpg" {
			return nil
		}
		if info.IsDir() && !dirHasChild[path] {
			orphans = append(orphans, slashRel)
		}
		return nil
	})
	if err != nil {
		return nil, errs.NewExternal("walk tree", err)
	}

	sort.Strings(orphans)
	return orphans, nil
}

// referencedSibling reports whether slashRel is a .json/.json.asc whose
// .tar.xz sibling is referenced (spec section 4.2).
func referencedSibling(referenced map[string]bool, slashRel string) bool {
	base := strings.TrimSuffix(strings.TrimSuffix(slashRel, ".asc"), ".json")
	if base == slashRel {
		return false
	}
	return referenced[base+".tar.xz"]
}

// CleanupTree deletes every orphan reported by ListOrphanedFiles (spec
// section 4.2, P1).
func (t *Tree) CleanupTree(ctx context.Context) error {
	orphans, err := t.ListOrphanedFiles(ctx)
	if err != nil {
		return err
	}
	// Deepest paths first so a now-empty directory is removed after its
	// (already-orphaned) children.
	sort.Slice(orphans, func(i, j int) bool { return len(orphans[i]) > len(orphans[j]) })
	for _, p := range orphans {
		full := filepath.Join(t.BasePath, filepath.FromSlash(p))
		if err := os.RemoveAll(full); err != nil {
			return errs.NewExternal("remove "+full, err)
		}
	}
	return nil
}

// referencedPaths collects every path the catalog currently points at: the
// top index and its signature, every device index and signature, every
// device keyring, and every image file and its signature.
func (t *Tree) referencedPaths(ctx context.Context) (map[string]bool, error) {
	referenced := map[string]bool{}
	channels, err := t.Store.WithChannels(ctx, false, func(doc api.ChannelsDoc) (api.ChannelsDoc, error) {
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range channels {
		for _, device := range entry.Devices {
			if device.Redirect != "" {
				continue
			}
			referenced[device.Index] = true
			referenced[device.Index+".asc"] = true
			if device.Keyring != nil {
				referenced[device.Keyring.Path] = true
				referenced[device.Keyring.Signature] = true
			}

			idx, err := t.Store.WithIndex(ctx, strings.TrimPrefix(strings.TrimSuffix(device.Index, "/index.json"), "/"), false, func(*api.IndexDoc) error { return nil })
			if err != nil {
				return nil, err
			}
			for _, img := range idx.Images {
				for _, f := range img.Files {
					referenced[f.Path] = true
					referenced[f.Signature] = true
				}
			}
		}
	}
	return referenced, nil
}
