// Package store implements the transactional read/modify/write discipline
// for the two catalog documents, channels.json and each device's
// index.json (spec section 4.1).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/signer"
)

var errNotAnObject = errors.New("top-level JSON value is not an object")

// Tree is the publication tree rooted at BasePath: channels.json at its
// root, and one index.json per device under
// BasePath/<channel>/<device>/index.json.
type Tree struct {
	BasePath string
	Signer   signer.Signer
}

// New returns a Tree rooted at basePath, signing commits with sgn.
func New(basePath string, sgn signer.Signer) *Tree {
	return &Tree{BasePath: basePath, Signer: sgn}
}

// ChannelsPath is the absolute path to the root channels.json.
func (t *Tree) ChannelsPath() string {
	return filepath.Join(t.BasePath, "channels.json")
}

// IndexPath is the absolute path to a device's index.json.
func (t *Tree) IndexPath(device string) string {
	return filepath.Join(t.BasePath, device, "index.json")
}

// WithChannels reads channels.json (or starts from its default empty shape
// if absent), hands it to fn for inspection/mutation, and if commit is true
// and fn left it changed, writes, signs, and atomically installs the
// result. fn's returned doc is returned to the caller even when commit is
// false, so read-only callers can still see fn's computed view.
func (t *Tree) WithChannels(ctx context.Context, commit bool, fn func(api.ChannelsDoc) (api.ChannelsDoc, error)) (api.ChannelsDoc, error) {
	before, existed, err := readChannels(t.ChannelsPath())
	if err != nil {
		return nil, err
	}
	beforeRaw, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}

	after, err := fn(before)
	if err != nil {
		return nil, err
	}
	if !commit {
		return after, nil
	}

	afterRaw, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	if existed && bytes.Equal(beforeRaw, afterRaw) {
		return after, nil
	}
	if err := t.commit(ctx, t.ChannelsPath(), after); err != nil {
		return nil, err
	}
	return after, nil
}

func readChannels(path string) (api.ChannelsDoc, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return api.NewChannelsDoc(), false, nil
	}
	if err != nil {
		return nil, false, errs.NewExternal("read "+path, err)
	}
	if _, err := decodeObject(raw); err != nil {
		return nil, false, errs.NewCorrupt("invalid catalog: %s", path)
	}
	var doc api.ChannelsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, errs.NewCorrupt("invalid catalog: %s", path)
	}
	return doc, true, nil
}

// WithIndex is WithChannels's counterpart for a single device's index.json.
// On commit it also stamps global.generated_at and strips phased-percentage
// from every image except the highest version (spec section 4.1, 4.5).
func (t *Tree) WithIndex(ctx context.Context, device string, commit bool, fn func(*api.IndexDoc) error) (*api.IndexDoc, error) {
	path := t.IndexPath(device)
	before, existed, err := readIndex(path)
	if err != nil {
		return nil, err
	}
	beforeRaw, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}

	after := before
	if err := fn(after); err != nil {
		return nil, err
	}
	if !commit {
		return after, nil
	}

	afterRaw, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	if existed && bytes.Equal(beforeRaw, afterRaw) {
		return after, nil
	}
	stampIndex(after)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.NewExternal("mkdir "+filepath.Dir(path), err)
	}
	if err := t.commit(ctx, path, after); err != nil {
		return nil, err
	}
	return after, nil
}

func readIndex(path string) (*api.IndexDoc, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return api.NewIndexDoc(), false, nil
	}
	if err != nil {
		return nil, false, errs.NewExternal("read "+path, err)
	}
	if _, err := decodeObject(raw); err != nil {
		return nil, false, errs.NewCorrupt("invalid catalog: %s", path)
	}
	doc := api.NewIndexDoc()
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, false, errs.NewCorrupt("invalid catalog: %s", path)
	}
	return doc, true, nil
}

// stampIndex sets global.generated_at to now, and clears PhasedPercentage
// from every image that is not the single highest version present.
func stampIndex(doc *api.IndexDoc) {
	doc.Global.GeneratedAt = time.Now().UTC().Format(generatedAtLayout)

	maxVersion := -1
	for _, img := range doc.Images {
		if img.Version > maxVersion {
			maxVersion = img.Version
		}
	}
	for i := range doc.Images {
		if doc.Images[i].Version != maxVersion {
			doc.Images[i].PhasedPercentage = nil
		}
	}
}

// commit writes v to path via the write-.new/sign/atomic-rename dance
// described in spec section 4.1: the old signature is removed and the new
// one renamed into place, then the old payload is removed and the new one
// renamed into place. A crash part-way can leave a payload whose signature
// does not match it, but never a partially written payload at path.
func (t *Tree) commit(ctx context.Context, path string, v interface{}) error {
	body, err := marshalStable(v)
	if err != nil {
		return errs.NewExternal("marshal "+path, err)
	}
	newPath := path + ".new"
	if err := os.WriteFile(newPath, body, 0o644); err != nil {
		return errs.NewExternal("write "+newPath, err)
	}

	newSig, err := t.Signer.Sign(ctx, newPath)
	if err != nil {
		_ = os.Remove(newPath)
		return err
	}

	sigPath := path + ".asc"
	_ = os.Remove(sigPath)
	if err := os.Rename(newSig, sigPath); err != nil {
		return errs.NewExternal("install "+sigPath, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.NewExternal("remove "+path, err)
	}
	if err := os.Rename(newPath, path); err != nil {
		return errs.NewExternal("install "+path, err)
	}
	return nil
}
