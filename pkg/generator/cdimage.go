package generator

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/archive"
	"github.com/xfonelabs/system-image-server/pkg/codec"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// cdimageArch maps a device name to the cdimage architecture directory
// suffix (spec section 4.3.1, cdimage-ubuntu).
var cdimageArch = map[string]string{
	"maguro":   "armel",
	"mako":     "armhf",
	"manta":    "armhf",
	"flo":      "armhf",
	"krillin":  "armhf",
	"arale":    "armhf",
	"vegetahd": "armhf",
	"frieza":   "armhf",
	"turbo":    "arm64",
	"goldfish": "i386",
}

// cdimageArchExtended additionally maps architectures only cdimage-device-raw
// needs (spec section 4.3.1, cdimage-device-raw).
var cdimageArchExtended = map[string]string{
	"azure":   "amd64",
	"plano":   "armhf",
	"raspi2":  "armhf",
	"arm64":   "arm64",
}

func archForDevice(device string, extended bool) string {
	if a, ok := cdimageArch[device]; ok {
		return a
	}
	if extended {
		if a, ok := cdimageArchExtended[device]; ok {
			return a
		}
	}
	return "armhf"
}

// cdimageScan finds the newest per-version subdirectory (excluding
// "pending" and "current") under dir that contains filename, optionally
// requiring a ".marked_good" marker when requireGood is set, and returns it
// with the digest the SHA256SUMS file alongside it records for filename (a
// version without such an entry is skipped). The candidate file itself is
// not hashed here.
func cdimageScan(dir, filename string, requireGood bool) (string, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", errs.NewNetwork("read cdimage dir "+dir, err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == "pending" || e.Name() == "current" {
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	for _, v := range versions {
		vdir := filepath.Join(dir, v)
		candidate := filepath.Join(vdir, filename)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if requireGood {
			if _, err := os.Stat(filepath.Join(vdir, ".marked_good")); err != nil {
				continue
			}
		}
		sum, err := sha256sumsLookup(filepath.Join(vdir, "SHA256SUMS"), filename)
		if err != nil {
			continue
		}
		return candidate, sum, nil
	}
	return "", "", errs.NewNetwork("no cdimage build for "+filename+" under "+dir, nil)
}

// sha256sumsLookup reads a standard "<hex>  <name>" SHA256SUMS file and
// returns the hex digest recorded for name.
func sha256sumsLookup(path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.NewNetwork("read "+path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		if strings.TrimPrefix(fields[1], "*") == name {
			return fields[0], nil
		}
	}
	return "", errs.NewCorrupt("%s has no entry for %s", path, name)
}

// rootfsName formats "<series>-preinstalled-<product>-<arch>" plus a
// variant suffix (spec section 4.3.1).
func rootfsName(series, product, arch, suffix string) string {
	return series + "-preinstalled-" + product + "-" + arch + suffix
}

// cdimageGenerator implements "cdimage-ubuntu": scan + rootfs rewrite, pool
// name "ubuntu-<rootfsSHA>.tar.xz".
type cdimageGenerator struct{ product string }

func (g cdimageGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	series := args["series"]
	product := args["product"]
	if product == "" {
		product = g.product
	}
	dir := args["path"]
	arch := archForDevice(env.DeviceName, false)
	filename := rootfsName(series, product, arch, ".tar.gz")

	path, sha, err := cdimageScan(dir, filename, args["import"] == "good")
	if err != nil {
		return nil, err
	}

	name := "ubuntu-" + sha + ".tar.xz"
	if f, ok, err := lookupPool(deps.poolDir(), name, env); err != nil {
		return nil, err
	} else if ok {
		env.VersionDetail = env.VersionDetail.Set("ubuntu", sha[:8])
		return f, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewNetwork("read "+path, err)
	}
	var gunzipped bytes.Buffer
	if err := codec.GzipUncompress(bytes.NewReader(raw), &gunzipped); err != nil {
		return nil, err
	}

	var rewritten bytes.Buffer
	adder := archive.NewTarAdder(tar.NewWriter(&rewritten))
	if err := archive.RewriteRootfs(&gunzipped, adder, archive.RewriteRootfsOptions{Product: product, Now: deps.now()}); err != nil {
		return nil, err
	}
	if err := adder.Close(); err != nil {
		return nil, err
	}

	return finalizePool(ctx, deps, env, finalizeOpts{
		PoolDir:       deps.poolDir(),
		Name:          name,
		TarBody:       rewritten.Bytes(),
		Generator:     "cdimage-ubuntu",
		Version:       env.Version,
		VersionDetail: env.VersionDetail.String(),
		Extra:         map[string]string{"series": series, "product": product, "device": env.DeviceName},
		VersionTag:    "ubuntu",
		VersionValue:  sha[:8],
	})
}

// cdimageCustomGenerator implements "cdimage-custom": same scan, picks the
// ".custom.tar.gz" variant, re-compressed unchanged into "custom-<SHA>.tar.xz".
type cdimageCustomGenerator struct{}

func (cdimageCustomGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	return scanAndRecompress(ctx, deps, args, env, ".custom.tar.gz", "custom", false)
}

// cdimageDeviceRawGenerator implements "cdimage-device-raw": picks the
// ".device.tar.gz" variant with the extended arch table, pool name
// "device-<SHA>.tar.xz".
type cdimageDeviceRawGenerator struct{}

func (cdimageDeviceRawGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	return scanAndRecompress(ctx, deps, args, env, ".device.tar.gz", "device", true)
}

// scanAndRecompress is the shared body of cdimage-custom and
// cdimage-device-raw: unlike cdimage-ubuntu, the tar contents pass through
// unchanged -- only the compression codec changes (gzip -> xz).
func scanAndRecompress(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment, ext, tag string, extendedArch bool) (*api.File, error) {
	series := args["series"]
	product := args["product"]
	dir := args["path"]
	arch := archForDevice(env.DeviceName, extendedArch)
	filename := rootfsName(series, product, arch, ext)

	path, sha, err := cdimageScan(dir, filename, args["import"] == "good")
	if err != nil {
		return nil, err
	}

	name := tag + "-" + sha + ".tar.xz"
	if f, ok, err := lookupPool(deps.poolDir(), name, env); err != nil {
		return nil, err
	} else if ok {
		env.VersionDetail = env.VersionDetail.Set(tag, sha[:8])
		return f, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewNetwork("read "+path, err)
	}
	var gunzipped bytes.Buffer
	if err := codec.GzipUncompress(bytes.NewReader(raw), &gunzipped); err != nil {
		return nil, err
	}

	return finalizePool(ctx, deps, env, finalizeOpts{
		PoolDir:       deps.poolDir(),
		Name:          name,
		TarBody:       gunzipped.Bytes(),
		Generator:     "cdimage-" + tag,
		Version:       env.Version,
		VersionDetail: env.VersionDetail.String(),
		Extra:         map[string]string{"series": series, "product": product, "device": env.DeviceName},
		VersionTag:    tag,
		VersionValue:  sha[:8],
	})
}
