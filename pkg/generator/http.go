package generator

import (
	"archive/tar"
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/archive"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// versionCache is the process-wide url -> version string memo spec section
// 5 calls out as the only mutable process-global state; it is read/written
// only from a generator call frame, so a simple mutex suffices under the
// single-threaded-per-run assumption.
type versionCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newVersionCache() *versionCache {
	return &versionCache{m: map[string]string{}}
}

func (c *versionCache) get(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[url]
	return v, ok
}

func (c *versionCache) set(url, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[url] = version
}

// httpGenerator implements "http" (spec section 4.3.1): download one URL,
// optionally resolving a version string from a monitor URL first.
type httpGenerator struct {
	cache   *versionCache
	timeout time.Duration
}

func (g httpGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	return fetchHTTP(ctx, deps, env, args, g.cache, g.timeout, false)
}

// httpCdimageGenerator implements "http-cdimage": as http, but with a
// 20-second timeout and the downloaded tarball run through the rootfs
// system/ rewrite.
type httpCdimageGenerator struct {
	cache   *versionCache
	timeout time.Duration
}

func (g httpCdimageGenerator) Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error) {
	return fetchHTTP(ctx, deps, env, args, g.cache, g.timeout, true)
}

func fetchHTTP(ctx context.Context, deps *Deps, env *api.Environment, args map[string]string, cache *versionCache, timeout time.Duration, rootfsRewrite bool) (*api.File, error) {
	name := args["name"]
	url := args["url"]
	if url == "" || name == "" {
		return nil, errs.NewInvalidArgument("http generator requires name and url args")
	}

	version := ""
	if monitor := args["monitor"]; monitor != "" {
		v, ok := cache.get(monitor)
		if !ok {
			body, err := deps.Fetcher.FetchHTTP(ctx, monitor, 5*time.Second)
			if err != nil {
				return nil, err
			}
			line := strings.TrimSpace(string(body))
			if line == "" || strings.Contains(line, "\n") {
				return nil, errs.NewInvalidArgument("monitor %s did not return a single non-empty line", monitor)
			}
			v = line
			cache.set(monitor, v)
		}
		version = v
	}

	// Step 1, content fingerprint first.
	if version != "" {
		hashedName := name + "-" + digestString(url+":"+version) + ".tar.xz"
		if f, ok, err := lookupPool(deps.poolDir(), hashedName, env); err != nil {
			return nil, err
		} else if ok {
			env.VersionDetail = env.VersionDetail.Set(name, version)
			return f, nil
		}
		// Legacy non-hashed fallback (spec section 4, "legacy delta filename probe").
		legacyName := name + "-" + version + ".tar.xz"
		if f, ok, err := lookupPool(deps.poolDir(), legacyName, env); err != nil {
			return nil, err
		} else if ok {
			env.VersionDetail = env.VersionDetail.Set(name, version)
			return f, nil
		}
	}

	body, err := deps.Fetcher.FetchHTTP(ctx, url, timeout)
	if err != nil {
		return nil, err
	}

	if version == "" {
		version = digestBytes(body)
	}
	finalName := name + "-" + digestString(url+":"+version) + ".tar.xz"

	tarBody := body
	if rootfsRewrite {
		var rewritten bytes.Buffer
		adder := archive.NewTarAdder(tar.NewWriter(&rewritten))
		if err := archive.RewriteRootfs(bytes.NewReader(body), adder, archive.RewriteRootfsOptions{Product: args["product"], Now: deps.now()}); err != nil {
			return nil, err
		}
		if err := adder.Close(); err != nil {
			return nil, err
		}
		tarBody = rewritten.Bytes()
	}

	generatorName := "http"
	if rootfsRewrite {
		generatorName = "http-cdimage"
	}

	return finalizePool(ctx, deps, env, finalizeOpts{
		PoolDir:       deps.poolDir(),
		Name:          finalName,
		TarBody:       tarBody,
		Generator:     generatorName,
		Version:       env.Version,
		VersionDetail: env.VersionDetail.String(),
		Extra:         map[string]string{"url": url},
		VersionTag:    name,
		VersionValue:  version,
	})
}
