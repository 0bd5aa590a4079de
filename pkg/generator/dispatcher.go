package generator

import (
	"context"
	"time"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
	"github.com/xfonelabs/system-image-server/pkg/log"
	"github.com/xfonelabs/system-image-server/pkg/signer"
	"github.com/xfonelabs/system-image-server/pkg/transfer"
)

// CatalogReader is the narrow read surface the system-image and
// remote-system-image generators need from the catalog tree: locating the
// latest full image for a (channel, device) pair to copy its file forward.
// Satisfied structurally by pkg/tree's (*Tree).LatestFullImage, so this
// package does not import pkg/tree.
type CatalogReader interface {
	LatestFullImage(ctx context.Context, channel, device string) (api.Image, error)
}

// Deps bundles every collaborator a generator needs. One Deps is shared
// across an entire publication run (spec section 5, "single-threaded").
type Deps struct {
	BaseDir     string // tree root; pool lives at BaseDir/pool
	KeyStoreDir string // where named keyrings are kept, for the "keyring" generator
	Signer      signer.Signer
	Fetcher     transfer.Fetcher
	Catalog     CatalogReader
	Log         log.PluggableLoggerInterface
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Deps) poolDir() string { return d.BaseDir + "/pool" }

// Generator produces a pool (or device-directory) payload for one
// (generator, args) call, per the five-step contract in spec section 4.3.
type Generator interface {
	Generate(ctx context.Context, deps *Deps, args map[string]string, env *api.Environment) (*api.File, error)
}

// GeneratorNames is the closed set a Dispatcher accepts (spec section
// 4.3).
var GeneratorNames = []string{
	"version", "cdimage-ubuntu", "cdimage-custom", "cdimage-device-raw",
	"http", "http-cdimage", "keyring", "system-image", "remote-system-image",
}

// Dispatcher looks up a named generator and invokes it, threading the
// shared environment and appending any produced file to env.NewFiles
// (spec section 4.3, "generate_file").
type Dispatcher struct {
	Deps       *Deps
	generators map[string]Generator
}

// New returns a Dispatcher with all nine named generators registered.
func New(deps *Deps) *Dispatcher {
	httpCache := newVersionCache()
	return &Dispatcher{
		Deps: deps,
		generators: map[string]Generator{
			"version":             versionGenerator{},
			"cdimage-ubuntu":       cdimageGenerator{product: ""},
			"cdimage-custom":       cdimageCustomGenerator{},
			"cdimage-device-raw":   cdimageDeviceRawGenerator{},
			"http":                 httpGenerator{cache: httpCache, timeout: 5 * time.Second},
			"http-cdimage":         httpCdimageGenerator{cache: httpCache, timeout: 20 * time.Second},
			"keyring":              keyringGenerator{},
			"system-image":         systemImageGenerator{},
			"remote-system-image":  remoteSystemImageGenerator{},
		},
	}
}

// Dispatch invokes the named generator. A Network-kind error is swallowed
// into a nil file ("no payload"); every other error propagates (spec
// section 4.3, 7).
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]string, env *api.Environment) (*api.File, error) {
	gen, ok := d.generators[name]
	if !ok {
		return nil, errs.NewInvalidArgument("invalid generator %q", name)
	}
	file, err := gen.Generate(ctx, d.Deps, args, env)
	if err != nil {
		if errs.Has(err, errs.KindNetwork) {
			d.Deps.Log.Warn("generator %s: no payload: %s", name, err.Error())
			return nil, nil
		}
		return nil, err
	}
	if file != nil {
		env.NewFiles = append(env.NewFiles, file.Path)
	}
	return file, nil
}
