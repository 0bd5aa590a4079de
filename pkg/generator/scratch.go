package generator

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// newScratchDir creates a fresh, uniquely-named working directory under
// base for a generator's "transform in a scratch directory" step (spec
// section 4.3, step 3). The random name means two generator invocations,
// even across concurrent publication runs against different trees, never
// collide.
func newScratchDir(base string) (string, func(), error) {
	dir := filepath.Join(base, "scratch-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, errs.NewExternal("mkdir "+dir, err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
