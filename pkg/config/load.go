// Package config loads the YAML publication configuration -- the
// channel/device -> ordered generator-call mapping the dispatcher runs a
// publication cycle from (spec section 2).
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/errs"
)

// Load reads and parses a PublicationConfig YAML file at path.
func Load(path string) (*api.PublicationConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, errs.NewExternal("read "+path, err)
	}
	cfg, err := LoadConfig[api.PublicationConfig](data)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig decodes YAML bytes into T, rejecting unknown fields so a typo
// in a publication config fails loudly instead of silently no-op'ing.
func LoadConfig[T any](data []byte) (c T, err error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return c, errs.NewInvalidArgument("yaml to json: %s", err.Error())
	}
	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, errs.NewInvalidArgument("decode config: %s", err.Error())
	}
	return c, nil
}
