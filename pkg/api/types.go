// Package api defines the wire types for the publication tree's two catalog
// documents (channels.json, index.json), the pool metadata sidecar, and the
// value types threaded through the generator pipeline.
package api

import "github.com/xfonelabs/system-image-server/pkg/errs"

// ImageType distinguishes a full image from a delta image (spec section 3.1).
// nolint: recvcheck
type ImageType int

const (
	// TypeFull is a complete, installable-from-any-state payload.
	TypeFull ImageType = iota
	// TypeDelta updates one specific base version to a newer version.
	TypeDelta
)

var imageTypeStrings = map[ImageType]string{
	TypeFull:  "full",
	TypeDelta: "delta",
}

var stringImageTypes = map[string]ImageType{
	"full":  TypeFull,
	"delta": TypeDelta,
}

// String returns the wire representation of an ImageType.
func (t ImageType) String() string {
	return imageTypeStrings[t]
}

// MarshalJSON marshals the ImageType as a quoted json string.
func (t ImageType) MarshalJSON() ([]byte, error) {
	s, ok := imageTypeStrings[t]
	if !ok {
		return nil, errs.NewCorrupt("unknown image type %d", int(t))
	}
	return []byte(`"` + s + `"`), nil
}

// UnmarshalJSON unmarshals a quoted json string into the ImageType.
func (t *ImageType) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, ok := stringImageTypes[s]
	if !ok {
		return errs.NewCorrupt("unknown image type %q", s)
	}
	*t = v
	return nil
}

// File is one payload reference inside an Image (spec section 3.1).
type File struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
	Checksum  string `json:"checksum"`
	Size      int64  `json:"size"`
	Order     int    `json:"order"`
}

// Image is a single published version for a device (spec section 3.1).
type Image struct {
	Type                  ImageType         `json:"type"`
	Version               int               `json:"version"`
	Base                  *int              `json:"base,omitempty"`
	Description           string            `json:"description"`
	DescriptionTranslated map[string]string `json:"-"`
	Files                 []File            `json:"files"`
	Bootme                bool              `json:"bootme,omitempty"`
	MinVersion            *int              `json:"minversion,omitempty"`
	VersionDetail         string            `json:"version_detail,omitempty"`
	PhasedPercentage      *int              `json:"phased-percentage,omitempty"`
}

// Global carries the index.json "global" stanza.
type Global struct {
	GeneratedAt string `json:"generated_at"`
}

// IndexDoc is the on-disk shape of a device's index.json (spec section 6.4).
type IndexDoc struct {
	Global Global  `json:"global"`
	Images []Image `json:"images"`
}

// NewIndexDoc returns the default shape used when index.json does not exist.
func NewIndexDoc() *IndexDoc {
	return &IndexDoc{Images: []Image{}}
}

// Keyring references a device's keyring blob and its detached signature.
type Keyring struct {
	Path      string `json:"path"`
	Signature string `json:"signature"`
}

// DeviceEntry is a channel's per-device record in channels.json.
type DeviceEntry struct {
	Index    string   `json:"index"`
	Keyring  *Keyring `json:"keyring,omitempty"`
	Redirect string   `json:"redirect,omitempty"`
}

// ChannelEntry is a single channel's record in channels.json.
type ChannelEntry struct {
	Devices  map[string]DeviceEntry `json:"devices"`
	Hidden   bool                   `json:"hidden,omitempty"`
	Alias    string                 `json:"alias,omitempty"`
	Redirect string                 `json:"redirect,omitempty"`
}

// ChannelsDoc is the on-disk shape of the top-level channels.json (spec section 6.3).
type ChannelsDoc map[string]ChannelEntry

// NewChannelsDoc returns the default shape used when channels.json does not exist.
func NewChannelsDoc() ChannelsDoc {
	return ChannelsDoc{}
}

// PoolMetadata is the JSON sidecar written next to every pool entry
// (spec section 3.1, "Pool entry").
type PoolMetadata struct {
	Generator     string            `json:"generator"`
	Version       int               `json:"version,omitempty"`
	VersionDetail string            `json:"version_detail,omitempty"`
	Extra         map[string]string `json:"-"`
}

// Environment is the shared state the dispatcher threads through every
// generator invocation (spec section 2, "Data flow for a publication cycle").
type Environment struct {
	Channel       string
	Device        string
	DeviceName    string
	Version       int
	NewFiles      []string
	VersionDetail VersionDetail
}

// GeneratorCall is one (generator, args) tuple drawn from a PublicationConfig.
type GeneratorCall struct {
	Generator string            `json:"generator" yaml:"generator"`
	Args      map[string]string `json:"args" yaml:"args"`
}

// DeviceConfig is the ordered list of generator calls for one device.
type DeviceConfig struct {
	Generators []GeneratorCall `json:"generators" yaml:"generators"`
}

// PublicationConfig is the full configuration for a publication cycle:
// channel -> device -> ordered generator calls.
type PublicationConfig struct {
	Channels map[string]map[string]DeviceConfig `json:"channels" yaml:"channels"`
}
