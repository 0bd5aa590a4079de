package api

import (
	"encoding/json"
	"sort"
	"strings"
)

// imageAlias mirrors Image's tagged fields so Image's own MarshalJSON/
// UnmarshalJSON can delegate the fixed-field work to encoding/json and
// handle only the per-language description_<lang> keys by hand.
type imageAlias struct {
	Type             ImageType `json:"type"`
	Version          int       `json:"version"`
	Base             *int      `json:"base,omitempty"`
	Description      string    `json:"description"`
	Files            []File    `json:"files"`
	Bootme           bool      `json:"bootme,omitempty"`
	MinVersion       *int      `json:"minversion,omitempty"`
	VersionDetail    string    `json:"version_detail,omitempty"`
	PhasedPercentage *int      `json:"phased-percentage,omitempty"`
}

// MarshalJSON folds DescriptionTranslated into description_<lang> keys
// alongside the fixed fields (spec section 6.4, per-language descriptions).
func (img Image) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(imageAlias{
		Type:             img.Type,
		Version:          img.Version,
		Base:             img.Base,
		Description:      img.Description,
		Files:            img.Files,
		Bootme:           img.Bootme,
		MinVersion:       img.MinVersion,
		VersionDetail:    img.VersionDetail,
		PhasedPercentage: img.PhasedPercentage,
	})
	if err != nil {
		return nil, err
	}
	if len(img.DescriptionTranslated) == 0 {
		return raw, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	langs := make([]string, 0, len(img.DescriptionTranslated))
	for lang := range img.DescriptionTranslated {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		b, err := json.Marshal(img.DescriptionTranslated[lang])
		if err != nil {
			return nil, err
		}
		m["description_"+lang] = b
	}
	return json.Marshal(m)
}

// UnmarshalJSON extracts any description_<lang> keys into
// DescriptionTranslated before decoding the remaining fixed fields.
func (img *Image) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	translated := map[string]string{}
	for k, v := range m {
		lang, ok := strings.CutPrefix(k, "description_")
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		translated[lang] = s
		delete(m, k)
	}
	fixed, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var alias imageAlias
	if err := json.Unmarshal(fixed, &alias); err != nil {
		return err
	}
	*img = Image{
		Type:             alias.Type,
		Version:          alias.Version,
		Base:             alias.Base,
		Description:      alias.Description,
		Files:            alias.Files,
		Bootme:           alias.Bootme,
		MinVersion:       alias.MinVersion,
		VersionDetail:    alias.VersionDetail,
		PhasedPercentage: alias.PhasedPercentage,
	}
	if len(translated) > 0 {
		img.DescriptionTranslated = translated
	}
	return nil
}

// poolMetadataAlias mirrors PoolMetadata's tagged fields, letting
// PoolMetadata's own (Un)MarshalJSON handle the free-form Extra map.
type poolMetadataAlias struct {
	Generator     string `json:"generator"`
	Version       int    `json:"version,omitempty"`
	VersionDetail string `json:"version_detail,omitempty"`
}

// MarshalJSON folds Extra into the top-level object alongside the fixed
// pool metadata fields (spec section 3.1, "Pool entry" sidecar).
func (pm PoolMetadata) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(poolMetadataAlias{Generator: pm.Generator, Version: pm.Version, VersionDetail: pm.VersionDetail})
	if err != nil {
		return nil, err
	}
	if len(pm.Extra) == 0 {
		return raw, nil
	}
	keys := make([]string, 0, len(pm.Extra))
	for k := range pm.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := raw[:len(raw)-1]
	for _, k := range keys {
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(pm.Extra[k])
		out = append(append(append(append(out, ','), kb...), ':'), vb...)
	}
	return append(out, '}'), nil
}

// UnmarshalJSON decodes the fixed pool metadata fields and collects any
// remaining top-level keys into Extra.
func (pm *PoolMetadata) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	extra := map[string]string{}
	known := map[string]bool{"generator": true, "version": true, "version_detail": true}
	for k, v := range m {
		if known[k] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			continue
		}
		extra[k] = s
	}
	var alias poolMetadataAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	*pm = PoolMetadata{
		Generator:     alias.Generator,
		Version:       alias.Version,
		VersionDetail: alias.VersionDetail,
	}
	if len(extra) > 0 {
		pm.Extra = extra
	}
	return nil
}
