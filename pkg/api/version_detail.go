package api

import "strings"

// VersionDetail is the comma-joined "tag=value" annotation carried on an
// Environment and surfaced verbatim as Image.VersionDetail (spec section 9).
// Generators append their own tag. A separate "tag=<name>" entry can be
// injected with Set, which replaces any existing one; the dispatcher does
// not inject it.
type VersionDetail []string

// ParseVersionDetail splits a stored version_detail string back into its
// comma-separated pairs, dropping empty segments.
func ParseVersionDetail(s string) VersionDetail {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(VersionDetail, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return VersionDetail(out)
}

// String joins the pairs back into the on-disk comma-separated form.
func (v VersionDetail) String() string {
	return strings.Join(v, ",")
}

// Append adds a new "tag=value" pair to the end, regardless of whether tag
// already appears earlier (used by generators stacking their own marker).
func (v VersionDetail) Append(pair string) VersionDetail {
	return append(v, pair)
}

// Set replaces any existing "tag=..." entry with "tag=value", or appends a
// new one if tag is not yet present. Passing an empty value clears the
// entry (removes it) instead of leaving "tag=" behind.
func (v VersionDetail) Set(tag, value string) VersionDetail {
	prefix := tag + "="
	out := make(VersionDetail, 0, len(v)+1)
	found := false
	for _, pair := range v {
		if strings.HasPrefix(pair, prefix) {
			found = true
			if value == "" {
				continue
			}
			out = append(out, prefix+value)
			continue
		}
		out = append(out, pair)
	}
	if !found && value != "" {
		out = append(out, prefix+value)
	}
	return out
}

// Clear removes any existing "tag=..." entry entirely.
func (v VersionDetail) Clear(tag string) VersionDetail {
	return v.Set(tag, "")
}
