package models

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint computes a stable hash over attributes, sorted by key so the
// result is independent of map iteration order. Used both for resource/scope
// interning refs and for metric series identity.
func Fingerprint(attrs Attributes) string {
	if len(attrs) == 0 {
		return "constant"
	}

	d := xxhash.New()
	for _, key := range attrs.SortedKeys() {
		d.WriteString(key)
		d.WriteString("=")
		d.WriteString(attrs[key].AsString())
		d.WriteString(",")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// SeriesFingerprint identifies one series of a metric: the producing
// resource plus the data-point attributes.
func SeriesFingerprint(resourceRef string, attrs Attributes) string {
	d := xxhash.New()
	d.WriteString(resourceRef)
	d.WriteString("|")
	d.WriteString(Fingerprint(attrs))
	return strconv.FormatUint(d.Sum64(), 16)
}

// ScopeRef computes the interning ref for an instrumentation scope.
func ScopeRef(name, version string) string {
	d := xxhash.New()
	d.WriteString(name)
	d.WriteString("@")
	d.WriteString(version)
	return strconv.FormatUint(d.Sum64(), 16)
}
