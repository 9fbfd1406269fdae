package fhir

import "strings"

// Version identifies a FHIR release supported by the server.
type Version string

const (
	R4B Version = "R4B"
	R5  Version = "R5"
)

// KnownVersions lists every release the server can be configured to serve,
// in ascending release order.
var KnownVersions = []Version{R4B, R5}

// ParseVersion maps a version token (URL segment, header value, or config
// entry) to a Version. Matching is case-insensitive.
func ParseVersion(s string) (Version, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "R4B":
		return R4B, true
	case "R5":
		return R5, true
	}
	return "", false
}

// PathSegment returns the lowercase URL segment for the version, e.g. "r5"
// in /fhir/r5/Patient.
func (v Version) PathSegment() string {
	return strings.ToLower(string(v))
}

// Valid reports whether v is a release this server knows about.
func (v Version) Valid() bool {
	_, ok := ParseVersion(string(v))
	return ok
}

// String returns the canonical uppercase form.
func (v Version) String() string {
	return string(v)
}
