package fhir

import (
	"strconv"
	"strings"
)

// FormatETag renders a version id as a weak ETag: W/"3".
func FormatETag(versionID int) string {
	return `W/"` + strconv.Itoa(versionID) + `"`
}

// ParseETag extracts the version id from a weak or strong ETag value.
// Accepts W/"3", "3", and bare 3.
func ParseETag(etag string) (int, bool) {
	s := strings.TrimSpace(etag)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// CheckIfMatch compares an If-Match header against the current version.
// An empty header passes (no precondition). A malformed header is a 400;
// a stale version is a 409.
func CheckIfMatch(header string, currentVersion int) error {
	if header == "" {
		return nil
	}
	if header == "*" {
		return nil
	}
	v, ok := ParseETag(header)
	if !ok {
		return InvalidError("malformed If-Match header %q", header)
	}
	if v != currentVersion {
		return ConflictError("version conflict: If-Match specified version %d but current version is %d", v, currentVersion)
	}
	return nil
}

// MatchesIfNoneMatch reports whether an If-None-Match header matches the
// current version, which turns a read into a 304.
func MatchesIfNoneMatch(header string, currentVersion int) bool {
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, part := range strings.Split(header, ",") {
		if v, ok := ParseETag(part); ok && v == currentVersion {
			return true
		}
	}
	return false
}
