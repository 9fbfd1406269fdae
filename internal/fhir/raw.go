package fhir

import (
	"strconv"

	"github.com/buger/jsonparser"
)

// Cheap field extraction from stored resource bytes. These run on hot paths
// (bundle assembly, history rendering, transaction reference rewriting)
// where a full unmarshal of the document would be wasted work.

// RawResourceType returns the resourceType of a serialized resource, or "".
func RawResourceType(content []byte) string {
	v, err := jsonparser.GetString(content, "resourceType")
	if err != nil {
		return ""
	}
	return v
}

// RawID returns the id of a serialized resource, or "".
func RawID(content []byte) string {
	v, err := jsonparser.GetString(content, "id")
	if err != nil {
		return ""
	}
	return v
}

// RawVersionID returns meta.versionId as an integer.
func RawVersionID(content []byte) (int, bool) {
	v, err := jsonparser.GetString(content, "meta", "versionId")
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// RawLastUpdated returns meta.lastUpdated as its wire string, or "".
func RawLastUpdated(content []byte) string {
	v, err := jsonparser.GetString(content, "meta", "lastUpdated")
	if err != nil {
		return ""
	}
	return v
}
