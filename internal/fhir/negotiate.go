package fhir

import "strings"

// Wire content types.
const (
	ContentTypeJSON        = "application/fhir+json"
	ContentTypeJSONCharset = "application/fhir+json; charset=utf-8"
	ContentTypeXML         = "application/fhir+xml"
	ContentTypeJSONPatch   = "application/json-patch+json"
)

// Format is a negotiated wire format.
type Format int

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatXML
)

// NormalizeFormat cleans a _format query value. The '+' in media types
// arrives as a space after URL decoding, so "application/fhir json" is
// restored to "application/fhir+json".
func NormalizeFormat(format string) string {
	format = strings.TrimSpace(format)
	if strings.Contains(format, " ") && !strings.Contains(format, "+") {
		format = strings.Replace(format, " ", "+", 1)
	}
	return strings.ToLower(format)
}

// ParseFormat maps a media type or _format shorthand to a Format.
func ParseFormat(v string) Format {
	v = NormalizeFormat(v)
	// Strip parameters like ;charset=utf-8 and quality weights.
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	switch v {
	case "", "*/*", "application/*", "json", "application/fhir+json", "application/json", "text/json":
		return FormatJSON
	case "xml", "application/fhir+xml", "application/xml", "text/xml":
		return FormatXML
	}
	return FormatUnknown
}

// NegotiateFormat resolves the response format from the _format query value
// (highest precedence) and the Accept header. Absent both, JSON is assumed.
func NegotiateFormat(formatParam, acceptHeader string) Format {
	if formatParam != "" {
		return ParseFormat(formatParam)
	}
	if acceptHeader == "" {
		return FormatJSON
	}
	// First acceptable entry wins; clients listing several types get the
	// first one this server could ever serve.
	for _, part := range strings.Split(acceptHeader, ",") {
		if f := ParseFormat(part); f != FormatUnknown {
			return f
		}
	}
	return FormatUnknown
}

// IsFHIRWriteContentType reports whether a request body content type is one
// this server can parse for create/update.
func IsFHIRWriteContentType(ct string) bool {
	return ParseFormat(ct) == FormatJSON
}
