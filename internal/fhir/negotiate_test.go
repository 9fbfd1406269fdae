package fhir

import "testing"

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", FormatJSON},
		{"*/*", FormatJSON},
		{"application/*", FormatJSON},
		{"json", FormatJSON},
		{"application/fhir+json", FormatJSON},
		{"application/json", FormatJSON},
		{"text/json", FormatJSON},
		{"application/fhir+json; charset=utf-8", FormatJSON},
		{"APPLICATION/FHIR+JSON", FormatJSON},
		{"xml", FormatXML},
		{"application/fhir+xml", FormatXML},
		{"text/xml", FormatXML},
		{"text/html", FormatUnknown},
		{"application/pdf", FormatUnknown},
	}
	for _, tt := range tests {
		if got := ParseFormat(tt.in); got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeFormat_URLDecodedPlus(t *testing.T) {
	// '+' in a query value arrives as a space after URL decoding.
	if got := NormalizeFormat("application/fhir json"); got != "application/fhir+json" {
		t.Errorf("expected plus restored, got %q", got)
	}
}

func TestNegotiateFormat(t *testing.T) {
	tests := []struct {
		format string
		accept string
		want   Format
	}{
		{"", "", FormatJSON},
		{"json", "application/fhir+xml", FormatJSON}, // _format wins
		{"", "application/fhir+json", FormatJSON},
		{"", "application/fhir+xml", FormatXML},
		{"", "text/html, application/fhir+json", FormatJSON},
		{"", "text/html", FormatUnknown},
		{"", "application/fhir+json;q=0.9", FormatJSON},
	}
	for _, tt := range tests {
		if got := NegotiateFormat(tt.format, tt.accept); got != tt.want {
			t.Errorf("NegotiateFormat(%q, %q) = %v, want %v", tt.format, tt.accept, got, tt.want)
		}
	}
}

func TestIsFHIRWriteContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want bool
	}{
		{"application/fhir+json", true},
		{"application/json", true},
		{"application/fhir+json; charset=utf-8", true},
		{"", true},
		{"text/plain", false},
		{"application/xml", false},
	}
	for _, tt := range tests {
		if got := IsFHIRWriteContentType(tt.ct); got != tt.want {
			t.Errorf("IsFHIRWriteContentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}
