package fhir

import (
	"errors"
	"testing"
)

func TestFormatETag(t *testing.T) {
	if got := FormatETag(3); got != `W/"3"` {
		t.Errorf("expected W/\"3\", got %s", got)
	}
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantOK  bool
	}{
		{`W/"3"`, 3, true},
		{`w/"3"`, 3, true},
		{`"7"`, 7, true},
		{`12`, 12, true},
		{`W/"0"`, 0, false},
		{`W/"-1"`, 0, false},
		{`W/"abc"`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseETag(tt.in)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("ParseETag(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestCheckIfMatch(t *testing.T) {
	if err := CheckIfMatch("", 5); err != nil {
		t.Errorf("empty If-Match should pass: %v", err)
	}
	if err := CheckIfMatch("*", 5); err != nil {
		t.Errorf("wildcard If-Match should pass: %v", err)
	}
	if err := CheckIfMatch(`W/"5"`, 5); err != nil {
		t.Errorf("matching If-Match should pass: %v", err)
	}

	err := CheckIfMatch(`W/"4"`, 5)
	if err == nil {
		t.Fatal("stale If-Match should fail")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Status != 409 {
		t.Errorf("expected 409 conflict, got %v", err)
	}

	err = CheckIfMatch(`not-an-etag`, 5)
	if err == nil {
		t.Fatal("malformed If-Match should fail")
	}
	if !errors.As(err, &fe) || fe.Status != 400 {
		t.Errorf("expected 400 invalid, got %v", err)
	}
}

func TestMatchesIfNoneMatch(t *testing.T) {
	tests := []struct {
		header  string
		version int
		want    bool
	}{
		{`W/"3"`, 3, true},
		{`W/"2"`, 3, false},
		{`*`, 3, true},
		{`W/"1", W/"3"`, 3, true},
		{`W/"1", W/"2"`, 3, false},
		{``, 3, false},
	}
	for _, tt := range tests {
		if got := MatchesIfNoneMatch(tt.header, tt.version); got != tt.want {
			t.Errorf("MatchesIfNoneMatch(%q, %d) = %v, want %v", tt.header, tt.version, got, tt.want)
		}
	}
}
