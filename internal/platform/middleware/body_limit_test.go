package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestIsVersionRoot(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/fhir", true},
		{"/fhir/r4b", true},
		{"/fhir/r5", true},
		{"/fhir/r5/", true},
		{"/fhir/r5/Patient", false},
		{"/r5", false},
		{"/healthz", false},
		{"/", false},
	}
	for _, tt := range tests {
		if got := isVersionRoot(tt.path); got != tt.want {
			t.Errorf("isVersionRoot(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	body := strings.NewReader(`{"resourceType":"Patient"}`)
	req := httptest.NewRequest(http.MethodPost, "/r5/Patient", body)
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	handler := func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return c.String(http.StatusCreated, "created")
	}

	if err := BodyLimit("1M", "10M")(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	e := echo.New()
	body := strings.NewReader(strings.Repeat("x", 100))
	req := httptest.NewRequest(http.MethodPost, "/r5/Patient", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := BodyLimit("10", "20")(func(c echo.Context) error {
		t.Error("handler should not run")
		return nil
	})(c)

	if err == nil {
		t.Fatal("expected size error")
	}
	fe, ok := fhir.AsError(err)
	if !ok || fe.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestBodyLimit_RejectsDuringRead(t *testing.T) {
	e := echo.New()
	// No Content-Length: the limiting reader has to catch it.
	req := httptest.NewRequest(http.MethodPost, "/r5/Patient", io.NopCloser(strings.NewReader(strings.Repeat("x", 100))))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	}

	err := BodyLimit("10", "20")(handler)(c)
	if err == nil {
		t.Fatal("expected read to fail once over the limit")
	}
	fe, ok := fhir.AsError(err)
	if !ok || fe.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestBodyLimit_BundleLimitOnVersionRoot(t *testing.T) {
	e := echo.New()
	// 15 bytes: over the 10-byte default, under the 20-byte bundle limit.
	body := strings.NewReader(strings.Repeat("x", 15))
	req := httptest.NewRequest(http.MethodPost, "/fhir/r5", body)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := BodyLimit("10", "20")(handler)(c); err != nil {
		t.Fatalf("bundle POST within bundle limit should pass: %v", err)
	}
}
