package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// BodyLimit caps the request body size. defaultLimit applies to single
// resource writes; bundleLimit applies to batch/transaction POSTs on a
// version root (/r4b, /r5), which legitimately carry many entries.
//
// Limits are human-readable strings: "1M", "512K", "2G". A bare number is
// bytes.
func BodyLimit(defaultLimit, bundleLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	bundleBytes := parseLimit(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Body == nil || c.Request().Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if c.Request().Method == http.MethodPost && isVersionRoot(c.Request().URL.Path) {
				limit = bundleBytes
			}

			// Content-Length gives an early rejection; the limiting reader
			// below still enforces the cap when the header lies or is absent.
			if c.Request().ContentLength > limit {
				return fhir.TooCostlyError("request body exceeds the maximum allowed size of %d bytes", limit)
			}

			c.Request().Body = &limitedReadCloser{
				ReadCloser: c.Request().Body,
				remaining:  limit,
				limit:      limit,
			}

			return next(c)
		}
	}
}

// isVersionRoot reports whether a path addresses a FHIR root (/fhir or
// /fhir/<version>), where bundles are POSTed.
func isVersionRoot(path string) bool {
	trimmed := strings.Trim(path, "/")
	if trimmed == "fhir" {
		return true
	}
	rest := strings.TrimPrefix(trimmed, "fhir/")
	if rest == trimmed {
		return false
	}
	_, ok := fhir.ParseVersion(rest)
	return ok
}

// limitedReadCloser wraps an io.ReadCloser and fails once the read limit is
// exceeded.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, fhir.TooCostlyError("request body exceeds the maximum allowed size of %d bytes", r.limit)
	}

	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, fhir.TooCostlyError("request body exceeds the maximum allowed size of %d bytes", r.limit)
	}

	return n, err
}

// parseLimit parses a human-readable size string into bytes, defaulting to
// 1 MB on anything unparseable.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 << 20
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1

	if strings.HasSuffix(s, "G") || strings.HasSuffix(s, "GB") {
		multiplier = 1 << 30
		s = strings.TrimRight(s, "GB")
	} else if strings.HasSuffix(s, "M") || strings.HasSuffix(s, "MB") {
		multiplier = 1 << 20
		s = strings.TrimRight(s, "MB")
	} else if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "KB") {
		multiplier = 1 << 10
		s = strings.TrimRight(s, "KB")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 1 << 20
	}

	return n * multiplier
}
