package server

import (
	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// VersionHeader carries the FHIR version on requests (client preference for
// unversioned URLs) and on every response (the version actually used).
const VersionHeader = "X-FHIR-Version"

const versionContextKey = "fhir_version"

// withVersion pins the FHIR version for an explicit route group
// (/fhir/r4b, /fhir/r5).
func withVersion(v fhir.Version) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(versionContextKey, v)
			return next(c)
		}
	}
}

// version resolves the FHIR version for the current request and stamps the
// response header. Resolution order: explicit path group, X-FHIR-Version
// request header, the resource type's configured default, the server default.
func (h *Handler) version(c echo.Context) (fhir.Version, error) {
	v, err := h.resolveVersion(c)
	if err != nil {
		return "", err
	}
	c.Response().Header().Set(VersionHeader, v.String())
	return v, nil
}

func (h *Handler) resolveVersion(c echo.Context) (fhir.Version, error) {
	if v, ok := c.Get(versionContextKey).(fhir.Version); ok {
		return v, nil
	}

	if raw := c.Request().Header.Get(VersionHeader); raw != "" {
		v, ok := fhir.ParseVersion(raw)
		if !ok {
			return "", fhir.InvalidError("unknown FHIR version %q in %s header", raw, VersionHeader)
		}
		if !h.enabled[v] {
			return "", fhir.VersionNotSupportedError("FHIR version %s is not enabled on this server", v)
		}
		return v, nil
	}

	if t := c.Param("type"); t != "" {
		return h.resources.DefaultVersion(t), nil
	}
	return h.defaultVersion, nil
}
