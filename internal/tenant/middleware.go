package tenant

import (
	"github.com/labstack/echo/v4"
)

// DefaultHeaderName is the header carrying the external tenant UUID.
const DefaultHeaderName = "X-Tenant-ID"

// Middleware resolves the tenant for every request and injects the internal
// ID into the request context. Resolution failures propagate as typed errors
// for the server's error handler to render.
func Middleware(resolver *Resolver, headerName string) echo.MiddlewareFunc {
	if headerName == "" {
		headerName = DefaultHeaderName
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			internalID, err := resolver.Resolve(c.Request().Context(), c.Request().Header.Get(headerName))
			if err != nil {
				return err
			}

			ctx := WithTenant(c.Request().Context(), internalID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", internalID)
			return next(c)
		}
	}
}
