package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// RequestTimeout sets a context deadline on each request. When the deadline
// passes before the handler completes, the request context is cancelled and
// a 504 with an OperationOutcome body is returned.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					// A partial write cannot be unwound; only answer when
					// nothing was committed yet.
					if !c.Response().Committed {
						e := fhir.TimeoutError("request processing exceeded the allowed time limit")
						return c.JSON(http.StatusGatewayTimeout, e.Outcome())
					}
					return nil
				}
				return ctx.Err()
			}
		}
	}
}
