package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirbox/fhirbox/internal/fhir"
)

// HTTPErrorHandler converts every error reaching echo into an
// OperationOutcome response. Typed fhir errors keep their status and issue
// code; echo routing errors (404, 405) are translated; anything else is a
// 500 exception with the cause logged, never leaked to the client.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	logger = logger.With().Str("component", "http").Logger()

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		fe, ok := fhir.AsError(err)
		if !ok {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				fe = &fhir.Error{
					Status:      he.Code,
					Code:        issueCode(he.Code),
					Diagnostics: fmt.Sprintf("%v", he.Message),
				}
			} else {
				fe = fhir.InternalError(err)
			}
		}

		if fe.Status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		body := fhir.MarshalOutcome(fe.Outcome())
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(fe.Status)
			return
		}
		if werr := c.Blob(fe.Status, fhir.ContentTypeJSON, body); werr != nil {
			logger.Error().Err(werr).Msg("writing error response")
		}
	}
}

func issueCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed:
		return fhir.IssueTypeNotSupported
	case http.StatusBadRequest:
		return fhir.IssueTypeInvalid
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	default:
		return fhir.IssueTypeProcessing
	}
}
