// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/h2-dashboard/backend/internal/alerts"
	"github.com/h2-dashboard/backend/internal/history"
	"github.com/h2-dashboard/backend/internal/ingest"
	"github.com/h2-dashboard/backend/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewUnauthorizedError creates a 401 error for a rejected backend token
func NewUnauthorizedError(cause error) *APIError {
	err := &APIError{
		Status:  http.StatusUnauthorized,
		Code:    "UNAUTHORIZED",
		Message: "backend rejected the access token",
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewBadGatewayError creates a 502 error for a failed upstream call
func NewBadGatewayError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadGateway,
		Code:    "UPSTREAM_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// FromError maps domain errors onto API errors.
func FromError(err error) *APIError {
	var apiErr *APIError
	var fetchErr *history.FetchError
	var connErr *transport.ConnectionError

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, history.ErrInvalidRange),
		errors.Is(err, ingest.ErrInvalidCommand),
		errors.Is(err, alerts.ErrInvalidRule):
		return NewBadRequestError("invalid request", err)
	case errors.Is(err, alerts.ErrRuleNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "alert rule not found", Details: err.Error()}
	case errors.Is(err, alerts.ErrAlertNotFound):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "alert not found", Details: err.Error()}
	case errors.Is(err, history.ErrUnauthorized):
		return NewUnauthorizedError(err)
	case errors.As(err, &fetchErr):
		return NewBadGatewayError("history request failed", err)
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrConnectionTimeout),
		errors.As(err, &connErr):
		apiErr := NewServiceUnavailableError("telemetry backend is not connected")
		apiErr.Details = err.Error()
		return apiErr
	}
	return nil
}

// ErrorHandler returns the echo HTTPErrorHandler used by the dashboard API.
// Usage: e.HTTPErrorHandler = api.ErrorHandler(log)
func ErrorHandler(log *logrus.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		apiErr := FromError(err)
		if apiErr == nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				apiErr = &APIError{
					Status:  he.Code,
					Code:    "HTTP_ERROR",
					Message: fmt.Sprintf("%v", he.Message),
				}
			} else {
				apiErr = &APIError{
					Status:  http.StatusInternalServerError,
					Code:    "UNKNOWN_ERROR",
					Message: "An unexpected error occurred",
					Details: err.Error(),
				}
			}
		}

		if apiErr.Status >= http.StatusInternalServerError && log != nil {
			log.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
		}
		if err := RespondWithError(c, apiErr); err != nil && log != nil {
			log.WithError(err).Warn("writing error response")
		}
	}
}

// RespondWithError is a helper to respond with an APIError
func RespondWithError(c echo.Context, err *APIError) error {
	return c.JSON(err.Status, err)
}
