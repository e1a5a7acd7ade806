package models

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is returned both as a signaling reject and as an HTTP error body.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode is used as the signaling errorCode.
func (e APIError) StatusCode() int { return e.Status }

// WithMessage returns a copy of e carrying msg.
func (e APIError) WithMessage(format string, args ...any) APIError {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// WithDetails returns a copy of e carrying details.
func (e APIError) WithDetails(details string) APIError {
	e.Details = details
	return e
}

var (
	ErrInvalidRequest = APIError{
		Status:  http.StatusBadRequest,
		Code:    "invalid_request",
		Message: "The request is invalid",
	}

	ErrUnauthorized = APIError{
		Status:  http.StatusUnauthorized,
		Code:    "unauthorized",
		Message: "Authentication is required",
	}

	ErrForbidden = APIError{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: "You don't have permission to perform this operation",
	}

	ErrNotFound = APIError{
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "The requested resource was not found",
	}

	ErrConflict = APIError{
		Status:  http.StatusConflict,
		Code:    "conflict",
		Message: "A conflict occurred with the current state of the resource",
	}

	ErrTooManyRequests = APIError{
		Status:  http.StatusTooManyRequests,
		Code:    "too_many_requests",
		Message: "Rate limit exceeded",
	}

	ErrInternalServer = APIError{
		Status:  http.StatusInternalServerError,
		Code:    "internal_server_error",
		Message: "An internal server error occurred",
	}
)

// AsAPIError returns err as an APIError. Anything else becomes a 500
// carrying the error text.
func AsAPIError(err error) APIError {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternalServer.WithMessage("%s", err.Error())
}

func IsForbidden(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}
