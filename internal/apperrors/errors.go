// Package apperrors provides standardized error handling for the MoltAgent
// control plane.
//
// Error Structure:
//   - Code: Machine-readable error identifier (e.g., "AGENT_OFFLINE")
//   - Message: Human-readable error message
//   - Details: Optional additional context
//   - StatusCode: HTTP status code mapped from the code
//
// Usage patterns:
//
//	// Simple error
//	return apperrors.NotFound("agent")
//
//	// Wrap an upstream provider failure
//	return apperrors.ProviderError(resp.StatusCode, body)
//
//	// In an HTTP handler
//	c.JSON(err.StatusCode, err.ToResponse())
package apperrors

import (
	"fmt"
	"net/http"
)

// AppError is a structured application error with HTTP context.
type AppError struct {
	// Code is a machine-readable error identifier in UPPER_SNAKE_CASE.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details carries additional context for debugging (optional).
	Details string `json:"details,omitempty"`

	// StatusCode is the HTTP status to return. Not serialized.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON error body returned by the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ToResponse converts an AppError into its JSON response body.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Code,
		Message: e.Message,
		Code:    e.Code,
		Details: e.Details,
	}
}

// Error codes
const (
	// Client errors (4xx)
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeValidationFailed = "VALIDATION_FAILED"

	// Server errors (5xx)
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeProviderError  = "PROVIDER_ERROR"
	ErrCodeAgentOffline   = "AGENT_OFFLINE"
)

func statusFor(code string) int {
	switch code {
	case ErrCodeBadRequest, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeAgentOffline:
		return http.StatusServiceUnavailable
	case ErrCodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError with the status mapped from the code.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

// NewWithDetails creates an AppError carrying extra context.
func NewWithDetails(code, message, details string) *AppError {
	e := New(code, message)
	e.Details = details
	return e
}

// BadRequest builds a 400 error.
func BadRequest(message string) *AppError {
	return New(ErrCodeBadRequest, message)
}

// Unauthorized builds a 401 error.
func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

// NotFound builds a 404 error for the named resource.
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// ValidationFailed builds a 400 error with the enumerated issues as details.
func ValidationFailed(details string) *AppError {
	return NewWithDetails(ErrCodeValidationFailed, "manifest validation failed", details)
}

// AgentOffline builds the 503 returned when a command targets a worker with
// no live session.
func AgentOffline(agentID string) *AppError {
	return NewWithDetails(ErrCodeAgentOffline, "agent is not connected", agentID)
}

// ProviderError surfaces an upstream VPS API failure with its status and body.
func ProviderError(status int, body string) *AppError {
	return NewWithDetails(ErrCodeProviderError, fmt.Sprintf("provider returned status %d", status), body)
}

// Internal builds a 500 error wrapping err.
func Internal(err error) *AppError {
	return NewWithDetails(ErrCodeInternalServer, "internal error", err.Error())
}
