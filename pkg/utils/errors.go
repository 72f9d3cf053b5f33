package utils

import (
	"fmt"
	"net/http"
)

// APIError is the JSON error body returned by every server route.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Details   string `json:"detail,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func NewValidationError(err error) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Message: err.Error(),
	}
}

func NewBadRequestError(message string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Message: message,
	}
}

func NewNotConfiguredError() *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Message: "KFP endpoint is not configured. Set it in the extension settings first.",
	}
}

func NewNotFoundError(message string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Message: message,
	}
}

func NewUpstreamError(operation string, err error) *APIError {
	return &APIError{
		Status:    http.StatusBadGateway,
		Message:   fmt.Sprintf("Failed to %s on Kubeflow Pipelines.", operation),
		Details:   err.Error(),
		ErrorType: fmt.Sprintf("%T", err),
	}
}

func NewSystemError(err error) *APIError {
	return &APIError{
		Status:    http.StatusInternalServerError,
		Message:   err.Error(),
		ErrorType: fmt.Sprintf("%T", err),
	}
}
