package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-2xx reply from the bridge server.
type APIError struct {
	StatusCode int
	Message    string
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	if e.Detail != "" && e.Detail != msg {
		return fmt.Sprintf("%s (%s)", msg, e.Detail)
	}
	return msg
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(body)}

	var fields struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &fields); err == nil {
		switch {
		case fields.Error != "":
			e.Message = fields.Error
		case fields.Message != "":
			e.Message = fields.Message
		case fields.Detail != "":
			e.Message = fields.Detail
		}
		e.Detail = fields.Detail
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}

// PipelineExistsError reports an import refused because the name is taken.
type PipelineExistsError struct {
	PipelineName string
	PipelineID   string
}

func (e *PipelineExistsError) Error() string {
	return fmt.Sprintf("A pipeline named %q already exists. Use a unique name, or import as a new version (not implemented yet).", e.PipelineName)
}

// ShapeError is a 2xx reply missing data the caller depends on.
type ShapeError struct {
	Operation string
	Reason    string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}
