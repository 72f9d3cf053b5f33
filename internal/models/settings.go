package models

import (
	"bytes"
	"encoding/json"
)

// OptionalString records whether a JSON key was present, so that an absent
// token ("keep") can be told apart from an explicit empty one ("clear").
type OptionalString struct {
	Set   bool
	Value string
}

func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Value = ""
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

func (o OptionalString) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Value)
}

// SettingsRequest is the body of POST /settings. Every key is optional.
type SettingsRequest struct {
	Endpoint  *string        `json:"endpoint"`
	Namespace *string        `json:"namespace" binding:"omitempty,namespace"`
	Token     OptionalString `json:"token"`
}

// PublicConfig is what the server reveals about the stored config.
type PublicConfig struct {
	Endpoint  *string `json:"endpoint"`
	Namespace string  `json:"namespace"`
	HasToken  bool    `json:"has_token"`
}

type SettingsResponse struct {
	Status string       `json:"status"`
	Config PublicConfig `json:"config"`
}

const (
	ConnectivitySuccess = "SUCCESS"
	ConnectivityFailed  = "FAILED"
)

// DebugResult is the connectivity diagnostic returned by GET /debug.
type DebugResult struct {
	Config       PublicConfig `json:"config"`
	TestEndpoint string       `json:"test_endpoint"`
	Connectivity string       `json:"connectivity"`
	LatencyMs    *float64     `json:"latency_ms,omitempty"`
	StatusCode   *int         `json:"status_code,omitempty"`
	Body         string       `json:"body,omitempty"`
	Error        string       `json:"error,omitempty"`
	ErrorType    string       `json:"error_type,omitempty"`
}
