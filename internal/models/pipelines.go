package models

import "encoding/json"

const (
	ActionInspect = "inspect"
	ActionCompile = "compile"
)

type PipelineArg struct {
	Name    string  `json:"name"`
	Default *string `json:"default"`
	Type    string  `json:"type"`
}

// PipelineDescriptor is the structural summary of one pipeline found in
// notebook source. PipelineSpec and ComponentSpec carry the raw IR when the
// compiler could produce it, for the preview graph.
type PipelineDescriptor struct {
	Name          string          `json:"name"`
	DisplayName   string          `json:"display_name,omitempty"`
	Description   *string         `json:"description"`
	Args          []PipelineArg   `json:"args"`
	PipelineSpec  json.RawMessage `json:"pipeline_spec,omitempty"`
	ComponentSpec json.RawMessage `json:"component_spec,omitempty"`
}

type CompileRequest struct {
	SourceCode   string `json:"source_code"`
	Action       string `json:"action" binding:"omitempty,oneof=inspect compile"`
	PipelineName string `json:"pipeline_name"`
}

type CompileResponse struct {
	Pipelines    []PipelineDescriptor `json:"pipelines,omitempty"`
	Status       string               `json:"status,omitempty"`
	PipelineName string               `json:"pipeline_name,omitempty"`
	PackagePath  string               `json:"package_path,omitempty"`
	YAML         string               `json:"yaml,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type SubmitRequest struct {
	PackagePath  string         `json:"package_path"`
	PipelineYAML string         `json:"pipeline_yaml"`
	Params       map[string]any `json:"params"`
	RunName      string         `json:"run_name"`
	ExperimentID string         `json:"experiment_id"`
}

type SubmitResponse struct {
	RunID   string `json:"run_id"`
	RunName string `json:"run_name,omitempty"`
	URL     string `json:"url,omitempty"`
}

type ImportRequest struct {
	PipelineName string  `json:"pipeline_name"`
	PipelineYAML string  `json:"pipeline_yaml"`
	Description  *string `json:"description"`
}

type ImportResponse struct {
	PipelineID   string `json:"pipeline_id,omitempty"`
	PipelineName string `json:"pipeline_name,omitempty"`
	URL          string `json:"url,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Experiment struct {
	ExperimentID string `json:"experiment_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
}

type ExperimentList struct {
	Experiments   []Experiment `json:"experiments"`
	TotalSize     int          `json:"total_size,omitempty"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

type Pipeline struct {
	PipelineID  string `json:"pipeline_id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Namespace   string `json:"namespace,omitempty"`
}

type PipelineList struct {
	Pipelines     []Pipeline `json:"pipelines"`
	TotalSize     int        `json:"total_size,omitempty"`
	NextPageToken string     `json:"next_page_token,omitempty"`
}
