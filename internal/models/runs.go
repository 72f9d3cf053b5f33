package models

import "time"

// Run is the subset of a KFP v2beta1 run the bridge cares about.
type Run struct {
	RunID        string     `json:"run_id"`
	DisplayName  string     `json:"display_name,omitempty"`
	ExperimentID string     `json:"experiment_id,omitempty"`
	State        string     `json:"state,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunEvent is one frame of the run watch stream.
type RunEvent struct {
	RunID     string `json:"run_id"`
	State     string `json:"state,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Terminal  bool   `json:"terminal"`
	Error     string `json:"error,omitempty"`
}

var terminalRunStates = map[string]bool{
	"SUCCEEDED": true,
	"FAILED":    true,
	"CANCELED":  true,
	"CANCELLED": true,
	"SKIPPED":   true,
	"ERROR":     true,
}

func IsTerminalRunState(state string) bool {
	return terminalRunStates[state]
}
