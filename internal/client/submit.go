package client

import (
	"context"
	"fmt"

	"kfp-notebook-bridge/internal/models"
)

// Status receives progress lines of a multi-step action.
type Status func(msg string)

// SubmitNotebookRequest compiles one pipeline from notebook source and
// starts a run of it.
type SubmitNotebookRequest struct {
	Source       string
	PipelineName string
	Params       map[string]any
	RunName      string
	ExperimentID string
}

func (c *Client) SubmitNotebook(ctx context.Context, req SubmitNotebookRequest, status Status) (*models.SubmitResponse, error) {
	if status == nil {
		status = func(string) {}
	}

	status("Processing...")
	status("Compiling pipeline...")
	compiled, err := c.Compile(ctx, req.Source, req.PipelineName)
	if err != nil {
		return nil, err
	}

	status("Submitting run...")
	result, err := c.Submit(ctx, models.SubmitRequest{
		PackagePath:  compiled.PackagePath,
		Params:       req.Params,
		RunName:      req.RunName,
		ExperimentID: req.ExperimentID,
	})
	if err != nil {
		return nil, err
	}

	status(fmt.Sprintf("Run submitted successfully! Run ID: %s", result.RunID))
	return result, nil
}

// Terminate asks KFP to stop runID and reports it through status.
func (c *Client) Terminate(ctx context.Context, runID string, status Status) error {
	if err := c.TerminateRun(ctx, runID); err != nil {
		return err
	}
	if status != nil {
		status(fmt.Sprintf("Termination requested for run %s.", runID))
	}
	return nil
}
