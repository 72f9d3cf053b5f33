package services

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/metrics"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/pkg/utils"
)

//go:embed pipeline_helper.py
var pipelineHelper []byte

const mockIPython = "\n# Mock get_ipython for compatibility\nif 'get_ipython' not in globals():\n    get_ipython = lambda: None\n"

var (
	ErrNoPipelines      = errors.New("No @dsl.pipeline decorated functions found in the provided code.")
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// CompiledPipeline is a pipeline package written to PackagePath.
type CompiledPipeline struct {
	PipelineName string
	PackagePath  string
	YAML         string
}

// PipelineCompiler finds and compiles pipelines in notebook source.
type PipelineCompiler interface {
	Inspect(ctx context.Context, source string) ([]models.PipelineDescriptor, error)
	Compile(ctx context.Context, source, pipelineName string) (*CompiledPipeline, error)
}

// PythonCompiler runs the KFP Python SDK in a child interpreter.
type PythonCompiler struct {
	python  string
	workDir string
	timeout time.Duration
	logger  *zap.Logger
}

func NewPythonCompiler(python, workDir string, timeout time.Duration, logger *zap.Logger) *PythonCompiler {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &PythonCompiler{
		python:  python,
		workDir: workDir,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *PythonCompiler) WorkDir() string {
	return c.workDir
}

type helperRequest struct {
	Action       string `json:"action"`
	SourceFile   string `json:"source_file"`
	PipelineName string `json:"pipeline_name,omitempty"`
	PackagePath  string `json:"package_path,omitempty"`
}

type helperReply struct {
	Pipelines    []models.PipelineDescriptor `json:"pipelines"`
	PipelineName string                      `json:"pipeline_name"`
	Error        string                      `json:"error"`
	NotFound     bool                        `json:"not_found"`
}

func (c *PythonCompiler) Inspect(ctx context.Context, source string) ([]models.PipelineDescriptor, error) {
	reply, err := c.run(ctx, helperRequest{Action: models.ActionInspect}, source)
	metrics.RecordCompile(models.ActionInspect, err)
	if err != nil {
		return nil, err
	}
	if len(reply.Pipelines) == 0 {
		return nil, ErrNoPipelines
	}
	return reply.Pipelines, nil
}

func (c *PythonCompiler) Compile(ctx context.Context, source, pipelineName string) (*CompiledPipeline, error) {
	packagePath := filepath.Join(c.workDir, fmt.Sprintf("kfp-%s.yaml", uuid.New().String()))

	reply, err := c.run(ctx, helperRequest{
		Action:       models.ActionCompile,
		PipelineName: pipelineName,
		PackagePath:  packagePath,
	}, source)
	metrics.RecordCompile(models.ActionCompile, err)
	if err != nil {
		_ = os.Remove(packagePath)
		return nil, err
	}
	if reply.PipelineName == "" {
		_ = os.Remove(packagePath)
		return nil, ErrNoPipelines
	}

	data, err := os.ReadFile(packagePath)
	if err != nil {
		_ = os.Remove(packagePath)
		return nil, fmt.Errorf("read compiled package: %w", err)
	}

	c.logger.Info("Pipeline compiled",
		zap.String("pipeline", reply.PipelineName),
		zap.String("package_path", packagePath),
	)
	return &CompiledPipeline{
		PipelineName: reply.PipelineName,
		PackagePath:  packagePath,
		YAML:         string(data),
	}, nil
}

func (c *PythonCompiler) run(ctx context.Context, req helperRequest, source string) (*helperReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id := uuid.New().String()
	sourceFile := filepath.Join(c.workDir, fmt.Sprintf("kfp-src-%s.py", id))
	helperFile := filepath.Join(c.workDir, fmt.Sprintf("kfp-helper-%s.py", id))
	defer func() {
		_ = os.Remove(sourceFile)
		_ = os.Remove(helperFile)
	}()

	code := utils.CommentOutMagics(source) + mockIPython
	if err := os.WriteFile(sourceFile, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write notebook source: %w", err)
	}
	if err := os.WriteFile(helperFile, pipelineHelper, 0o600); err != nil {
		return nil, fmt.Errorf("write pipeline helper: %w", err)
	}

	req.SourceFile = sourceFile
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.python, helperFile)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.Error("Pipeline helper failed",
			zap.String("action", req.Action),
			zap.String("stderr", stderr.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("run %s: %w", c.python, err)
	}
	if stderr.Len() > 0 {
		c.logger.Warn("Pipeline helper reported", zap.String("stderr", stderr.String()))
	}

	var reply helperReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return nil, fmt.Errorf("decode helper output: %w", err)
	}
	if reply.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, reply.Error)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return &reply, nil
}
