package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/services"
	"kfp-notebook-bridge/pkg/utils"
)

const defaultRunName = "Notebook Run"

// Compile inspects notebook source for pipelines or compiles one of them.
func (h *Handler) Compile(c *gin.Context) {
	var req models.CompileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		replyError(c, utils.NewValidationError(err))
		return
	}
	if req.SourceCode == "" {
		replyError(c, utils.NewBadRequestError("No source_code provided"))
		return
	}
	if req.Action == "" {
		req.Action = models.ActionInspect
	}

	ctx := c.Request.Context()
	if req.Action == models.ActionInspect {
		pipelines, err := h.compiler.Inspect(ctx, req.SourceCode)
		if errors.Is(err, services.ErrNoPipelines) {
			c.JSON(http.StatusOK, gin.H{"pipelines": []models.PipelineDescriptor{}, "error": err.Error()})
			return
		}
		if err != nil {
			zap.L().Error("Pipeline inspection failed", zap.Error(err))
			replyError(c, utils.NewSystemError(err))
			return
		}
		c.JSON(http.StatusOK, models.CompileResponse{Pipelines: pipelines})
		return
	}

	compiled, err := h.compiler.Compile(ctx, req.SourceCode, req.PipelineName)
	switch {
	case errors.Is(err, services.ErrNoPipelines):
		c.JSON(http.StatusOK, gin.H{"pipelines": []models.PipelineDescriptor{}, "error": err.Error()})
	case errors.Is(err, services.ErrPipelineNotFound):
		replyError(c, utils.NewNotFoundError(fmt.Sprintf("Pipeline '%s' not found.", req.PipelineName)))
	case err != nil:
		zap.L().Error("Pipeline compilation failed", zap.Error(err))
		replyError(c, utils.NewSystemError(err))
	default:
		c.JSON(http.StatusOK, models.CompileResponse{
			Status:       "compiled",
			PipelineName: compiled.PipelineName,
			PackagePath:  compiled.PackagePath,
			YAML:         compiled.YAML,
		})
	}
}

// Submit starts a KFP run from a compiled package.
func (h *Handler) Submit(c *gin.Context) {
	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		replyError(c, utils.NewValidationError(err))
		return
	}
	if req.RunName == "" {
		req.RunName = defaultRunName
	}

	svc, _, ok := h.kfpFor(c)
	if !ok {
		return
	}
	if req.PipelineYAML == "" && req.PackagePath == "" {
		replyError(c, utils.NewBadRequestError("No pipeline_yaml or package_path provided"))
		return
	}

	pipelineYAML := []byte(req.PipelineYAML)
	if len(pipelineYAML) == 0 {
		data, err := os.ReadFile(req.PackagePath)
		if err != nil {
			replyError(c, utils.NewBadRequestError("Pipeline file not found: "+req.PackagePath))
			return
		}
		pipelineYAML = data
		defer h.removePackage(req.PackagePath)
	}

	run, err := svc.CreateRun(c.Request.Context(), services.CreateRunInput{
		DisplayName:  req.RunName,
		ExperimentID: req.ExperimentID,
		PipelineYAML: pipelineYAML,
		Parameters:   req.Params,
	})
	if err != nil {
		if errors.Is(err, services.ErrInvalidPackage) {
			replyError(c, utils.NewValidationError(err))
			return
		}
		replyError(c, utils.NewUpstreamError("submit the run", err))
		return
	}

	c.JSON(http.StatusOK, models.SubmitResponse{
		RunID:   run.RunID,
		RunName: req.RunName,
		URL:     fmt.Sprintf("%s/#/runs/details/%s", svc.Host(), run.RunID),
	})
}

func (h *Handler) removePackage(path string) {
	if h.packageDir == "" || filepath.Dir(filepath.Clean(path)) != filepath.Clean(h.packageDir) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		zap.L().Warn("Failed to remove pipeline package", zap.String("path", path), zap.Error(err))
	}
}

// ImportPipeline registers a compiled pipeline under a new name, refusing
// names that already exist.
func (h *Handler) ImportPipeline(c *gin.Context) {
	var req models.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		replyError(c, utils.NewBadRequestError("Invalid JSON body"))
		return
	}

	pipelineYAML := strings.TrimSpace(req.PipelineYAML)
	name := strings.TrimSpace(req.PipelineName)
	description := ""
	if req.Description != nil {
		description = strings.TrimSpace(*req.Description)
	}
	if pipelineYAML == "" {
		replyError(c, utils.NewBadRequestError("pipeline_yaml is required"))
		return
	}
	if name == "" {
		replyError(c, utils.NewBadRequestError("pipeline_name is required"))
		return
	}

	svc, cfg, ok := h.kfpFor(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if existing := svc.FindPipelineIDByName(ctx, name, cfg.Namespace); existing != "" {
		c.JSON(http.StatusConflict, models.ImportResponse{
			Error:        "A pipeline with this name already exists.",
			PipelineID:   existing,
			PipelineName: name,
		})
		return
	}

	pipeline, err := svc.UploadPipeline(ctx, name, description, cfg.Namespace, []byte(pipelineYAML))
	if err != nil {
		replyError(c, utils.NewUpstreamError("upload the pipeline", err))
		return
	}

	zap.L().Info("Pipeline imported", zap.String("pipeline_id", pipeline.PipelineID), zap.String("name", name))
	c.JSON(http.StatusOK, models.ImportResponse{
		PipelineID:   pipeline.PipelineID,
		PipelineName: name,
		URL:          fmt.Sprintf("%s/#/pipelines/details/%s", svc.Host(), pipeline.PipelineID),
	})
}
