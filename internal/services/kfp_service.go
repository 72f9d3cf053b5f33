package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"kfp-notebook-bridge/internal/metrics"
	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/pkg/utils"
)

const apiPrefix = "/apis/v2beta1"

var (
	ErrNotConfigured  = errors.New("KFP endpoint is not configured in the backend.")
	ErrInvalidPackage = errors.New("invalid pipeline package")
)

// StatusError is returned when KFP answers with an unexpected status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// KFPService talks to the Kubeflow Pipelines v2beta1 REST API on behalf of
// one user's config.
type KFPService struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewKFPService(cfg KFPConfig, httpClient *http.Client, logger *zap.Logger) (*KFPService, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	base, err := utils.NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	return &KFPService{
		baseURL:    base,
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (s *KFPService) BaseURL() string {
	return s.baseURL
}

// Host is the origin used to build dashboard links.
func (s *KFPService) Host() string {
	host, err := utils.KFPHost(s.baseURL)
	if err != nil {
		return s.baseURL
	}
	return host
}

func (s *KFPService) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

func (s *KFPService) do(ctx context.Context, operation string, req *http.Request, result interface{}) error {
	ctx, span := otel.Tracer("kfp-bridge").Start(ctx, "kfp."+operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("kfp.path", req.URL.Path),
	)

	start := time.Now()
	resp, err := s.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordUpstream(operation, start, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		err := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		metrics.RecordUpstream(operation, start, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.RecordUpstream(operation, start, nil)
	span.SetStatus(codes.Ok, "")

	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (s *KFPService) get(ctx context.Context, operation, path string, result interface{}) error {
	req, err := s.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return s.do(ctx, operation, req, result)
}

func (s *KFPService) post(ctx context.Context, operation, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := s.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(ctx, operation, req, result)
}

// Forward sends a raw request and hands back the response untouched.
// The caller closes the body.
func (s *KFPService) Forward(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := s.newRequest(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.RecordUpstream("forward", start, err)
	return resp, err
}

func (s *KFPService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := s.get(ctx, "get_run", apiPrefix+"/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		run.RunID = runID
	}
	return &run, nil
}

// CreateRunInput describes a run built from a compiled pipeline package.
type CreateRunInput struct {
	DisplayName  string
	ExperimentID string
	PipelineYAML []byte
	Parameters   map[string]any
}

type createRunBody struct {
	DisplayName   string         `json:"display_name"`
	ExperimentID  string         `json:"experiment_id,omitempty"`
	PipelineSpec  map[string]any `json:"pipeline_spec"`
	RuntimeConfig runtimeConfig  `json:"runtime_config"`
}

type runtimeConfig struct {
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *KFPService) CreateRun(ctx context.Context, in CreateRunInput) (*models.Run, error) {
	spec, err := ParsePipelinePackage(in.PipelineYAML)
	if err != nil {
		return nil, err
	}

	body := createRunBody{
		DisplayName:   in.DisplayName,
		ExperimentID:  in.ExperimentID,
		PipelineSpec:  spec,
		RuntimeConfig: runtimeConfig{Parameters: in.Parameters},
	}

	var run models.Run
	if err := s.post(ctx, "create_run", apiPrefix+"/runs", body, &run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		return nil, errors.New("KFP accepted the run but returned no run_id")
	}
	s.logger.Info("KFP run created", zap.String("run_id", run.RunID), zap.String("display_name", in.DisplayName))
	return &run, nil
}

// ParsePipelinePackage decodes a compiled pipeline YAML. A second document,
// when present, is the platform spec and is nested next to the pipeline spec.
func ParsePipelinePackage(data []byte) (map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var docs []map[string]any
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPackage, err)
		}
		if doc != nil {
			docs = append(docs, doc)
		}
	}

	switch len(docs) {
	case 0:
		return nil, fmt.Errorf("%w: empty document", ErrInvalidPackage)
	case 1:
		return docs[0], nil
	default:
		return map[string]any{
			"pipeline_spec": docs[0],
			"platform_spec": docs[1],
		}, nil
	}
}

func (s *KFPService) ListPipelines(ctx context.Context, namespace, filter string, pageSize int) (*models.PipelineList, error) {
	q := url.Values{}
	q.Set("page_size", fmt.Sprint(pageSize))
	if namespace != "" {
		q.Set("namespace", namespace)
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	var list models.PipelineList
	if err := s.get(ctx, "list_pipelines", apiPrefix+"/pipelines?"+q.Encode(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func displayNameFilter(name string) string {
	filter := map[string]any{
		"predicates": []map[string]any{{
			"key":          "display_name",
			"operation":    "EQUALS",
			"string_value": name,
		}},
	}
	b, _ := json.Marshal(filter)
	return string(b)
}

// FindPipelineIDByName tries a server-side filter first and falls back to a
// client-side scan. Lookup failures are treated as "not found".
func (s *KFPService) FindPipelineIDByName(ctx context.Context, name, namespace string) string {
	if list, err := s.ListPipelines(ctx, namespace, displayNameFilter(name), 50); err == nil {
		for _, p := range list.Pipelines {
			if p.DisplayName == name {
				return p.PipelineID
			}
		}
	} else {
		s.logger.Debug("filtered pipeline lookup failed", zap.Error(err))
	}

	list, err := s.ListPipelines(ctx, namespace, "", 200)
	if err != nil {
		s.logger.Debug("pipeline scan failed", zap.Error(err))
		return ""
	}
	for _, p := range list.Pipelines {
		if p.DisplayName == name {
			return p.PipelineID
		}
	}
	return ""
}

// UploadPipeline registers a pipeline package under name.
func (s *KFPService) UploadPipeline(ctx context.Context, name, description, namespace string, pipelineYAML []byte) (*models.Pipeline, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("uploadfile", sanitizeFileName(name)+".yaml")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(pipelineYAML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("name", name)
	q.Set("display_name", name)
	if description != "" {
		q.Set("description", description)
	}
	if namespace != "" {
		q.Set("namespace", namespace)
	}

	req, err := s.newRequest(ctx, http.MethodPost, apiPrefix+"/pipelines/upload?"+q.Encode(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var pipeline models.Pipeline
	if err := s.do(ctx, "upload_pipeline", req, &pipeline); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, name)
}
