// Package client talks to the bridge server's REST surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kfp-notebook-bridge/internal/models"
)

const (
	DefaultTimeout = 30 * time.Second
	apiPrefix      = "/jupyterlab-kubeflow-pipelines"
	xsrfHeader     = "X-XSRFToken"
)

type Config struct {
	// ServerURL is the bridge server root including any base URL,
	// e.g. "http://127.0.0.1:8888/user/alice".
	ServerURL string
	XSRFToken string
	User      string
	Timeout   time.Duration
}

type Client struct {
	baseURL    string
	xsrfToken  string
	user       string
	httpClient *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		xsrfToken:  cfg.XSRFToken,
		user:       cfg.User,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// do sends a JSON request to an API route and decodes a 2xx reply into
// result. Non-2xx replies become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.xsrfToken != "" {
		req.Header.Set(xsrfHeader, c.xsrfToken)
	}
	if c.user != "" {
		req.Header.Set("X-Forwarded-User", c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}
	if result == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return &ShapeError{Operation: method + " " + path, Reason: err.Error()}
	}
	return nil
}

// Settings is the server's view of the connection config.
type Settings struct {
	Endpoint  string
	Namespace string
	HasToken  bool
}

type settingsWire struct {
	Endpoint  *string `json:"endpoint"`
	Namespace *string `json:"namespace"`
	HasToken  *bool   `json:"has_token"`
}

func (w settingsWire) decode(op string) (*Settings, error) {
	if w.HasToken == nil {
		return nil, &ShapeError{Operation: op, Reason: "reply lacks has_token"}
	}
	s := &Settings{HasToken: *w.HasToken}
	if w.Endpoint != nil {
		s.Endpoint = *w.Endpoint
	}
	if w.Namespace != nil {
		s.Namespace = *w.Namespace
	}
	return s, nil
}

func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var wire settingsWire
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &wire); err != nil {
		return nil, err
	}
	return wire.decode("get settings")
}

// SettingsUpdate mirrors POST /settings: nil fields are left out of the
// body so the server keeps them.
type SettingsUpdate struct {
	Endpoint  *string `json:"endpoint,omitempty"`
	Namespace *string `json:"namespace,omitempty"`
	Token     *string `json:"token,omitempty"`
}

func (c *Client) UpdateSettings(ctx context.Context, update SettingsUpdate) (*Settings, error) {
	var reply struct {
		Status string       `json:"status"`
		Config settingsWire `json:"config"`
	}
	if err := c.do(ctx, http.MethodPost, "/settings", update, &reply); err != nil {
		return nil, err
	}
	return reply.Config.decode("update settings")
}

// Debug runs the server-side connectivity test. A failed probe comes back
// as *APIError with status 502.
func (c *Client) Debug(ctx context.Context) (*models.DebugResult, error) {
	var result models.DebugResult
	if err := c.do(ctx, http.MethodGet, "/debug", nil, &result); err != nil {
		return nil, err
	}
	if result.Connectivity == "" {
		return nil, &ShapeError{Operation: "debug", Reason: "reply lacks connectivity"}
	}
	return &result, nil
}

func (c *Client) Inspect(ctx context.Context, source string) ([]models.PipelineDescriptor, error) {
	var reply models.CompileResponse
	err := c.do(ctx, http.MethodPost, "/kfp/compile", models.CompileRequest{
		SourceCode: source,
		Action:     models.ActionInspect,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if len(reply.Pipelines) == 0 && reply.Error != "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: reply.Error}
	}
	return reply.Pipelines, nil
}

func (c *Client) Compile(ctx context.Context, source, pipelineName string) (*models.CompileResponse, error) {
	var reply models.CompileResponse
	err := c.do(ctx, http.MethodPost, "/kfp/compile", models.CompileRequest{
		SourceCode:   source,
		Action:       models.ActionCompile,
		PipelineName: pipelineName,
	}, &reply)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: reply.Error}
	}
	if reply.PackagePath == "" {
		return nil, &ShapeError{Operation: "compile", Reason: "Compilation did not return a package path."}
	}
	return &reply, nil
}

func (c *Client) Submit(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error) {
	var reply models.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/kfp/submit", req, &reply); err != nil {
		return nil, err
	}
	if reply.RunID == "" {
		return nil, &ShapeError{Operation: "submit", Reason: "Submission succeeded but run_id was missing in response."}
	}
	return &reply, nil
}

func (c *Client) ImportPipeline(ctx context.Context, req models.ImportRequest) (*models.ImportResponse, error) {
	var reply models.ImportResponse
	err := c.do(ctx, http.MethodPost, "/kfp/pipelines/import", req, &reply)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		var conflict models.ImportResponse
		if json.Unmarshal([]byte(apiErr.Body), &conflict) == nil && conflict.PipelineID != "" {
			return nil, &PipelineExistsError{
				PipelineName: strings.TrimSpace(req.PipelineName),
				PipelineID:   conflict.PipelineID,
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if reply.PipelineID == "" {
		return nil, &ShapeError{Operation: "import", Reason: "Import succeeded but pipeline_id was missing in response."}
	}
	return &reply, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		run.RunID = runID
	}
	return &run, nil
}

func (c *Client) TerminateRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+":terminate", struct{}{}, nil)
}

// ListExperiments goes through the transparent KFP proxy.
func (c *Client) ListExperiments(ctx context.Context, namespace string) (*models.ExperimentList, error) {
	q := url.Values{}
	if namespace != "" {
		q.Set("namespace", namespace)
	}
	var list models.ExperimentList
	if err := c.do(ctx, http.MethodGet, "/proxy/experiments?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DashboardURL is where the proxied KFP UI is served for a run.
func (c *Client) DashboardURL(runID string) string {
	u := c.baseURL + "/kfp-ui/"
	if runID != "" {
		u += fmt.Sprintf("#/runs/details/%s", runID)
	}
	return u
}
