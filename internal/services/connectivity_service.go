package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/metrics"
	"kfp-notebook-bridge/internal/models"
)

const (
	healthzPath  = apiPrefix + "/healthz"
	maxDebugBody = 200
)

// ConnectivityService probes the KFP health endpoint for a user's config.
type ConnectivityService struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewConnectivityService(timeout time.Duration, logger *zap.Logger) *ConnectivityService {
	return &ConnectivityService{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Test never returns an error; failures are reported in the result. The
// bool is true when KFP answered at all.
func (s *ConnectivityService) Test(ctx context.Context, user string, cfg KFPConfig) (models.DebugResult, bool) {
	result := models.DebugResult{
		Config:       cfg.Public(),
		TestEndpoint: cfg.Endpoint + healthzPath,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.TestEndpoint, nil)
	if err != nil {
		return s.failed(user, result, err), false
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	metrics.RecordUpstream("healthz", start, err)
	if err != nil {
		return s.failed(user, result, err), false
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDebugBody))
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	status := resp.StatusCode

	result.Connectivity = models.ConnectivitySuccess
	result.LatencyMs = &latency
	result.StatusCode = &status
	result.Body = string(body)

	metrics.RecordConnectionTest(true)
	s.logger.Info("KFP connectivity test",
		zap.String("user", user),
		zap.String("endpoint", result.TestEndpoint),
		zap.Int("status", status),
		zap.Float64("latency_ms", latency),
	)
	return result, true
}

func (s *ConnectivityService) failed(user string, result models.DebugResult, err error) models.DebugResult {
	result.Connectivity = models.ConnectivityFailed
	result.Error = err.Error()
	result.ErrorType = fmt.Sprintf("%T", err)
	metrics.RecordConnectionTest(false)
	s.logger.Warn("KFP connectivity test failed",
		zap.String("user", user),
		zap.String("endpoint", result.TestEndpoint),
		zap.Error(err),
	)
	return result
}
