// Package metrics exposes Prometheus metrics for the KFP bridge server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kfp_bridge"

var (
	HTTPRequestLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_latency_seconds",
			Help:      "Latency of requests served by the bridge in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the Kubeflow Pipelines backend.",
		},
		[]string{"operation", "result"},
	)

	UpstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Latency of Kubeflow Pipelines calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	ConnectionTestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_tests_total",
			Help:      "Connectivity tests against the KFP health endpoint.",
		},
		[]string{"result"},
	)

	CompileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_total",
			Help:      "Pipeline inspect/compile invocations.",
		},
		[]string{"action", "result"},
	)
)

func RecordUpstream(operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	UpstreamRequestsTotal.WithLabelValues(operation, result).Inc()
	UpstreamLatencySeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func RecordConnectionTest(connected bool) {
	result := "success"
	if !connected {
		result = "failure"
	}
	ConnectionTestsTotal.WithLabelValues(result).Inc()
}

func RecordCompile(action string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	CompileTotal.WithLabelValues(action, result).Inc()
}
