// Package store holds the durable extension settings: the endpoint and
// namespace keys of the jupyterlab-kubeflow-pipelines:plugin settings.
package store

import (
	"context"
	"errors"
)

// PluginID is the settings namespace all keys live under.
const PluginID = "jupyterlab-kubeflow-pipelines:plugin"

const (
	KeyEndpoint  = "endpoint"
	KeyNamespace = "namespace"
)

var ErrNotFound = errors.New("setting not found")

// Store is a small key/value settings backend. Values are whatever the
// backend decoded, so callers must type-check them.
type Store interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
	Close() error
}
