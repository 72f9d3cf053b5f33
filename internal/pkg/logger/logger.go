package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger and installs it as zap's global.
func NewLogger(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" || format == "text" {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func SettingsUpdated(user, endpoint, namespace string, hasToken bool) {
	zap.L().Info("KFP config updated",
		zap.String("user", user),
		zap.String("endpoint", endpoint),
		zap.String("namespace", namespace),
		zap.Bool("has_token", hasToken),
	)
}

func ProxyRequest(kind, method, path, target string) {
	zap.L().Info("KFP proxy request",
		zap.String("type", kind),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("target", target),
	)
}

func UpstreamError(operation string, err error) {
	zap.L().Error("KFP upstream call failed",
		zap.String("operation", operation),
		zap.Error(err),
	)
}
