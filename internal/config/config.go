package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	KFP      KFPConfig
	Compiler CompilerConfig
	Client   ClientConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	BaseURL      string
	AllowOrigins []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TrustForwardedUser honors X-Forwarded-User from an authenticating
	// proxy. Off by default: every caller then shares one config.
	TrustForwardedUser bool
}

type KFPConfig struct {
	DefaultNamespace string
	HealthTimeout    time.Duration
	RequestTimeout   time.Duration
	ProxyTimeout     time.Duration
	WatchInterval    time.Duration
}

type CompilerConfig struct {
	Python  string
	Timeout time.Duration
	WorkDir string
}

// ClientConfig is read by kfpctl, the companion server's client.
type ClientConfig struct {
	ServerURL    string
	XSRFToken    string
	Timeout      time.Duration
	StoreKind    string
	SettingsPath string
	BadgerPath   string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnvAsString("SERVER_HOST", "127.0.0.1"),
			Port:         getEnvAsInt("SERVER_PORT", 8888),
			BaseURL:      getEnvAsString("BASE_URL", "/"),
			AllowOrigins: getEnvAsList("CORS_ALLOW_ORIGINS", []string{"http://localhost:8888"}),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 90*time.Second),

			TrustForwardedUser: getEnvAsBool("TRUST_FORWARDED_USER", false),
		},
		KFP: KFPConfig{
			DefaultNamespace: getEnvAsString("KFP_DEFAULT_NAMESPACE", "kubeflow"),
			HealthTimeout:    getEnvAsDuration("KFP_HEALTH_TIMEOUT", 5*time.Second),
			RequestTimeout:   getEnvAsDuration("KFP_REQUEST_TIMEOUT", 30*time.Second),
			ProxyTimeout:     getEnvAsDuration("KFP_PROXY_TIMEOUT", 60*time.Second),
			WatchInterval:    getEnvAsDuration("KFP_WATCH_INTERVAL", 2*time.Second),
		},
		Compiler: CompilerConfig{
			Python:  getEnvAsString("KFP_PYTHON", "python3"),
			Timeout: getEnvAsDuration("KFP_COMPILE_TIMEOUT", 120*time.Second),
			WorkDir: getEnvAsString("KFP_COMPILE_DIR", os.TempDir()),
		},
		Client: ClientConfig{
			ServerURL:    getEnvAsString("KFPCTL_SERVER", "http://127.0.0.1:8888"),
			XSRFToken:    getEnvAsString("KFPCTL_XSRF_TOKEN", ""),
			Timeout:      getEnvAsDuration("KFPCTL_TIMEOUT", 30*time.Second),
			StoreKind:    getEnvAsString("KFPCTL_STORE", "file"),
			SettingsPath: getEnvAsString("KFPCTL_SETTINGS", defaultSettingsPath()),
			BadgerPath:   getEnvAsString("KFPCTL_BADGER_DIR", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvAsString("LOG_LEVEL", "info"),
			Format: getEnvAsString("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnvAsString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnvAsString("OTEL_SERVICE_NAME", "kfp-notebook-bridge"),
		},
	}
}

func defaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "plugin.jupyterlab-settings"
	}
	return home + "/.jupyter/lab/user-settings/jupyterlab-kubeflow-pipelines/plugin.jupyterlab-settings"
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
