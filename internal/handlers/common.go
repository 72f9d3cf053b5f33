package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/services"
	"kfp-notebook-bridge/pkg/utils"
)

const (
	userHeader  = "X-Forwarded-User"
	defaultUser = "default"
)

// Handler serves the bridge REST surface. Per-user KFP config lives in the
// settings service; everything else is built per request from it.
type Handler struct {
	settings      *services.SettingsService
	connectivity  *services.ConnectivityService
	compiler      services.PipelineCompiler
	httpClient    *http.Client
	transport     http.RoundTripper
	proxyTimeout  time.Duration
	baseURL       string
	packageDir    string
	watchInterval time.Duration
	trustUser     bool
}

type Options struct {
	RequestTimeout time.Duration
	ProxyTimeout   time.Duration
	WatchInterval  time.Duration
	// BaseURL is the server mount prefix, e.g. "/user/alice/".
	BaseURL string
	// PackageDir is where compiled packages are written; submitted
	// packages inside it are removed afterwards.
	PackageDir string
	// TrustForwardedUser keys per-user config on X-Forwarded-User. Only set
	// it behind a proxy that authenticates users and overwrites the header.
	TrustForwardedUser bool
}

func NewHandler(settings *services.SettingsService, connectivity *services.ConnectivityService, compiler services.PipelineCompiler, opts Options) *Handler {
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 2 * time.Second
	}
	return &Handler{
		settings:      settings,
		connectivity:  connectivity,
		compiler:      compiler,
		httpClient:    &http.Client{Timeout: opts.RequestTimeout},
		transport:     http.DefaultTransport,
		proxyTimeout:  opts.ProxyTimeout,
		baseURL:       utils.NormalizeBasePath(opts.BaseURL),
		packageDir:    opts.PackageDir,
		watchInterval: opts.WatchInterval,
		trustUser:     opts.TrustForwardedUser,
	}
}

// userKey names the caller's config slot. Without a trusted proxy every
// caller shares the default slot.
func (h *Handler) userKey(c *gin.Context) string {
	if !h.trustUser {
		return defaultUser
	}
	if user := strings.TrimSpace(c.GetHeader(userHeader)); user != "" {
		return user
	}
	return defaultUser
}

func replyError(c *gin.Context, err *utils.APIError) {
	c.AbortWithStatusJSON(err.Status, err)
}

// kfpFor builds a KFP client for the calling user, replying 400 when the
// endpoint is not set.
func (h *Handler) kfpFor(c *gin.Context) (*services.KFPService, services.KFPConfig, bool) {
	user := h.userKey(c)
	cfg := h.settings.Get(user)
	svc, err := services.NewKFPService(cfg, h.httpClient, zap.L())
	if err != nil {
		replyError(c, utils.NewNotConfiguredError())
		return nil, cfg, false
	}
	return svc, cfg, true
}
