package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"kfp-notebook-bridge/internal/pkg/logger"
	"kfp-notebook-bridge/pkg/utils"
)

// RootPrefixes are paths the embedded dashboard requests relative to the
// server root instead of the proxy mount.
var RootPrefixes = []string{
	"/ml_metadata.MetadataStoreService",
	"/system",
	"/apis/v1beta1",
	"/apis/v2beta1",
	"/k8s",
}

// ProxyAPI forwards /proxy/<path> to <endpoint>/apis/v2beta1/<path>.
func (h *Handler) ProxyAPI(c *gin.Context) {
	svc, cfg, ok := h.kfpFor(c)
	if !ok {
		return
	}
	target, err := url.Parse(svc.BaseURL())
	if err != nil {
		replyError(c, utils.NewValidationError(err))
		return
	}

	upstreamPath := target.Path + "/apis/v2beta1/" + strings.TrimPrefix(c.Param("path"), "/")
	logger.ProxyRequest("api", c.Request.Method, c.Param("path"), target.Host+upstreamPath)

	proxy := &httputil.ReverseProxy{
		Transport: h.transport,
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Scheme = target.Scheme
			r.Out.URL.Host = target.Host
			r.Out.URL.Path = upstreamPath
			r.Out.URL.RawPath = ""
			r.Out.Host = target.Host
			if cfg.Token != "" {
				r.Out.Header.Set("Authorization", "Bearer "+cfg.Token)
			}
		},
		ErrorHandler: proxyErrorHandler("api proxy", target.String()+upstreamPath),
	}
	h.serveProxy(c, proxy)
}

// ProxyUI serves the KFP dashboard from /kfp-ui/<path> so it can sit in an
// iframe of the notebook page.
func (h *Handler) ProxyUI(c *gin.Context) {
	h.proxyDashboard(c, strings.TrimPrefix(c.Param("path"), "/"))
}

// ProxyRoot serves dashboard calls that arrive under the mount prefix with
// their original root path, e.g. <base>/system/...
func (h *Handler) ProxyRoot(c *gin.Context) {
	p := c.Request.URL.Path
	if base := strings.TrimSuffix(h.baseURL, "/"); base != "" {
		p = strings.TrimPrefix(p, base)
	}
	h.proxyDashboard(c, strings.TrimPrefix(p, "/"))
}

func (h *Handler) proxyDashboard(c *gin.Context, upstream string) {
	cfg := h.settings.Get(h.userKey(c))
	endpoint, err := utils.NormalizeEndpoint(cfg.Endpoint)
	if err != nil || endpoint == "" {
		c.AbortWithStatusJSON(http.StatusPreconditionFailed, gin.H{"error": "KFP endpoint is not configured in the backend."})
		return
	}
	target, err := url.Parse(endpoint)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
		return
	}

	upstreamPath := target.Path + "/" + upstream
	logger.ProxyRequest("ui", c.Request.Method, upstream, target.Host+upstreamPath)

	mount := path.Join(h.baseURL, "kfp-ui")
	proxy := &httputil.ReverseProxy{
		Transport: h.transport,
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Scheme = target.Scheme
			r.Out.URL.Host = target.Host
			r.Out.URL.Path = upstreamPath
			r.Out.URL.RawPath = ""
			r.Out.Host = target.Host
			if cfg.Token != "" {
				r.Out.Header.Set("Authorization", "Bearer "+cfg.Token)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			hdr := resp.Header
			hdr.Del("Set-Cookie")
			hdr.Del("Server")
			hdr.Del("Content-Length")
			hdr.Del("Transfer-Encoding")
			if loc := hdr.Get("Location"); loc != "" {
				hdr.Set("Location", RewriteLocation(loc, endpoint, mount))
			}
			hdr.Set("X-Frame-Options", "SAMEORIGIN")
			hdr.Set("Content-Security-Policy", "frame-ancestors 'self'")
			switch {
			case strings.HasSuffix(upstream, ".js"):
				hdr.Set("Content-Type", "application/javascript")
			case strings.HasSuffix(upstream, ".css"):
				hdr.Set("Content-Type", "text/css")
			}
			return nil
		},
		ErrorHandler: proxyErrorHandler("ui proxy", target.Scheme+"://"+target.Host+upstreamPath),
	}
	h.serveProxy(c, proxy)
}

func (h *Handler) serveProxy(c *gin.Context, proxy *httputil.ReverseProxy) {
	req := c.Request
	if h.proxyTimeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), h.proxyTimeout)
		defer cancel()
		req = req.WithContext(ctx)
	}
	proxy.ServeHTTP(c.Writer, req)
}

func proxyErrorHandler(operation, target string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		logger.UpstreamError(operation, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":      err.Error(),
			"error_type": fmt.Sprintf("%T", err),
			"kfp_url":    target,
		})
	}
}

// RewriteLocation maps a redirect issued by KFP back into the proxy mount.
func RewriteLocation(location, endpoint, mount string) string {
	mount = strings.TrimSuffix(mount, "/")
	switch {
	case strings.HasPrefix(location, endpoint):
		return mount + strings.TrimPrefix(location, endpoint)
	case strings.HasPrefix(location, "/"):
		return mount + location
	default:
		return location
	}
}

// RootRedirect moves a root-relative dashboard call under the server mount
// prefix with a 307 so the method and body are kept.
func (h *Handler) RootRedirect(c *gin.Context) {
	if h.baseURL == "/" {
		c.Status(http.StatusNotFound)
		return
	}

	target := strings.TrimSuffix(h.baseURL, "/") + "/" + strings.TrimPrefix(c.Request.URL.Path, "/")
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusTemporaryRedirect, target)
}
