package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kfp-notebook-bridge/internal/handlers"
	"kfp-notebook-bridge/pkg/utils"
)

// APIPrefix is where the extension REST surface is mounted below the base URL.
const APIPrefix = "jupyterlab-kubeflow-pipelines"

// RegisterValidators adds the custom binding rules used by request models.
func RegisterValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("namespace", func(fl validator.FieldLevel) bool {
			_, err := utils.NormalizeNamespace(fl.Field().String())
			return err == nil
		})
	}
}

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, baseURL string) {
	RegisterValidators()
	baseURL = utils.NormalizeBasePath(baseURL)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	base := r.Group(baseURL)

	api := base.Group("/" + APIPrefix)
	{
		api.GET("/settings", h.GetSettings)
		api.POST("/settings", h.UpdateSettings)
		api.GET("/debug", h.Debug)
		api.Any("/proxy/*path", h.ProxyAPI)

		kfp := api.Group("/kfp")
		{
			kfp.POST("/compile", h.Compile)
			kfp.POST("/submit", h.Submit)
			kfp.POST("/pipelines/import", h.ImportPipeline)
		}

		runs := api.Group("/runs")
		{
			runs.GET("/:id", h.GetRun)
			runs.POST("/:id", h.RunAction)
			runs.GET("/:id/watch", h.WatchRun)
		}
	}

	base.Any("/kfp-ui/*path", h.ProxyUI)

	// Root-relative dashboard calls: redirected under the base URL when the
	// server is mounted below one, proxied in place otherwise.
	mounted := baseURL != "/"
	for _, prefix := range handlers.RootPrefixes {
		if mounted {
			r.Any(prefix+"/*path", h.RootRedirect)
			base.Any(prefix+"/*path", h.ProxyRoot)
		} else {
			r.Any(prefix+"/*path", h.ProxyRoot)
		}
	}
}
