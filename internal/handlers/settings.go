package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/pkg/logger"
	"kfp-notebook-bridge/pkg/utils"
)

func (h *Handler) GetSettings(c *gin.Context) {
	cfg := h.settings.Get(h.userKey(c))
	c.JSON(http.StatusOK, cfg.Public())
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var req models.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		zap.L().Warn("Invalid settings request", zap.Error(err))
		replyError(c, utils.NewValidationError(err))
		return
	}

	user := h.userKey(c)
	cfg, err := h.settings.Update(user, req)
	if err != nil {
		zap.L().Warn("Rejected settings update", zap.String("user", user), zap.Error(err))
		replyError(c, utils.NewValidationError(err))
		return
	}

	logger.SettingsUpdated(user, cfg.Endpoint, cfg.Namespace, cfg.Token != "")
	c.JSON(http.StatusOK, models.SettingsResponse{
		Status: "success",
		Config: cfg.Public(),
	})
}

// Debug checks that the configured KFP answers its health endpoint.
func (h *Handler) Debug(c *gin.Context) {
	user := h.userKey(c)
	cfg := h.settings.Get(user)
	if cfg.Endpoint == "" {
		replyError(c, utils.NewBadRequestError("No endpoint configured"))
		return
	}

	result, ok := h.connectivity.Test(c.Request.Context(), user, cfg)
	if !ok {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
