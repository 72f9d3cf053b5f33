package handlers

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/models"
	"kfp-notebook-bridge/internal/pkg/logger"
	"kfp-notebook-bridge/internal/services"
	"kfp-notebook-bridge/pkg/utils"
)

const terminateSuffix = ":terminate"

var upgrader = websocket.Upgrader{
	CheckOrigin: sameOrigin,
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// GetRun passes KFP's run document through untouched.
func (h *Handler) GetRun(c *gin.Context) {
	svc, _, ok := h.kfpFor(c)
	if !ok {
		return
	}
	h.forward(c, svc, http.MethodGet, "/apis/v2beta1/runs/"+url.PathEscape(c.Param("id")), nil, "")
}

// RunAction serves POST /runs/<id>:terminate. The action suffix is part of
// the path segment, so it arrives inside the id parameter.
func (h *Handler) RunAction(c *gin.Context) {
	id := c.Param("id")
	if !strings.HasSuffix(id, terminateSuffix) {
		replyError(c, utils.NewNotFoundError("Unknown run action."))
		return
	}
	runID := strings.TrimSuffix(id, terminateSuffix)

	svc, _, ok := h.kfpFor(c)
	if !ok {
		return
	}
	zap.L().Info("Terminating run", zap.String("run_id", runID), zap.String("user", h.userKey(c)))
	h.forward(c, svc, http.MethodPost, "/apis/v2beta1/runs/"+url.PathEscape(runID)+terminateSuffix, []byte("{}"), runID)
}

func (h *Handler) forward(c *gin.Context, svc *services.KFPService, method, path string, body []byte, terminatedRun string) {
	resp, err := svc.Forward(c.Request.Context(), method, path, body)
	if err != nil {
		logger.UpstreamError(method+" "+path, err)
		replyError(c, utils.NewUpstreamError("reach the run API", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		replyError(c, utils.NewUpstreamError("read the run API reply", err))
		return
	}
	if len(data) == 0 && terminatedRun != "" {
		c.JSON(resp.StatusCode, gin.H{"status": "ok", "run_id": terminatedRun})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, data)
}

// WatchRun streams run state changes over a websocket until the run reaches
// a terminal state or the client goes away.
func (h *Handler) WatchRun(c *gin.Context) {
	runID := c.Param("id")
	svc, _, ok := h.kfpFor(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain client frames; a read error means the peer closed.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	zap.L().Info("Run watch started", zap.String("run_id", runID))
	events := WatchRunEvents(ctx, svc, runID, h.watchInterval)
	for ev := range events {
		if err := ws.WriteJSON(ev); err != nil {
			zap.L().Warn("WebSocket write error", zap.Error(err))
			return
		}
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	zap.L().Info("Run watch closed", zap.String("run_id", runID))
}

// RunGetter is the part of the KFP client the watcher needs.
type RunGetter interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
}

// WatchRunEvents polls runID and emits an event whenever the state changes.
// The channel closes after a terminal state, a lookup error, or ctx end.
func WatchRunEvents(ctx context.Context, runs RunGetter, runID string, interval time.Duration) <-chan models.RunEvent {
	out := make(chan models.RunEvent)
	go func() {
		defer close(out)
		start := time.Now()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := ""
		for {
			run, err := runs.GetRun(ctx, runID)
			ev := models.RunEvent{RunID: runID, ElapsedMs: time.Since(start).Milliseconds()}
			if err != nil {
				ev.Error = err.Error()
				ev.Terminal = true
				select {
				case out <- ev:
				case <-ctx.Done():
				}
				return
			}

			if run.State != last {
				last = run.State
				ev.State = run.State
				ev.Terminal = models.IsTerminalRunState(run.State)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal {
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
