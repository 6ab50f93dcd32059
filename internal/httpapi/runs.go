package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"changeobserver/internal/fault"
	"changeobserver/internal/storage"
	"changeobserver/internal/task/engine"
	logx "changeobserver/pkg/logx"
)

// triggerRun queues a run. A run already in progress answers 409.
func (h *handlers) triggerRun(c *gin.Context) {
	if h.deps.Trigger == nil {
		abort(c, fault.Configurationf("http.runs", "run trigger unavailable"))
		return
	}
	err := h.deps.Trigger.Trigger(h.deps.RunName)
	switch {
	case err == nil:
		h.log.Info("run triggered", logx.String("ip", c.ClientIP()))
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, engine.ErrOverlapSkip):
		c.JSON(http.StatusConflict, gin.H{"status": "running"})
	case errors.Is(err, engine.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Run queue is full."})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "Runs are unavailable."})
	}
}

func (h *handlers) listRuns(c *gin.Context) {
	if h.deps.Runs == nil {
		abort(c, fault.Configurationf("http.runs", "run store unavailable"))
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			abort(c, fault.Validationf("http.runs", "limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	runs, err := h.deps.Runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		abort(c, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}
