package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	logx "changeobserver/pkg/logx"
)

type handlers struct {
	deps     Deps
	log      logx.Logger
	validate *validator.Validate
}

func init() { gin.SetMode(gin.ReleaseMode) }

func newRouter(cfg Config, deps Deps, log logx.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("http handler panic", logx.Any("panic", rec), logx.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: msgInternal})
	}))
	r.Use(requestLogger(log, deps.Metrics))

	h := &handlers{deps: deps, log: log, validate: validator.New(validator.WithRequiredStructEnabled())}

	r.GET("/healthz", h.health)
	if deps.MetricsH != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsH))
	}
	if dir := strings.TrimSpace(deps.ImagesDir); dir != "" {
		r.Static("/images", dir)
	}

	api := r.Group("/", rateLimit(cfg.RatePerSec, cfg.Burst))
	markers := api.Group("/markers")
	{
		markers.POST("", h.createMarker)
		markers.GET("", h.listMarkers)
		markers.GET("/:id", h.getMarker)
		markers.PUT("/:id", h.updateMarker)
		markers.DELETE("/:id", h.deleteMarker)
		markers.POST("/:id/subscribers", h.subscribe)
		markers.DELETE("/:id/subscribers/:email", h.unsubscribe)
	}
	runs := api.Group("/runs")
	{
		runs.POST("", h.triggerRun)
		runs.GET("", h.listRuns)
	}
	return r
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if len(h.deps.Missing) > 0 || h.deps.Markers == nil {
		body["status"] = "degraded"
		body["missing"] = h.deps.Missing
	}
	if h.deps.Health != nil {
		for k, v := range h.deps.Health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}
