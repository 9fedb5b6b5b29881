// Package httpapi is the HTTP/JSON surface of the review service: a thin
// gin adapter over the services package.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrijs2005/texcouncil/internal/logging"
)

type RouterConfig struct {
	Logger         logging.Logger
	AuthMiddleware *AuthMiddleware
	// MaxBodyBytes caps request bodies; uploads and archives included.
	MaxBodyBytes int64

	ContributionHandler *ContributionHandler
	ForkHandler         *ForkHandler
	ModHandler          *ModHandler

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/healthcheck", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.Use(LimitBody(cfg.MaxBodyBytes))
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if h := cfg.ContributionHandler; h != nil {
		api.POST("/contributions", h.Upload)
		api.GET("/contributions", h.List)
		api.POST("/contributions/submit", h.Submit)
		api.DELETE("/contributions", h.Delete)
		api.GET("/contributions/:id", h.Get)
		api.GET("/contributions/:id/content", h.Content)
		api.PATCH("/contributions/:id", h.Attach)
		api.POST("/contributions/:id/vote", h.Vote)
		api.GET("/council/pending", h.Pending)
	}

	if h := cfg.ForkHandler; h != nil {
		api.GET("/fork", h.Status)
		api.POST("/fork", h.Link)
		api.DELETE("/fork", h.Unlink)
		api.POST("/fork/reconcile/:resolution", h.Reconcile)
	}

	if h := cfg.ModHandler; h != nil {
		api.POST("/mods", h.Ingest)
	}

	return r
}
