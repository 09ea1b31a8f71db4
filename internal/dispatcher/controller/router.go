package controller

import (
	"net/http"

	commonmw "judgedispatch/internal/common/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers groups every controller the router mounts.
type Handlers struct {
	Submissions *SubmissionController
	Watch       *WatchController
	Nodes       *NodeController
	Dispatch    *DispatchController
	Gatherer    prometheus.Gatherer
}

// NewRouter builds the gin engine with the dispatcher API.
func NewRouter(h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.AccessLogMiddleware())

	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	if h.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api/v1")
	submissions := api.Group("/submissions")
	submissions.POST("", h.Submissions.Create)
	submissions.GET("/:id", h.Submissions.Get)
	submissions.POST("/:id/rejudge", h.Submissions.Rejudge)
	if h.Watch != nil {
		submissions.GET("/:id/watch", h.Watch.Watch)
	}
	api.POST("/problems/:id/rejudge", h.Submissions.RejudgeProblem)
	api.POST("/contests/:id/rejudge", h.Submissions.RejudgeContest)

	nodes := api.Group("/nodes")
	nodes.GET("", h.Nodes.List)
	nodes.POST("/:id/enable", h.Nodes.Enable)
	nodes.POST("/:id/disable", h.Nodes.Disable)
	nodes.POST("/:id/token", h.Nodes.RotateToken)

	dispatch := api.Group("/dispatch")
	dispatch.GET("/stats", h.Dispatch.Stats)
	dispatch.POST("/sweep", h.Dispatch.Sweep)
	return router
}
