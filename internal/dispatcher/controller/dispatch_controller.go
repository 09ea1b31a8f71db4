package controller

import (
	"context"

	"judgedispatch/internal/dispatcher/service"
	"judgedispatch/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// DispatchStats reports dispatcher load.
type DispatchStats interface {
	Stats(ctx context.Context) service.Stats
}

// Sweeper re-enqueues stuck submissions on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// DispatchController exposes operational dispatcher endpoints.
type DispatchController struct {
	stats   DispatchStats
	sweeper Sweeper
}

// NewDispatchController creates a new DispatchController.
func NewDispatchController(stats DispatchStats, sweeper Sweeper) *DispatchController {
	return &DispatchController{stats: stats, sweeper: sweeper}
}

func (h *DispatchController) Stats(c *gin.Context) {
	response.Success(c, h.stats.Stats(c.Request.Context()))
}

// Sweep runs one sweep regardless of whether periodic sweeping is enabled.
func (h *DispatchController) Sweep(c *gin.Context) {
	count, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"enqueued": count})
}
