package controller

import (
	"context"
	"time"

	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/service"
	"judgedispatch/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// NodeService manages judge nodes.
type NodeService interface {
	List(ctx context.Context) ([]*model.Node, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	RotateToken(ctx context.Context, id int64, newToken string) (string, error)
	LastHealth() map[int64]service.NodeHealth
}

// NodeController handles node registry endpoints.
type NodeController struct {
	nodes NodeService
}

// NewNodeController creates a new NodeController.
func NewNodeController(nodes NodeService) *NodeController {
	return &NodeController{nodes: nodes}
}

// List returns every registered node with its last health check result.
func (h *NodeController) List(c *gin.Context) {
	nodes, err := h.nodes.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	health := h.nodes.LastHealth()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		view := NodeView{
			ID:                n.ID,
			Name:              n.Name,
			Address:           n.Address,
			Concurrency:       n.Concurrency,
			Enabled:           n.Enabled,
			Version:           n.Version,
			RuntimeMultiplier: n.Multiplier(),
			LastSeenAt:        n.LastSeenAt,
			LastSyncedAt:      n.LastSyncedAt,
		}
		if last, ok := health[n.ID]; ok {
			view.Health = &last
		}
		views = append(views, view)
	}
	response.Success(c, views)
}

func (h *NodeController) Enable(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *NodeController) Disable(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *NodeController) setEnabled(c *gin.Context, enabled bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.nodes.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": id, "enabled": enabled})
}

// RotateToken installs a new token on the node. An empty body generates one.
func (h *NodeController) RotateToken(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req TokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}
	token, err := h.nodes.RotateToken(c.Request.Context(), id, req.Token)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, TokenResponse{ID: id, Token: token})
}

// TokenRequest optionally carries the token to install.
type TokenRequest struct {
	Token string `json:"token"`
}

// TokenResponse returns the token now in use.
type TokenResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// NodeView is a node without its credentials.
type NodeView struct {
	ID                int64               `json:"id"`
	Name              string              `json:"name"`
	Address           string              `json:"address"`
	Concurrency       int                 `json:"concurrency"`
	Enabled           bool                `json:"enabled"`
	Version           string              `json:"version,omitempty"`
	RuntimeMultiplier float64             `json:"runtime_multiplier"`
	LastSeenAt        time.Time           `json:"last_seen_at"`
	LastSyncedAt      *time.Time          `json:"last_synced_at,omitempty"`
	Health            *service.NodeHealth `json:"health,omitempty"`
}
