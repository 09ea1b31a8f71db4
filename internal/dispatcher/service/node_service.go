package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	"judgedispatch/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NodeClient is the node management surface of the judge client.
type NodeClient interface {
	Ping(ctx context.Context, node *model.Node) (string, error)
	UpdateToken(ctx context.Context, node *model.Node, newToken string) error
}

// CapacityListener is told when the set of enabled nodes may have changed.
type CapacityListener interface {
	RefreshWorkers(ctx context.Context) error
}

// NodeHealth is the outcome of one health check.
type NodeHealth struct {
	NodeID  int64     `json:"node_id"`
	Name    string    `json:"name"`
	Up      bool      `json:"up"`
	Version string    `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"checked_at"`
}

// NodeService manages the node registry and checks node health.
type NodeService struct {
	nodes    repository.NodeRepository
	client   NodeClient
	metrics  *metrics.Collector
	interval time.Duration
	listener CapacityListener

	mu   sync.RWMutex
	last map[int64]NodeHealth
}

// NewNodeService creates a node service; interval is the health check period.
func NewNodeService(nodes repository.NodeRepository, client NodeClient, collector *metrics.Collector, interval time.Duration) (*NodeService, error) {
	if nodes == nil || client == nil {
		return nil, fmt.Errorf("node repository and client are required")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &NodeService{
		nodes:    nodes,
		client:   client,
		metrics:  collector,
		interval: interval,
		last:     make(map[int64]NodeHealth),
	}, nil
}

// OnCapacityChange registers l to run after a node is toggled and after every health round.
func (s *NodeService) OnCapacityChange(l CapacityListener) {
	s.listener = l
}

func (s *NodeService) List(ctx context.Context) ([]*model.Node, error) {
	return s.nodes.List(ctx)
}

func (s *NodeService) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.nodes.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}
	logger.Info(ctx, "judge node toggled", zap.Int64("node_id", id), zap.Bool("enabled", enabled))
	s.notifyCapacity(ctx)
	return nil
}

func (s *NodeService) notifyCapacity(ctx context.Context) {
	if s.listener == nil {
		return
	}
	if err := s.listener.RefreshWorkers(ctx); err != nil {
		logger.Warn(ctx, "refresh dispatch workers failed", zap.Error(err))
	}
}

// RotateToken tells the node to accept newToken, authenticating with the current one, then
// stores it. An empty newToken is replaced by a random one, which is returned.
func (s *NodeService) RotateToken(ctx context.Context, id int64, newToken string) (string, error) {
	node, err := s.nodes.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if newToken == "" {
		newToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := s.client.UpdateToken(ctx, node, newToken); err != nil {
		return "", err
	}
	if err := s.nodes.UpdateToken(ctx, id, newToken); err != nil {
		return "", err
	}
	logger.Info(ctx, "judge node token rotated", zap.Int64("node_id", id))
	return newToken, nil
}

// LastHealth returns the most recent health check results by node id.
func (s *NodeService) LastHealth() map[int64]NodeHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]NodeHealth, len(s.last))
	for id, h := range s.last {
		out[id] = h
	}
	return out
}

// CheckHealth pings every registered node once.
func (s *NodeService) CheckHealth(ctx context.Context) ([]NodeHealth, error) {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]NodeHealth, len(nodes))
	var g errgroup.Group
	g.SetLimit(8)
	for i, node := range nodes {
		g.Go(func() error {
			results[i] = s.checkNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for _, h := range results {
		s.last[h.NodeID] = h
	}
	s.mu.Unlock()
	return results, nil
}

func (s *NodeService) checkNode(ctx context.Context, node *model.Node) NodeHealth {
	h := NodeHealth{NodeID: node.ID, Name: node.Name, At: time.Now()}
	version, err := s.client.Ping(ctx, node)
	s.metrics.SetNodeUp(node.Name, err == nil)
	if err != nil {
		h.Error = err.Error()
		if node.Enabled {
			logger.Warn(ctx, "judge node unreachable", zap.Int64("node_id", node.ID), zap.Error(err))
		}
		return h
	}
	h.Up = true
	h.Version = version
	if version != "" && version != node.Version {
		if err := s.nodes.UpdateHealth(ctx, node.ID, version); err != nil {
			logger.Warn(ctx, "update node version failed", zap.Int64("node_id", node.ID), zap.Error(err))
		}
	}
	return h
}

// RunHealthChecks checks nodes on every interval until ctx is done.
func (s *NodeService) RunHealthChecks(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.CheckHealth(ctx); err != nil {
			logger.Warn(ctx, "node health check failed", zap.Error(err))
		}
		s.notifyCapacity(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
