package service

import (
	"context"
	"time"

	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	"judgedispatch/internal/dispatcher/semaphore"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

// Semaphore is the admission pool bounding in-flight judge requests.
type Semaphore interface {
	SetLimit(limit int)
	Limit() int
	Acquire(ctx context.Context, waitBudget time.Duration) (*semaphore.Lease, error)
	Release(ctx context.Context, lease *semaphore.Lease) error
	InUse(ctx context.Context) (int, error)
}

// Assignment is an admitted node for one attempt.
type Assignment struct {
	Node  *model.Node
	Lease *semaphore.Lease

	sem Semaphore
}

// Release gives the admission lease back. It survives cancellation of ctx.
func (a *Assignment) Release(ctx context.Context) {
	if a == nil || a.Lease == nil || a.sem == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.sem.Release(ctx, a.Lease); err != nil {
		logger.Warn(ctx, "release admission lease failed", zap.String("lease_id", a.Lease.ID), zap.Error(err))
	}
}

// NodeSelector admits an attempt and picks the least recently used enabled node.
type NodeSelector struct {
	nodes      repository.NodeRepository
	sem        Semaphore
	waitBudget time.Duration
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewNodeSelector creates a node selector.
func NewNodeSelector(nodes repository.NodeRepository, sem Semaphore, waitBudget time.Duration, collector *metrics.Collector) *NodeSelector {
	return &NodeSelector{
		nodes:      nodes,
		sem:        sem,
		waitBudget: waitBudget,
		metrics:    collector,
		now:        time.Now,
	}
}

// Acquire refreshes the admission limit from node capacity, takes a lease and selects a node.
// The lease is released again when no node can be selected.
func (s *NodeSelector) Acquire(ctx context.Context) (*Assignment, error) {
	nodes, slots, err := s.nodes.Capacity(ctx)
	if err != nil {
		return nil, err
	}
	if nodes == 0 || slots <= 0 {
		return nil, appErr.New(appErr.NoNodeAvailable).WithMessage("no enabled judge node")
	}
	s.sem.SetLimit(slots)

	start := time.Now()
	lease, err := s.sem.Acquire(ctx, s.waitBudget)
	s.metrics.ObserveAdmissionWait(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	assignment := &Assignment{Lease: lease, sem: s.sem}

	node, err := s.nodes.SelectLeastRecentlyUsed(ctx, s.now())
	if err != nil {
		assignment.Release(ctx)
		return nil, err
	}
	assignment.Node = node
	return assignment, nil
}
