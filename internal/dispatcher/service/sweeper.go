package service

import (
	"context"
	"fmt"
	"time"

	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

// SweepConfig controls recovery of submissions left behind by crashed workers.
type SweepConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Grace     time.Duration `yaml:"grace"`
	BatchSize int           `yaml:"batchSize"`
}

// Sweeper re-enqueues submissions stuck in WAITING or JUDGING past a grace period.
type Sweeper struct {
	submissions repository.SubmissionRepository
	submitter   Submitter
	cfg         SweepConfig
	now         func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(submissions repository.SubmissionRepository, submitter Submitter, cfg SweepConfig) (*Sweeper, error) {
	if submissions == nil || submitter == nil {
		return nil, fmt.Errorf("sweeper dependencies are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 90 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Sweeper{submissions: submissions, submitter: submitter, cfg: cfg, now: time.Now}, nil
}

// Sweep enqueues stale submissions once and returns how many were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Grace)
	total := 0
	for _, status := range []model.Status{model.StatusJudging, model.StatusWaiting} {
		ids, err := s.submissions.ListStale(ctx, status, cutoff, s.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			if err := s.submitter.Enqueue(id); err != nil {
				return total, err
			}
			total++
		}
	}
	if total > 0 {
		logger.Info(ctx, "stale submissions re-enqueued", zap.Int("count", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// Run sweeps on every interval until ctx is done. It returns immediately when disabled.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Warn(ctx, "sweep failed", zap.Error(err))
			}
		}
	}
}
