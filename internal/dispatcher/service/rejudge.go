package service

import (
	"context"
	"fmt"
	"sync/atomic"

	"judgedispatch/internal/dispatcher/repository"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultRejudgeConcurrency = 24

// RejudgeService resets judged submissions and sends them through dispatch again.
type RejudgeService struct {
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	applier     *Applier
	submitter   Submitter
	concurrency int
}

// NewRejudgeService creates a rejudge service.
func NewRejudgeService(
	submissions repository.SubmissionRepository,
	problems repository.ProblemRepository,
	applier *Applier,
	submitter Submitter,
	concurrency int,
) (*RejudgeService, error) {
	if submissions == nil || problems == nil || applier == nil || submitter == nil {
		return nil, fmt.Errorf("rejudge dependencies are required")
	}
	if concurrency <= 0 {
		concurrency = defaultRejudgeConcurrency
	}
	return &RejudgeService{
		submissions: submissions,
		problems:    problems,
		applier:     applier,
		submitter:   submitter,
		concurrency: concurrency,
	}, nil
}

// Rejudge resets one submission to WAITING and dispatches it.
func (s *RejudgeService) Rejudge(ctx context.Context, submissionID int64) error {
	submission, err := s.applier.ResetForRejudge(ctx, submissionID)
	if err != nil {
		return err
	}
	ctx = logger.WithSubmission(ctx, submissionID)
	logger.Info(ctx, "submission reset for rejudge")
	return s.submitter.JudgeOnContest(ctx, submission, nil)
}

// RejudgeProblem rejudges every submission of a problem and returns how many were reset.
// Cached judge settings are dropped first so the rejudge sees the edited problem.
func (s *RejudgeService) RejudgeProblem(ctx context.Context, problemID int64) (int, error) {
	if err := s.problems.Invalidate(ctx, problemID); err != nil {
		logger.Warn(ctx, "invalidate problem cache failed", zap.Int64("problem_id", problemID), zap.Error(err))
	}
	ids, err := s.submissions.ListIDsByProblem(ctx, problemID)
	if err != nil {
		return 0, err
	}
	return s.rejudgeAll(ctx, ids)
}

// RejudgeContest rejudges every submission of a contest and returns how many were reset.
func (s *RejudgeService) RejudgeContest(ctx context.Context, contestID int64) (int, error) {
	ids, err := s.submissions.ListIDsByContest(ctx, contestID)
	if err != nil {
		return 0, err
	}
	return s.rejudgeAll(ctx, ids)
}

// rejudgeAll keeps going past individual failures and reports the first one.
func (s *RejudgeService) rejudgeAll(ctx context.Context, ids []int64) (int, error) {
	var done atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Rejudge(ctx, id); err != nil {
				logger.Warn(ctx, "rejudge failed", zap.Int64("submission_id", id), zap.Error(err))
				return err
			}
			done.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(done.Load()), err
}
