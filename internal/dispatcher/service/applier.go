package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

const standingsTimeout = 5 * time.Second

// Broadcaster fans submission snapshots out to live watchers.
type Broadcaster interface {
	Publish(update model.SubmissionUpdate)
}

// Attempt identifies one judge attempt. StartedAt is the judge-start stamp written when the
// submission flipped to JUDGING; writes for an attempt whose stamp is no longer current are stale.
type Attempt struct {
	SubmissionID int64
	NodeID       int64
	Number       int
	StartedAt    time.Time
	Problem      *model.Problem
	Cases        []string
}

// Applier performs every status write of the dispatch pipeline. Each write locks the submission
// row and moves accept counters by the delta between the old and new private status in the same
// transaction.
type Applier struct {
	db          db.Database
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	contests    repository.ContestRepository
	standings   repository.StandingsCache
	publisher   repository.StatusEventPublisher
	hub         Broadcaster
	metrics     *metrics.Collector
	now         func() time.Time
}

// ApplierDeps holds Applier collaborators. Standings, Publisher, Hub and Metrics are optional.
type ApplierDeps struct {
	DB          db.Database
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Contests    repository.ContestRepository
	Standings   repository.StandingsCache
	Publisher   repository.StatusEventPublisher
	Hub         Broadcaster
	Metrics     *metrics.Collector
}

// NewApplier creates a result applier.
func NewApplier(deps ApplierDeps) (*Applier, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if deps.Submissions == nil || deps.Problems == nil || deps.Contests == nil {
		return nil, fmt.Errorf("submission, problem and contest repositories are required")
	}
	return &Applier{
		db:          deps.DB,
		submissions: deps.Submissions,
		problems:    deps.Problems,
		contests:    deps.Contests,
		standings:   deps.Standings,
		publisher:   deps.Publisher,
		hub:         deps.Hub,
		metrics:     deps.Metrics,
		now:         time.Now,
	}, nil
}

// stamp returns a time that survives a DATETIME(6) round trip unchanged.
func (a *Applier) stamp() time.Time {
	return a.now().UTC().Truncate(time.Microsecond)
}

// MarkJudging flips a pending submission to JUDGING on nodeID and returns the judge-start stamp.
// A submission that is no longer pending yields StaleAttempt.
func (a *Applier) MarkJudging(ctx context.Context, submissionID, nodeID int64) (time.Time, error) {
	startedAt := a.stamp()
	s, err := a.write(ctx, submissionID, func(s *model.Submission) error {
		if !s.StatusPrivate.IsPending() {
			return appErr.Newf(appErr.StaleAttempt, "submission %d is %s", s.ID, s.StatusPrivate)
		}
		s.Status = model.StatusJudging
		s.StatusPrivate = model.StatusJudging
		s.StatusMessage = ""
		s.Details = nil
		s.StatusPercent, s.StatusTime, s.StatusMemory = 0, 0, 0
		s.NodeID = nodeID
		s.JudgeStartAt = &startedAt
		s.JudgeEndAt = nil
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	a.afterWrite(ctx, s, false)
	return startedAt, nil
}

// ApplyPartial records an intermediate poll reply. The status stays JUDGING.
func (a *Applier) ApplyPartial(ctx context.Context, att Attempt, reply *judgeclient.Reply) error {
	s, err := a.write(ctx, att.SubmissionID, func(s *model.Submission) error {
		if err := checkStamp(s, &att.StartedAt); err != nil {
			return err
		}
		result := buildResult(att, reply, true)
		s.Details = result.details
		s.StatusPercent = result.percent
		s.StatusTime = result.time
		s.StatusMemory = result.memory
		return nil
	})
	if err != nil {
		return err
	}
	a.afterWrite(ctx, s, false)
	return nil
}

// Apply records the final reply of an attempt.
func (a *Applier) Apply(ctx context.Context, att Attempt, reply *judgeclient.Reply) (*model.Submission, error) {
	s, err := a.write(ctx, att.SubmissionID, func(s *model.Submission) error {
		if err := checkStamp(s, &att.StartedAt); err != nil {
			return err
		}
		verdict := reply.Verdict
		if verdict == model.StatusCompileError {
			s.StatusMessage = reply.Message
			s.Details = nil
			s.StatusPercent, s.StatusTime, s.StatusMemory = 0, 0, 0
		} else {
			result := buildResult(att, reply, false)
			s.StatusMessage = reply.Message
			s.Details = result.details
			s.StatusPercent = result.percent
			s.StatusTime = result.time
			s.StatusMemory = result.memory
		}
		s.StatusPrivate = verdict
		s.Status = verdict
		if s.VerdictsHidden && s.InContest() {
			s.Status = model.StatusSubmitted
		}
		end := a.stamp()
		s.JudgeEndAt = &end
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.afterWrite(ctx, s, true)
	return s, nil
}

// MarkSystemError ends a failed attempt sequence. expectStart is the judge-start stamp the
// sequence last observed; a different stamp means someone else took over and the write is stale.
func (a *Applier) MarkSystemError(ctx context.Context, submissionID int64, expectStart *time.Time) (*model.Submission, error) {
	s, err := a.write(ctx, submissionID, func(s *model.Submission) error {
		if err := checkStamp(s, expectStart); err != nil {
			return err
		}
		if s.StatusPrivate.IsJudged() {
			return appErr.Newf(appErr.StaleAttempt, "submission %d is already %s", s.ID, s.StatusPrivate)
		}
		s.Status = model.StatusSystemError
		s.StatusPrivate = model.StatusSystemError
		s.StatusMessage = ""
		s.Details = nil
		s.StatusPercent, s.StatusTime, s.StatusMemory = 0, 0, 0
		end := a.stamp()
		s.JudgeEndAt = &end
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.afterWrite(ctx, s, true)
	return s, nil
}

// MarkSubmitted records a contest submission that is accepted for later judging without
// running any case.
func (a *Applier) MarkSubmitted(ctx context.Context, submissionID int64) (*model.Submission, error) {
	s, err := a.write(ctx, submissionID, func(s *model.Submission) error {
		s.Status = model.StatusSubmitted
		s.StatusPrivate = model.StatusSubmitted
		s.StatusMessage = ""
		s.Details = nil
		s.StatusPercent, s.StatusTime, s.StatusMemory = 0, 0, 0
		end := a.stamp()
		s.JudgeEndAt = &end
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.afterWrite(ctx, s, true)
	return s, nil
}

// ResetForRejudge moves a submission back to WAITING. The judge-start stamp is bumped so that
// writes from a sequence still running for the old judge become stale.
func (a *Applier) ResetForRejudge(ctx context.Context, submissionID int64) (*model.Submission, error) {
	s, err := a.write(ctx, submissionID, func(s *model.Submission) error {
		reset := a.stamp()
		s.Status = model.StatusWaiting
		s.StatusPrivate = model.StatusWaiting
		s.StatusMessage = ""
		s.Details = nil
		s.StatusPercent, s.StatusTime, s.StatusMemory = 0, 0, 0
		s.NodeID = 0
		s.JudgeStartAt = &reset
		s.JudgeEndAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.afterWrite(ctx, s, false)
	return s, nil
}

// write locks the submission, lets mutate change it and persists it together with the accept
// delta. A mutate error rolls the transaction back. The submission handed to mutate carries the
// verdict visibility of its contest.
func (a *Applier) write(ctx context.Context, submissionID int64, mutate func(s *model.Submission) error) (*model.Submission, error) {
	var saved *model.Submission
	err := a.db.Transaction(ctx, func(tx db.Transaction) error {
		s, err := a.submissions.GetForUpdate(ctx, tx, submissionID)
		if err != nil {
			return err
		}
		if s.InContest() {
			contest, err := a.contests.Get(ctx, s.ContestID)
			if err != nil {
				return err
			}
			s.VerdictsHidden = contest.HideVerdicts
		}
		prev := s.StatusPrivate
		if err := mutate(s); err != nil {
			return err
		}
		if err := a.submissions.SaveJudgeState(ctx, tx, s); err != nil {
			return err
		}
		if err := a.applyDelta(ctx, tx, s, prev, s.StatusPrivate); err != nil {
			return err
		}
		saved = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (a *Applier) applyDelta(ctx context.Context, tx db.Transaction, s *model.Submission, prev, next model.Status) error {
	delta := model.AcceptDelta(prev, next)
	if delta == 0 {
		return nil
	}
	if err := a.problems.AddAcceptCount(ctx, tx, s.ProblemID, delta); err != nil {
		return err
	}
	if !s.InContest() {
		return nil
	}
	if err := a.contests.AddProblemAccept(ctx, tx, s.ContestID, s.ProblemID, delta); err != nil {
		return err
	}
	return a.contests.AddParticipantAccept(ctx, tx, s.ContestID, s.AuthorID, delta)
}

// afterWrite runs the side effects of a committed write.
func (a *Applier) afterWrite(ctx context.Context, s *model.Submission, final bool) {
	if a.hub != nil {
		a.hub.Publish(model.UpdateFrom(s))
	}
	if !final {
		return
	}
	a.metrics.ObserveVerdict(s.StatusPrivate.String())
	logger.Info(ctx, "submission status finalized",
		zap.Int64("submission_id", s.ID),
		zap.String("status", s.Status.String()),
		zap.String("status_private", s.StatusPrivate.String()),
		zap.Float64("percent", s.StatusPercent),
	)

	if s.InContest() && a.standings != nil {
		go a.invalidateStandings(context.WithoutCancel(ctx), s.ContestID, s.AuthorID, s.ProblemID)
	}
	if a.publisher != nil {
		event := model.StatusEvent{
			SubmissionID: s.ID,
			ProblemID:    s.ProblemID,
			ContestID:    s.ContestID,
			AuthorID:     s.AuthorID,
			Status:       s.Status,
			StatusName:   s.Status.String(),
			NodeID:       s.NodeID,
			FinishedAt:   a.now(),
		}
		if !s.ResultHidden() {
			event.Percent, event.Time, event.Memory = s.StatusPercent, s.StatusTime, s.StatusMemory
		}
		if err := a.publisher.PublishFinalStatus(ctx, event); err != nil {
			logger.Warn(ctx, "publish final status failed", zap.Int64("submission_id", s.ID), zap.Error(err))
		}
	}
}

func (a *Applier) invalidateStandings(ctx context.Context, contestID, userID, problemID int64) {
	ctx, cancel := context.WithTimeout(ctx, standingsTimeout)
	defer cancel()
	if err := a.standings.Invalidate(ctx, contestID, userID, problemID); err != nil {
		logger.Warn(ctx, "invalidate standings failed",
			zap.Int64("contest_id", contestID),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

func checkStamp(s *model.Submission, expect *time.Time) error {
	switch {
	case expect == nil && s.JudgeStartAt == nil:
		return nil
	case expect != nil && s.JudgeStartAt != nil && expect.Equal(*s.JudgeStartAt):
		return nil
	}
	return appErr.Newf(appErr.StaleAttempt, "a newer judge started for submission %d", s.ID)
}

type judgeResult struct {
	details []model.CaseDetail
	percent float64
	time    float64
	memory  float64
}

// buildResult turns a reply into stored details. Cases the node has not reported are padded as
// pending so the detail list always lines up with the requested cases.
func buildResult(att Attempt, reply *judgeclient.Reply, partial bool) judgeResult {
	points := map[string]int{}
	if att.Problem != nil {
		points = att.Problem.CasePoints()
	}
	n := len(att.Cases)
	if n == 0 {
		n = len(reply.Details)
	}

	var res judgeResult
	var total, earned float64
	res.details = make([]model.CaseDetail, 0, n)
	for i := 0; i < n; i++ {
		value := float64(model.DefaultCasePoint)
		if i < len(att.Cases) {
			if p, ok := points[att.Cases[i]]; ok {
				value = float64(p)
			}
		}
		total += value
		if i >= len(reply.Details) {
			res.details = append(res.details, model.CaseDetail{
				Verdict: model.StatusWaiting,
				Point:   value,
				Pending: true,
			})
			continue
		}
		c := reply.Details[i]
		detail := model.CaseDetail{
			Verdict: c.Verdict,
			Time:    c.Time,
			Memory:  c.Memory,
			Point:   value,
		}
		switch {
		case c.Point != nil:
			detail.Score = *c.Point
		case c.Verdict.IsAccepted():
			detail.Score = value
		}
		if c.Verdict.IsAccepted() {
			earned += value
		}
		res.time = math.Max(res.time, c.Time)
		res.memory = math.Max(res.memory, c.Memory)
		res.details = append(res.details, detail)
	}
	if len(reply.Details) == 0 {
		res.time, res.memory = reply.Time, reply.Memory
	}

	switch {
	case !partial && (reply.Verdict == model.StatusScored || reply.Score > 0):
		res.percent = reply.Score
	case total > 0:
		res.percent = math.Round(earned/total*10000) / 100
	}
	return res
}
