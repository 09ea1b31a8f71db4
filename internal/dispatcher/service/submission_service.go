package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/repository"
	appErr "judgedispatch/pkg/errors"
	"judgedispatch/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMinCodeLength  = 6
	defaultMaxCodeLength  = 65536
	defaultSubmitInterval = 5 * time.Second
	submitIntervalPrefix  = "submit:interval:"
)

var javaMainClass = regexp.MustCompile(`\bclass\s+Main\b`)

// Submitter hands persisted submissions to the dispatch pipeline.
type Submitter interface {
	Enqueue(id int64, opts ...EnqueueOption) error
	JudgeOnContest(ctx context.Context, s *model.Submission, cb Callback) error
}

// IngestConfig holds submission admission rules.
type IngestConfig struct {
	MinCodeLength  int           `yaml:"minCodeLength"`
	MaxCodeLength  int           `yaml:"maxCodeLength"`
	Languages      []string      `yaml:"languages"`
	SubmitInterval time.Duration `yaml:"submitInterval"`
}

// SubmitInput is a submission request from the web layer.
type SubmitInput struct {
	ProblemID int64  `json:"problem_id"`
	AuthorID  int64  `json:"author_id"`
	ContestID int64  `json:"contest_id,omitempty"`
	Language  string `json:"language"`
	Code      string `json:"code"`
}

// SubmissionService validates, persists and dispatches new submissions.
type SubmissionService struct {
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	contests    repository.ContestRepository
	limiter     cache.BasicOps
	submitter   Submitter
	cfg         IngestConfig
	languages   map[string]struct{}
	now         func() time.Time
}

// NewSubmissionService creates a submission service. limiter may be nil to disable the
// per-author interval.
func NewSubmissionService(
	submissions repository.SubmissionRepository,
	problems repository.ProblemRepository,
	contests repository.ContestRepository,
	limiter cache.BasicOps,
	submitter Submitter,
	cfg IngestConfig,
) (*SubmissionService, error) {
	if submissions == nil || problems == nil || contests == nil {
		return nil, fmt.Errorf("repositories are required")
	}
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.MinCodeLength <= 0 {
		cfg.MinCodeLength = defaultMinCodeLength
	}
	if cfg.MaxCodeLength <= 0 {
		cfg.MaxCodeLength = defaultMaxCodeLength
	}
	if cfg.SubmitInterval < 0 {
		cfg.SubmitInterval = 0
	} else if cfg.SubmitInterval == 0 {
		cfg.SubmitInterval = defaultSubmitInterval
	}
	languages := make(map[string]struct{}, len(cfg.Languages))
	for _, lang := range cfg.Languages {
		languages[strings.ToLower(lang)] = struct{}{}
	}
	return &SubmissionService{
		submissions: submissions,
		problems:    problems,
		contests:    contests,
		limiter:     limiter,
		submitter:   submitter,
		cfg:         cfg,
		languages:   languages,
		now:         time.Now,
	}, nil
}

// CreateSubmission validates input, stores a WAITING submission and dispatches it. Validation
// failures persist and enqueue nothing.
func (s *SubmissionService) CreateSubmission(ctx context.Context, in SubmitInput) (*model.Submission, error) {
	if in.ProblemID <= 0 {
		return nil, appErr.ValidationError("problem_id", "required")
	}
	if in.AuthorID <= 0 {
		return nil, appErr.ValidationError("author_id", "required")
	}
	if err := s.checkCode(in.Language, in.Code); err != nil {
		return nil, err
	}

	if _, err := s.problems.Get(ctx, in.ProblemID); err != nil {
		return nil, err
	}
	codeHash := model.HashCode(in.Code)
	if in.ContestID > 0 {
		if err := s.checkContest(ctx, in, codeHash); err != nil {
			return nil, err
		}
	}
	if err := s.checkInterval(ctx, in.AuthorID); err != nil {
		return nil, err
	}

	submission := &model.Submission{
		AuthorID:      in.AuthorID,
		ProblemID:     in.ProblemID,
		ContestID:     in.ContestID,
		Language:      strings.ToLower(in.Language),
		Code:          in.Code,
		CodeHash:      codeHash,
		Status:        model.StatusWaiting,
		StatusPrivate: model.StatusWaiting,
		CreatedAt:     s.now().UTC().Truncate(time.Microsecond),
	}
	id, err := s.submissions.Create(ctx, nil, submission)
	if err != nil {
		s.releaseInterval(ctx, in.AuthorID)
		return nil, err
	}
	submission.ID = id
	ctx = logger.WithSubmission(ctx, id)
	logger.Info(ctx, "submission created",
		zap.Int64("problem_id", in.ProblemID),
		zap.Int64("contest_id", in.ContestID),
		zap.String("language", submission.Language),
	)

	if submission.InContest() {
		err = s.submitter.JudgeOnContest(ctx, submission, nil)
	} else {
		err = s.submitter.Enqueue(id)
	}
	if err != nil {
		// the row stays WAITING and is picked up by the sweeper
		logger.Warn(ctx, "dispatch new submission failed", zap.Error(err))
	}
	return submission, nil
}

// GetSubmission returns a stored submission with the verdict visibility of its contest.
func (s *SubmissionService) GetSubmission(ctx context.Context, id int64) (*model.Submission, error) {
	submission, err := s.submissions.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if submission.InContest() {
		contest, err := s.contests.Get(ctx, submission.ContestID)
		if err != nil {
			return nil, err
		}
		submission.VerdictsHidden = contest.HideVerdicts
	}
	return submission, nil
}

func (s *SubmissionService) checkCode(language, code string) error {
	if language == "" {
		return appErr.FieldError(appErr.LanguageNotSupported, "language", "required")
	}
	if len(s.languages) > 0 {
		if _, ok := s.languages[strings.ToLower(language)]; !ok {
			return appErr.FieldError(appErr.LanguageNotSupported, "language", language)
		}
	}
	switch {
	case len(code) < s.cfg.MinCodeLength:
		return appErr.FieldError(appErr.CodeTooShort, "code", fmt.Sprintf("at least %d bytes", s.cfg.MinCodeLength))
	case len(code) > s.cfg.MaxCodeLength:
		return appErr.FieldError(appErr.CodeTooLarge, "code", fmt.Sprintf("at most %d bytes", s.cfg.MaxCodeLength))
	case !utf8.ValidString(code):
		return appErr.FieldError(appErr.InvalidFormat, "code", "must be valid UTF-8")
	case strings.TrimSpace(code) == "":
		return appErr.FieldError(appErr.RequiredFieldEmpty, "code", "blank")
	}
	if strings.HasPrefix(strings.ToLower(language), "java") && !javaMainClass.MatchString(code) {
		return appErr.FieldError(appErr.InvalidValue, "code", "java submissions must declare class Main")
	}
	return nil
}

func (s *SubmissionService) checkContest(ctx context.Context, in SubmitInput, codeHash string) error {
	contest, err := s.contests.Get(ctx, in.ContestID)
	if err != nil {
		return err
	}
	if !contest.AllowsLanguage(in.Language) {
		return appErr.FieldError(appErr.LanguageNotSupported, "language", in.Language)
	}
	ok, err := s.contests.HasProblem(ctx, in.ContestID, in.ProblemID)
	if err != nil {
		return err
	}
	if !ok {
		return appErr.FieldError(appErr.ContestProblemAbsent, "problem_id", strconv.FormatInt(in.ProblemID, 10))
	}
	dup, err := s.submissions.ExistsCode(ctx, in.AuthorID, in.ContestID, in.ProblemID, codeHash)
	if err != nil {
		return err
	}
	if dup {
		return appErr.FieldError(appErr.DuplicateSubmission, "code", "already submitted")
	}
	return nil
}

func (s *SubmissionService) checkInterval(ctx context.Context, authorID int64) error {
	if s.limiter == nil || s.cfg.SubmitInterval <= 0 {
		return nil
	}
	ok, err := s.limiter.SetNX(ctx, submitIntervalPrefix+strconv.FormatInt(authorID, 10), 1, s.cfg.SubmitInterval)
	if err != nil {
		logger.Warn(ctx, "submit interval check failed", zap.Int64("author_id", authorID), zap.Error(err))
		return nil
	}
	if !ok {
		return appErr.FieldError(appErr.SubmitTooFrequently, "author_id", s.cfg.SubmitInterval.String())
	}
	return nil
}

// releaseInterval lifts the interval taken by a submission that was never stored.
func (s *SubmissionService) releaseInterval(ctx context.Context, authorID int64) {
	if s.limiter == nil || s.cfg.SubmitInterval <= 0 {
		return
	}
	if err := s.limiter.Del(ctx, submitIntervalPrefix+strconv.FormatInt(authorID, 10)); err != nil {
		logger.Warn(ctx, "release submit interval failed", zap.Int64("author_id", authorID), zap.Error(err))
	}
}
