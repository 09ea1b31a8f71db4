package controller

import (
	"context"
	"strconv"
	"time"

	"judgedispatch/internal/dispatcher/model"
	"judgedispatch/internal/dispatcher/service"
	"judgedispatch/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SubmissionService is the ingestion surface used by the HTTP layer.
type SubmissionService interface {
	CreateSubmission(ctx context.Context, in service.SubmitInput) (*model.Submission, error)
	GetSubmission(ctx context.Context, id int64) (*model.Submission, error)
}

// RejudgeService resets judged submissions for another run.
type RejudgeService interface {
	Rejudge(ctx context.Context, submissionID int64) error
	RejudgeProblem(ctx context.Context, problemID int64) (int, error)
	RejudgeContest(ctx context.Context, contestID int64) (int, error)
}

// SubmissionController handles submission HTTP endpoints.
type SubmissionController struct {
	submissions SubmissionService
	rejudge     RejudgeService
}

// NewSubmissionController creates a new SubmissionController.
func NewSubmissionController(submissions SubmissionService, rejudge RejudgeService) *SubmissionController {
	return &SubmissionController{submissions: submissions, rejudge: rejudge}
}

// Create handles submission requests.
func (h *SubmissionController) Create(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	submission, err := h.submissions.CreateSubmission(c.Request.Context(), service.SubmitInput{
		ProblemID: req.ProblemID,
		AuthorID:  req.AuthorID,
		ContestID: req.ContestID,
		Language:  req.Language,
		Code:      req.Code,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, newSubmissionView(submission))
}

// Get returns one submission without its source code.
func (h *SubmissionController) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	submission, err := h.submissions.GetSubmission(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, newSubmissionView(submission))
}

// Rejudge resets and dispatches one submission.
func (h *SubmissionController) Rejudge(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.rejudge.Rejudge(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RejudgeResponse{Count: 1})
}

// RejudgeProblem rejudges every submission of a problem.
func (h *SubmissionController) RejudgeProblem(c *gin.Context) {
	h.rejudgeAll(c, h.rejudge.RejudgeProblem)
}

// RejudgeContest rejudges every submission of a contest.
func (h *SubmissionController) RejudgeContest(c *gin.Context) {
	h.rejudgeAll(c, h.rejudge.RejudgeContest)
}

func (h *SubmissionController) rejudgeAll(c *gin.Context, run func(ctx context.Context, id int64) (int, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// bulk rejudge outlives the request
	count, err := run(context.WithoutCancel(c.Request.Context()), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, RejudgeResponse{Count: count})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "Invalid id")
		return 0, false
	}
	return id, true
}

// SubmitRequest defines submission payload.
type SubmitRequest struct {
	ProblemID int64  `json:"problem_id" binding:"required"`
	AuthorID  int64  `json:"author_id" binding:"required"`
	ContestID int64  `json:"contest_id"`
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

// RejudgeResponse reports how many submissions were reset.
type RejudgeResponse struct {
	Count int `json:"count"`
}

// SubmissionView is the public shape of a submission.
type SubmissionView struct {
	ID           int64              `json:"id"`
	AuthorID     int64              `json:"author_id"`
	ProblemID    int64              `json:"problem_id"`
	ContestID    int64              `json:"contest_id,omitempty"`
	Language     string             `json:"language"`
	CodeHash     string             `json:"code_hash"`
	Status       model.Status       `json:"status"`
	StatusName   string             `json:"status_name"`
	Message      string             `json:"message,omitempty"`
	Details      []model.CaseDetail `json:"details,omitempty"`
	Percent      float64            `json:"percent"`
	Time         float64            `json:"time"`
	Memory       float64            `json:"memory"`
	CreatedAt    time.Time          `json:"created_at"`
	JudgeStartAt *time.Time         `json:"judge_start_at,omitempty"`
	JudgeEndAt   *time.Time         `json:"judge_end_at,omitempty"`
}

// newSubmissionView exposes the public status only; judge output of a hidden verdict is left out.
func newSubmissionView(s *model.Submission) SubmissionView {
	view := SubmissionView{
		ID:           s.ID,
		AuthorID:     s.AuthorID,
		ProblemID:    s.ProblemID,
		ContestID:    s.ContestID,
		Language:     s.Language,
		CodeHash:     s.CodeHash,
		Status:       s.Status,
		StatusName:   s.Status.String(),
		Message:      s.StatusMessage,
		Details:      s.Details,
		Percent:      s.StatusPercent,
		Time:         s.StatusTime,
		Memory:       s.StatusMemory,
		CreatedAt:    s.CreatedAt,
		JudgeStartAt: s.JudgeStartAt,
		JudgeEndAt:   s.JudgeEndAt,
	}
	if s.ResultHidden() {
		view.Message = ""
		view.Details = nil
		view.Percent, view.Time, view.Memory = 0, 0, 0
	}
	return view
}
