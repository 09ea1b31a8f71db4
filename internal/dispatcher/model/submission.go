package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CaseDetail is the per-case outcome stored on a submission.
type CaseDetail struct {
	Verdict Status  `json:"verdict"`
	Time    float64 `json:"time,omitempty"`
	Memory  float64 `json:"memory,omitempty"`
	Point   float64 `json:"point,omitempty"` // value of the case
	Score   float64 `json:"score"`           // points earned
	// Pending marks cases the node has not reported yet.
	Pending bool `json:"pending,omitempty"`
}

// Submission is the record advanced by the dispatch pipeline.
type Submission struct {
	ID            int64
	AuthorID      int64
	ProblemID     int64
	ContestID     int64
	Language      string
	Code          string
	CodeHash      string
	Status        Status
	StatusPrivate Status
	StatusMessage string
	Details       []CaseDetail
	StatusPercent float64
	StatusTime    float64
	StatusMemory  float64
	NodeID        int64
	CreatedAt     time.Time
	JudgeStartAt  *time.Time
	JudgeEndAt    *time.Time

	// VerdictsHidden is copied from the contest when the submission is loaded; it is not stored.
	VerdictsHidden bool
}

// InContest reports whether the submission is scoped to a contest.
func (s *Submission) InContest() bool {
	return s.ContestID > 0
}

// ResultHidden reports whether public views must omit the judge output of s: its contest hides
// verdicts, or the verdict was already masked as SUBMITTED.
func (s *Submission) ResultHidden() bool {
	if s.Status == StatusSubmitted && s.StatusPrivate != StatusSubmitted {
		return true
	}
	return s.VerdictsHidden && s.InContest()
}

// HashCode returns the digest used for duplicate detection.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// StatusEvent is published after a submission reaches a terminal state.
type StatusEvent struct {
	SubmissionID int64     `json:"submission_id"`
	ProblemID    int64     `json:"problem_id"`
	ContestID    int64     `json:"contest_id,omitempty"`
	AuthorID     int64     `json:"author_id"`
	Status       Status    `json:"status"`
	StatusName   string    `json:"status_name"`
	Percent      float64   `json:"percent"`
	Time         float64   `json:"time"`
	Memory       float64   `json:"memory"`
	NodeID       int64     `json:"node_id,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// SubmissionUpdate is the snapshot streamed to watchers on each status write.
type SubmissionUpdate struct {
	SubmissionID int64        `json:"submission_id"`
	Status       Status       `json:"status"`
	StatusName   string       `json:"status_name"`
	Message      string       `json:"message,omitempty"`
	Percent      float64      `json:"percent"`
	Time         float64      `json:"time"`
	Memory       float64      `json:"memory"`
	Details      []CaseDetail `json:"details,omitempty"`
	Final        bool         `json:"final"`
}

// UpdateFrom builds the public snapshot of s. Judge output is left out when ResultHidden.
func UpdateFrom(s *Submission) SubmissionUpdate {
	update := SubmissionUpdate{
		SubmissionID: s.ID,
		Status:       s.Status,
		StatusName:   s.Status.String(),
		Final:        s.Status.IsJudged() || s.Status == StatusSubmitted,
	}
	if !s.ResultHidden() {
		update.Message = s.StatusMessage
		update.Percent = s.StatusPercent
		update.Time = s.StatusTime
		update.Memory = s.StatusMemory
		update.Details = s.Details
	}
	return update
}
