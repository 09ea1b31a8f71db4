package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

// SubmissionRepository persists submissions. Methods taking a tx join the caller's transaction
// when tx is non-nil.
type SubmissionRepository interface {
	Create(ctx context.Context, tx db.Transaction, submission *model.Submission) (int64, error)
	Get(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// GetForUpdate locks the row until tx ends.
	GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error)
	// SaveJudgeState writes every column the dispatcher owns.
	SaveJudgeState(ctx context.Context, tx db.Transaction, submission *model.Submission) error
	ExistsCode(ctx context.Context, authorID, contestID, problemID int64, codeHash string) (bool, error)
	ListIDsByProblem(ctx context.Context, problemID int64) ([]int64, error)
	ListIDsByContest(ctx context.Context, contestID int64) ([]int64, error)
	// ListStale returns ids in status whose reference time is before cutoff.
	ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]int64, error)
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	db db.Database
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(database db.Database) *MySQLSubmissionRepository {
	return &MySQLSubmissionRepository{db: database}
}

const submissionColumns = "id, author_id, problem_id, contest_id, lang, code, code_hash, status, status_private, status_message, status_detail, status_percent, status_time, status_memory, node_id, created_at, judge_start_at, judge_end_at"

func (r *MySQLSubmissionRepository) Create(ctx context.Context, tx db.Transaction, s *model.Submission) (int64, error) {
	if s == nil {
		return 0, appErr.ValidationError("submission", "required")
	}
	details, err := json.Marshal(emptyIfNil(s.Details))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.InvalidFormat, "encode submission details failed")
	}
	res, err := db.GetQuerier(r.db, tx).Exec(ctx, `
		INSERT INTO submissions
		(author_id, problem_id, contest_id, lang, code, code_hash, status, status_private, status_message, status_detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		s.AuthorID,
		s.ProblemID,
		db.NullableID(s.ContestID),
		s.Language,
		s.Code,
		s.CodeHash,
		int(s.Status),
		int(s.StatusPrivate),
		s.StatusMessage,
		string(details),
		s.CreatedAt,
	)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "insert submission failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "read submission id failed")
	}
	return id, nil
}

func (r *MySQLSubmissionRepository) Get(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	return r.scanOne(row, id)
}

func (r *MySQLSubmissionRepository) GetForUpdate(ctx context.Context, tx db.Transaction, id int64) (*model.Submission, error) {
	if tx == nil {
		return nil, appErr.New(appErr.TransactionFailed).WithMessage("row lock requires a transaction")
	}
	row := tx.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ? FOR UPDATE`, id)
	return r.scanOne(row, id)
}

func (r *MySQLSubmissionRepository) scanOne(row db.Row, id int64) (*model.Submission, error) {
	s, err := scanSubmission(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.Newf(appErr.SubmissionNotFound, "submission %d not found", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return s, nil
}

func (r *MySQLSubmissionRepository) SaveJudgeState(ctx context.Context, tx db.Transaction, s *model.Submission) error {
	details, err := json.Marshal(emptyIfNil(s.Details))
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidFormat, "encode submission details failed")
	}
	_, err = db.GetQuerier(r.db, tx).Exec(ctx, `
		UPDATE submissions
		SET status = ?, status_private = ?, status_message = ?, status_detail = ?,
			status_percent = ?, status_time = ?, status_memory = ?, node_id = ?,
			judge_start_at = ?, judge_end_at = ?
		WHERE id = ?
	`,
		int(s.Status),
		int(s.StatusPrivate),
		s.StatusMessage,
		string(details),
		s.StatusPercent,
		s.StatusTime,
		s.StatusMemory,
		db.NullableID(s.NodeID),
		db.NullableTime(s.JudgeStartAt),
		db.NullableTime(s.JudgeEndAt),
		s.ID,
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save submission %d failed", s.ID)
	}
	return nil
}

func (r *MySQLSubmissionRepository) ExistsCode(ctx context.Context, authorID, contestID, problemID int64, codeHash string) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx, `
		SELECT 1 FROM submissions
		WHERE author_id = ? AND contest_id = ? AND problem_id = ? AND code_hash = ?
		LIMIT 1
	`, authorID, contestID, problemID, codeHash).Scan(&one)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.DatabaseError, "check duplicate code failed")
	}
	return true, nil
}

func (r *MySQLSubmissionRepository) ListIDsByProblem(ctx context.Context, problemID int64) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM submissions WHERE problem_id = ? ORDER BY id`, problemID)
}

func (r *MySQLSubmissionRepository) ListIDsByContest(ctx context.Context, contestID int64) ([]int64, error) {
	return r.listIDs(ctx, `SELECT id FROM submissions WHERE contest_id = ? ORDER BY id`, contestID)
}

func (r *MySQLSubmissionRepository) ListStale(ctx context.Context, status model.Status, cutoff time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	// a rejudge reset restarts the clock of a WAITING submission
	column := "COALESCE(judge_start_at, created_at)"
	if status == model.StatusJudging {
		column = "judge_start_at"
	}
	return r.listIDs(ctx, `SELECT id FROM submissions WHERE status_private = ? AND `+column+` < ? ORDER BY id LIMIT ?`,
		int(status), cutoff, limit)
}

func (r *MySQLSubmissionRepository) listIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list submissions failed")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan submission id failed")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate submissions failed")
	}
	return ids, nil
}

func scanSubmission(row db.Row) (*model.Submission, error) {
	var (
		s          model.Submission
		contestID  sql.NullInt64
		nodeID     sql.NullInt64
		status     int
		private    int
		message    sql.NullString
		detail     sql.NullString
		judgeStart sql.NullTime
		judgeEnd   sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.AuthorID,
		&s.ProblemID,
		&contestID,
		&s.Language,
		&s.Code,
		&s.CodeHash,
		&status,
		&private,
		&message,
		&detail,
		&s.StatusPercent,
		&s.StatusTime,
		&s.StatusMemory,
		&nodeID,
		&s.CreatedAt,
		&judgeStart,
		&judgeEnd,
	)
	if err != nil {
		return nil, err
	}
	s.ContestID = contestID.Int64
	s.NodeID = nodeID.Int64
	s.Status = model.Status(status)
	s.StatusPrivate = model.Status(private)
	s.StatusMessage = message.String
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &s.Details); err != nil {
			return nil, err
		}
	}
	s.JudgeStartAt = db.TimePtr(judgeStart)
	s.JudgeEndAt = db.TimePtr(judgeEnd)
	return &s, nil
}

func emptyIfNil(details []model.CaseDetail) []model.CaseDetail {
	if details == nil {
		return []model.CaseDetail{}
	}
	return details
}
