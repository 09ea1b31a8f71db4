package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/common/db"
	"judgedispatch/internal/dispatcher/model"
	appErr "judgedispatch/pkg/errors"
)

const contestCacheKeyPrefix = "dispatch:contest:"

// ContestRepository reads contest settings and maintains contest accept counters.
type ContestRepository interface {
	Get(ctx context.Context, id int64) (*model.Contest, error)
	HasProblem(ctx context.Context, contestID, problemID int64) (bool, error)
	AddProblemAccept(ctx context.Context, tx db.Transaction, contestID, problemID int64, delta int) error
	// AddParticipantAccept creates the participant row on first use.
	AddParticipantAccept(ctx context.Context, tx db.Transaction, contestID, userID int64, delta int) error
}

// MySQLContestRepository implements ContestRepository with MySQL and a read-through cache.
type MySQLContestRepository struct {
	db    db.Database
	cache cache.Cache
	ttl   time.Duration
}

// NewContestRepository creates a contest repository. cacheClient may be nil.
func NewContestRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLContestRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	return &MySQLContestRepository{db: database, cache: cacheClient, ttl: ttl}
}

func (r *MySQLContestRepository) Get(ctx context.Context, id int64) (*model.Contest, error) {
	var (
		contest *model.Contest
		err     error
	)
	if r.cache != nil {
		contest, err = cache.GetWithCached[*model.Contest](
			ctx, r.cache, contestCacheKeyPrefix+strconv.FormatInt(id, 10),
			cache.JitterTTL(r.ttl), defaultProblemCacheEmptyTTL,
			func(c *model.Contest) bool { return c == nil },
			marshalJSON[*model.Contest],
			unmarshalJSON[*model.Contest],
			func(ctx context.Context) (*model.Contest, error) { return r.load(ctx, id) },
		)
	} else {
		contest, err = r.load(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if contest == nil {
		return nil, appErr.Newf(appErr.ContestNotFound, "contest %d not found", id)
	}
	return contest, nil
}

func (r *MySQLContestRepository) load(ctx context.Context, id int64) (*model.Contest, error) {
	var (
		c      model.Contest
		subset sql.NullString
		langs  sql.NullString
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, case_subset, hide_verdicts, allowed_langs FROM contests WHERE id = ?
	`, id).Scan(&c.ID, &subset, &c.HideVerdicts, &langs)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get contest failed")
	}
	if c.CaseSubset, err = model.ParseCaseSubset(subset.String); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidValue, "contest %d", id)
	}
	if langs.Valid && langs.String != "" {
		if err := json.Unmarshal([]byte(langs.String), &c.AllowedLangs); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode contest %d languages failed", id)
		}
	}
	return &c, nil
}

func (r *MySQLContestRepository) HasProblem(ctx context.Context, contestID, problemID int64) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx, `
		SELECT 1 FROM contest_problems WHERE contest_id = ? AND problem_id = ?
	`, contestID, problemID).Scan(&one)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.DatabaseError, "check contest problem failed")
	}
	return true, nil
}

func (r *MySQLContestRepository) AddProblemAccept(ctx context.Context, tx db.Transaction, contestID, problemID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, `
		UPDATE contest_problems SET accept_count = GREATEST(accept_count + ?, 0)
		WHERE contest_id = ? AND problem_id = ?
	`, delta, contestID, problemID)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update contest problem accept count failed")
	}
	return nil
}

func (r *MySQLContestRepository) AddParticipantAccept(ctx context.Context, tx db.Transaction, contestID, userID int64, delta int) error {
	if delta == 0 {
		return nil
	}
	initial := delta
	if initial < 0 {
		initial = 0
	}
	_, err := db.GetQuerier(r.db, tx).Exec(ctx, `
		INSERT INTO contest_participants (contest_id, user_id, accept_count)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE accept_count = GREATEST(accept_count + ?, 0)
	`, contestID, userID, initial, delta)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update contest participant accept count failed")
	}
	return nil
}
