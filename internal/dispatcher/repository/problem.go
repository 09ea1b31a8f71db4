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

const (
	defaultProblemCacheTTL      = 10 * time.Minute
	defaultProblemCacheEmptyTTL = time.Minute
	problemCacheKeyPrefix       = "dispatch:problem:"
	programCacheKeyPrefix       = "dispatch:program:"
)

// ProblemRepository reads judge settings of problems and maintains accept counters.
type ProblemRepository interface {
	Get(ctx context.Context, id int64) (*model.Problem, error)
	GetSpecialProgram(ctx context.Context, fingerprint string) (*model.SpecialProgram, error)
	// AddAcceptCount adjusts the counter by delta inside tx.
	AddAcceptCount(ctx context.Context, tx db.Transaction, id int64, delta int) error
	// Invalidate drops cached judge settings after the problem was edited.
	Invalidate(ctx context.Context, id int64) error
}

// MySQLProblemRepository implements ProblemRepository with MySQL and a read-through cache.
type MySQLProblemRepository struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewProblemRepository creates a problem repository. cacheClient may be nil.
func NewProblemRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *MySQLProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	return &MySQLProblemRepository{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: defaultProblemCacheEmptyTTL,
	}
}

func (r *MySQLProblemRepository) Get(ctx context.Context, id int64) (*model.Problem, error) {
	var (
		problem *model.Problem
		err     error
	)
	if r.cache != nil {
		problem, err = cache.GetWithCached[*model.Problem](
			ctx,
			r.cache,
			problemCacheKeyPrefix+strconv.FormatInt(id, 10),
			cache.JitterTTL(r.ttl),
			r.emptyTTL,
			func(p *model.Problem) bool { return p == nil },
			marshalJSON[*model.Problem],
			unmarshalJSON[*model.Problem],
			func(ctx context.Context) (*model.Problem, error) { return r.load(ctx, id) },
		)
	} else {
		problem, err = r.load(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if problem == nil {
		return nil, appErr.Newf(appErr.ProblemNotFound, "problem %d not found", id)
	}
	return problem, nil
}

func (r *MySQLProblemRepository) load(ctx context.Context, id int64) (*model.Problem, error) {
	var (
		p                                        model.Problem
		checker, validator, interactor           sql.NullString
		caseList, pretestList, sampleList, point sql.NullString
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, time_limit, sum_time_limit, memory_limit, checker, validator, interactor,
			case_list, pretest_list, sample_list, point_list, testdata_hash
		FROM problems WHERE id = ?
	`, id).Scan(
		&p.ID, &p.TimeLimit, &p.SumTimeLimit, &p.MemoryLimit,
		&checker, &validator, &interactor,
		&caseList, &pretestList, &sampleList, &point,
		&p.TestDataHash,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get problem failed")
	}
	p.Checker, p.Validator, p.Interactor = checker.String, validator.String, interactor.String
	for _, col := range []struct {
		raw sql.NullString
		dst interface{}
	}{
		{caseList, &p.CaseList},
		{pretestList, &p.PretestList},
		{sampleList, &p.SampleList},
		{point, &p.PointList},
	} {
		if !col.raw.Valid || col.raw.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw.String), col.dst); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidFormat, "decode problem %d case lists failed", id)
		}
	}
	return &p, nil
}

func (r *MySQLProblemRepository) GetSpecialProgram(ctx context.Context, fingerprint string) (*model.SpecialProgram, error) {
	load := func(ctx context.Context) (*model.SpecialProgram, error) {
		var sp model.SpecialProgram
		var kind string
		err := r.db.QueryRow(ctx, `
			SELECT fingerprint, kind, lang, code FROM special_programs WHERE fingerprint = ?
		`, fingerprint).Scan(&sp.Fingerprint, &kind, &sp.Language, &sp.Code)
		if err != nil {
			if db.IsNoRows(err) {
				return nil, nil
			}
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "get special program failed")
		}
		sp.Kind = model.ProgramKind(kind)
		return &sp, nil
	}

	var (
		program *model.SpecialProgram
		err     error
	)
	if r.cache != nil {
		program, err = cache.GetWithCached[*model.SpecialProgram](
			ctx, r.cache, programCacheKeyPrefix+fingerprint,
			cache.JitterTTL(r.ttl), r.emptyTTL,
			func(p *model.SpecialProgram) bool { return p == nil },
			marshalJSON[*model.SpecialProgram],
			unmarshalJSON[*model.SpecialProgram],
			load,
		)
	} else {
		program, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	if program == nil {
		return nil, appErr.Newf(appErr.TestDataMissing, "special program %s not found", fingerprint)
	}
	return program, nil
}

func (r *MySQLProblemRepository) AddAcceptCount(ctx context.Context, tx db.Transaction, id int64, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := db.GetQuerier(r.db, tx).Exec(ctx,
		`UPDATE problems SET accept_count = GREATEST(accept_count + ?, 0) WHERE id = ?`, delta, id)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "update problem %d accept count failed", id)
	}
	return nil
}

func (r *MySQLProblemRepository) Invalidate(ctx context.Context, id int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, problemCacheKeyPrefix+strconv.FormatInt(id, 10))
}

func marshalJSON[T any](v T) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalJSON[T any](data string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(data), &v)
	return v, err
}
