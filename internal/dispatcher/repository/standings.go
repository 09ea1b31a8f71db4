package repository

import (
	"context"
	"fmt"
	"strconv"

	"judgedispatch/internal/common/cache"
)

// StandingsCache drops derived contest standings so they are recomputed on next read.
type StandingsCache interface {
	Invalidate(ctx context.Context, contestID, userID, problemID int64) error
}

// RedisStandingsCache keeps per-participant cells in a hash and the rendered ranking in a plain key.
type RedisStandingsCache struct {
	cache  cache.Cache
	prefix string
}

// NewStandingsCache creates a standings cache; prefix defaults to "contest:standings".
func NewStandingsCache(cacheClient cache.Cache, prefix string) *RedisStandingsCache {
	if prefix == "" {
		prefix = "contest:standings"
	}
	return &RedisStandingsCache{cache: cacheClient, prefix: prefix}
}

// CellKey is the hash holding one participant's per-problem cells.
func (s *RedisStandingsCache) CellKey(contestID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", s.prefix, contestID, userID)
}

// RankKey is the rendered ranking of a contest.
func (s *RedisStandingsCache) RankKey(contestID int64) string {
	return fmt.Sprintf("%s:%d:rank", s.prefix, contestID)
}

func (s *RedisStandingsCache) Invalidate(ctx context.Context, contestID, userID, problemID int64) error {
	if err := s.cache.HDel(ctx, s.CellKey(contestID, userID), strconv.FormatInt(problemID, 10)); err != nil {
		return err
	}
	return s.cache.Del(ctx, s.RankKey(contestID))
}
