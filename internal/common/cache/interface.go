package cache

import (
	"context"
	"time"
)

// Cache is the subset of Redis behaviour the dispatcher relies on.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	ScriptOps
	LockOps

	Close() error
}

// BasicOps covers plain string keys.
type BasicOps interface {
	// Get returns "" with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// HashOps covers hash keys.
type HashOps interface {
	HDel(ctx context.Context, key string, fields ...string) error
}

// ZSetOps covers sorted sets.
type ZSetOps interface {
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZCount(ctx context.Context, key string, min, max string) (int64, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) (int64, error)
}

// ScriptOps runs Lua scripts atomically on the server.
type ScriptOps interface {
	RunScript(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
}

// LockOps provides a best-effort mutex keyed by name.
type LockOps interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}
