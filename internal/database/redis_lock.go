// Package database: Redis-backed run lock and mark cache.
//
// Pipeline runs must be serialized per account: two concurrent runs
// could race to create two trades for the same NEW event. The lock is
// an advisory SET NX key with a TTL. When Redis is unavailable the
// lock falls back to an in-process mutex map so a single-process
// deployment keeps working.
package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// RunLockKeyPrefix is the prefix for per-account run locks.
	// Format: tracker:runlock:{account}
	RunLockKeyPrefix = "tracker:runlock"

	// MarkCacheKeyPrefix is the prefix for cached live marks.
	// Format: tracker:mark:{identityKey}
	MarkCacheKeyPrefix = "tracker:mark"

	// RunLockTTL bounds how long a crashed run can hold the lock.
	RunLockTTL = 10 * time.Minute

	// MarkCacheTTL keeps marks fresh enough for loss monitoring.
	MarkCacheTTL = 5 * time.Minute
)

// ErrRunInProgress is returned when another run holds the account lock.
var ErrRunInProgress = errors.New("a run is already in progress for this account")

// RunLocker serializes pipeline runs per account.
type RunLocker struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	local  map[string]string // fallback when Redis is down
	tokens map[string]string // account -> held token
}

// NewRunLocker creates a run locker. client may be nil to run purely
// on the in-process fallback.
func NewRunLocker(client *redis.Client, logger zerolog.Logger) *RunLocker {
	return &RunLocker{
		client: client,
		logger: logger.With().Str("component", "run_locker").Logger(),
		local:  make(map[string]string),
		tokens: make(map[string]string),
	}
}

func runLockKey(account string) string {
	return fmt.Sprintf("%s:%s", RunLockKeyPrefix, account)
}

// Acquire takes the per-account lock. Returns ErrRunInProgress when
// another run already holds it.
func (l *RunLocker) Acquire(ctx context.Context, account string) error {
	token := uuid.NewString()

	if l.client != nil {
		ok, err := l.client.SetNX(ctx, runLockKey(account), token, RunLockTTL).Result()
		if err == nil {
			if !ok {
				return ErrRunInProgress
			}
			l.mu.Lock()
			l.tokens[account] = token
			l.mu.Unlock()
			return nil
		}
		l.logger.Warn().Err(err).Msg("Redis unavailable, using in-process lock")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.local[account]; held {
		return ErrRunInProgress
	}
	l.local[account] = token
	l.tokens[account] = token
	return nil
}

// Release drops the per-account lock. Only the holder's token releases
// the Redis key; a lock stolen by TTL expiry is left alone.
func (l *RunLocker) Release(ctx context.Context, account string) {
	l.mu.Lock()
	token := l.tokens[account]
	delete(l.tokens, account)
	delete(l.local, account)
	l.mu.Unlock()

	if l.client == nil || token == "" {
		return
	}

	// Compare-and-delete so an expired lock taken by another run is
	// not released from under it.
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`
	if err := l.client.Eval(ctx, script, []string{runLockKey(account)}, token).Err(); err != nil {
		l.logger.Warn().Err(err).Str("account", account).Msg("Failed to release run lock")
	}
}

// MarkCache caches live marks fetched from the brokerage so repeated
// loss-monitor passes within a few minutes do not refetch quotes.
type MarkCache struct {
	client *redis.Client
	logger zerolog.Logger

	mu    sync.RWMutex
	local map[string]cachedMark
}

type cachedMark struct {
	mark      decimal.Decimal
	expiresAt time.Time
}

// NewMarkCache creates a mark cache. client may be nil for a purely
// in-memory cache.
func NewMarkCache(client *redis.Client, logger zerolog.Logger) *MarkCache {
	return &MarkCache{
		client: client,
		logger: logger.With().Str("component", "mark_cache").Logger(),
		local:  make(map[string]cachedMark),
	}
}

func markKey(identityKey string) string {
	return fmt.Sprintf("%s:%s", MarkCacheKeyPrefix, identityKey)
}

// Get returns the cached mark for an identity key, if fresh.
func (c *MarkCache) Get(ctx context.Context, identityKey string) (decimal.Decimal, bool) {
	if c.client != nil {
		val, err := c.client.Get(ctx, markKey(identityKey)).Result()
		if err == nil {
			mark, derr := decimal.NewFromString(val)
			if derr == nil {
				return mark, true
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Msg("Redis mark lookup failed, using local cache")
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.local[identityKey]
	if !ok || time.Now().After(entry.expiresAt) {
		return decimal.Zero, false
	}
	return entry.mark, true
}

// Set stores a mark in both Redis and the local fallback.
func (c *MarkCache) Set(ctx context.Context, identityKey string, mark decimal.Decimal) {
	if c.client != nil {
		if err := c.client.Set(ctx, markKey(identityKey), mark.String(), MarkCacheTTL).Err(); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to cache mark in Redis")
		}
	}

	c.mu.Lock()
	c.local[identityKey] = cachedMark{mark: mark, expiresAt: time.Now().Add(MarkCacheTTL)}
	c.mu.Unlock()
}
