// Package kvshadow wraps an optional remote KV store (redis/go-redis/v9)
// used by every component as a non-authoritative mirror: balances,
// reservations, signal fingerprints, rate-limit windows, alerts, and
// component health all get a shadow copy for warm-start and external
// observability, per spec.md section 6's key conventions. No component may
// base an admission decision on a KV read that has no corresponding
// in-process state; KV failures are swallowed and logged at debug,
// grounded on the fail-open pattern used by the example corpus's
// redis-backed sliding-window limiter (checkRedis falls back to
// checkLocal on any error).
package kvshadow

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/obertruper/botcore/internal/obslog"
)

// Store is the subset of KV operations the coordination core needs: GET,
// SETEX, DEL, EXISTS, EXPIRE, ZADD, ZREMRANGEBYSCORE, ZCARD and ZCOUNT.
// A nil *Store, or one built with a nil client, is valid and treated as
// "no KV shadow configured": the reads (Get, Exists, ZCount, ZCard)
// return redis.Nil so callers fall back to local-only behavior, and the
// writes (SetEx, Del, ZAdd, ZRemRangeByScore, Expire) are no-ops that
// return nil.
type Store struct {
	client *redis.Client
	log    *obslog.Logger
}

// New wraps an existing redis client. Passing a nil client is valid and
// yields a disabled Store (see Store for how each method then behaves).
func New(client *redis.Client, log *obslog.Logger) *Store {
	return &Store{client: client, log: obslog.Named(log, "kvshadow")}
}

func (s *Store) enabled() bool {
	return s != nil && s.client != nil
}

func (s *Store) logDebug(op string, err error) {
	if err == nil || s.log == nil {
		return
	}
	s.log.Debug().Str("op", op).Err(err).Log("kv shadow operation failed, falling back to local state")
}

// Get mirrors GET.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if !s.enabled() {
		return "", redis.Nil
	}
	v, err := s.client.Get(ctx, key).Result()
	s.logDebug("get", err)
	return v, err
}

// SetEx mirrors SETEX.
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if !s.enabled() {
		return nil
	}
	err := s.client.SetEx(ctx, key, value, ttl).Err()
	s.logDebug("setex", err)
	return err
}

// Exists mirrors EXISTS, returning true only on a confirmed hit.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if !s.enabled() {
		return false, redis.Nil
	}
	n, err := s.client.Exists(ctx, key).Result()
	s.logDebug("exists", err)
	return n > 0, err
}

// Del mirrors DEL.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if !s.enabled() {
		return nil
	}
	err := s.client.Del(ctx, keys...).Err()
	s.logDebug("del", err)
	return err
}

// ZAdd mirrors ZADD, appending a single (score, member) pair.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if !s.enabled() {
		return nil
	}
	err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	s.logDebug("zadd", err)
	return err
}

// ZRemRangeByScore mirrors ZREMRANGEBYSCORE, pruning entries with score in
// [min, max].
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if !s.enabled() {
		return nil
	}
	err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
	s.logDebug("zremrangebyscore", err)
	return err
}

// ZCount mirrors ZCOUNT over [min, max].
func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if !s.enabled() {
		return 0, redis.Nil
	}
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	s.logDebug("zcount", err)
	return n, err
}

// ZCard mirrors ZCARD.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	if !s.enabled() {
		return 0, redis.Nil
	}
	n, err := s.client.ZCard(ctx, key).Result()
	s.logDebug("zcard", err)
	return n, err
}

// Expire refreshes a key's TTL, used after mutating a sorted-set window
// so the whole key still expires even though ZADD itself has no TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if !s.enabled() {
		return nil
	}
	err := s.client.Expire(ctx, key, ttl).Err()
	s.logDebug("expire", err)
	return err
}

// PoolStats exposes connection-pool depth for the process monitor's
// "remote KV connections" sample; returns 0 when KV is disabled.
func (s *Store) PoolStats() int {
	if !s.enabled() {
		return 0
	}
	return int(s.client.PoolStats().TotalConns)
}

// NegInf and PosInf are passed to ZCount/ZRemRangeByScore to request an
// unbounded edge, matching ZRANGEBYSCORE's "-inf"/"+inf" syntax.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
