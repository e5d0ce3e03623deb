// Package ratelimit enforces sliding-window request limits per IP, user,
// and tenant against Redis. Redis outages fail open: availability over
// strictness.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/metrics"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// Scope names one limited identity dimension.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeUser   Scope = "user"
	ScopeTenant Scope = "tenant"
)

// sweepProbability is the chance that one Allow call also deletes fully
// expired identity keys it touched.
const sweepProbability = 0.01

// Config bounds requests per window for each scope. A zero limit disables
// that scope.
type Config struct {
	PerIP     int
	PerUser   int
	PerTenant int
	Window    time.Duration
}

// DefaultConfig matches the documented per-minute limits.
func DefaultConfig() Config {
	return Config{PerIP: 30, PerUser: 60, PerTenant: 600, Window: time.Minute}
}

// Identity is the caller seen by the limiter. Empty fields skip their scope.
type Identity struct {
	IP     string
	UserID string
	Tenant string
}

// Result reports the tightest remaining budget across checked scopes.
type Result struct {
	Scope     Scope
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a Redis-backed sliding window counter.
type Limiter struct {
	cli redis.UniversalClient
	cfg Config
	log *zap.Logger
	// now is swappable for tests.
	now func() time.Time
}

func New(cli redis.UniversalClient, cfg Config, log *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{cli: cli, cfg: cfg, log: log, now: time.Now}
}

// Allow checks every applicable scope in order ip, user, tenant. The first
// scope over its limit rejects with a RateLimitedError; otherwise the
// tightest remaining budget is returned for response headers.
func (l *Limiter) Allow(ctx context.Context, id Identity) (*Result, error) {
	checks := []struct {
		scope    Scope
		identity string
		limit    int
	}{
		{ScopeIP, id.IP, l.cfg.PerIP},
		{ScopeUser, id.UserID, l.cfg.PerUser},
		{ScopeTenant, id.Tenant, l.cfg.PerTenant},
	}

	var tightest *Result
	for _, c := range checks {
		if c.identity == "" || c.limit <= 0 {
			continue
		}
		res, err := l.check(ctx, c.scope, c.identity, c.limit)
		if err != nil {
			// Fail open: a Redis outage must not take queries down with it.
			l.log.Warn("rate limit check failed, allowing request",
				zap.String("scope", string(c.scope)), zap.Error(err))
			continue
		}
		if res.Remaining < 0 {
			metrics.RateLimitRejections.WithLabelValues(string(c.scope)).Inc()
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			return res, &schemas.RateLimitedError{Scope: string(c.scope), RetryAfter: retryAfter}
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	if tightest == nil {
		// No scope applied (anonymous caller with limits disabled).
		tightest = &Result{Remaining: 0, ResetAt: l.now().Add(l.cfg.Window)}
	}
	return tightest, nil
}

// check records the request in the scope's window and returns the remaining
// budget. Remaining is -1 exactly when this request is over the limit; the
// rejected request is not recorded.
func (l *Limiter) check(ctx context.Context, scope Scope, identity string, limit int) (*Result, error) {
	key := fmt.Sprintf("rl:%s:%s", scope, identity)
	now := l.now()
	windowStart := now.Add(-l.cfg.Window)

	pipe := l.cli.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	count := int(countCmd.Val())
	resetAt := now.Add(l.cfg.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(l.cfg.Window)
	}
	res := &Result{Scope: scope, Limit: limit, ResetAt: resetAt}

	if count >= limit {
		res.Remaining = -1
		return res, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), rand.Int63())
	write := l.cli.TxPipeline()
	write.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	write.Expire(ctx, key, l.cfg.Window+time.Second)
	if _, err := write.Exec(ctx); err != nil {
		return nil, err
	}
	res.Remaining = limit - count - 1

	if rand.Float64() < sweepProbability {
		l.sweep(ctx, scope)
	}
	return res, nil
}

// sweep removes identity keys whose whole window has expired. Expire above
// already bounds leakage; the sweep just tightens memory usage under churn.
func (l *Limiter) sweep(ctx context.Context, scope Scope) {
	var cursor uint64
	pattern := fmt.Sprintf("rl:%s:*", scope)
	cutoff := fmt.Sprintf("%d", l.now().Add(-l.cfg.Window).UnixNano())
	for {
		keys, next, err := l.cli.Scan(ctx, cursor, pattern, 64).Result()
		if err != nil {
			return
		}
		for _, key := range keys {
			l.cli.ZRemRangeByScore(ctx, key, "0", cutoff)
			if n, err := l.cli.ZCard(ctx, key).Result(); err == nil && n == 0 {
				l.cli.Del(ctx, key)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
