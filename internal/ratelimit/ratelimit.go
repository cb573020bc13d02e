package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	constants "pikselo/internal/constants"
)

var ErrUnavailable = errors.New("rate limiter unavailable")

// Gate serializes how often one actor may apply a change. TryAcquire must be a
// single indivisible operation against the backing store: under concurrent
// calls for the same actor, at most one acquires within a cooldown window.
type Gate interface {
	TryAcquire(ctx context.Context, actorID int64, cooldown time.Duration) (bool, error)
}

type RedisGate struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedisGate(rdb *redis.Client, timeout time.Duration) *RedisGate {
	return &RedisGate{rdb: rdb, timeout: timeout}
}

// Key builds the cooldown token key, e.g. "user:rate:42".
func Key(actorID int64) string {
	return constants.RateKeyPrefix + strconv.FormatInt(actorID, 10)
}

// TryAcquire is one SET NX EX round trip. A false result leaves no trace; the
// token self-destructs when the TTL elapses.
func (g *RedisGate) TryAcquire(ctx context.Context, actorID int64, cooldown time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	acquired, err := g.rdb.SetNX(ctx, Key(actorID), "1", cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrUnavailable, Key(actorID), err)
	}
	return acquired, nil
}
