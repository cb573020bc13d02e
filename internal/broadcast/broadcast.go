package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	constants "pikselo/internal/constants"
	models "pikselo/internal/models"
	util "pikselo/internal/util"
)

// Publisher fans an accepted change out to live observers. Publish is
// fire-and-forget: it never blocks the commit decision and never returns an
// error to the pipeline. An observer that misses an event resynchronizes
// through the history log.
type Publisher interface {
	Publish(ctx context.Context, event models.PixelEvent)
}

// RedisPublisher publishes to a single channel that every server process
// subscribes to, so fan-out stays correct with multiple processes behind a
// load balancer.
type RedisPublisher struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedisPublisher(rdb *redis.Client, timeout time.Duration) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, timeout: timeout}
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.PixelEvent) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	b, err := json.Marshal(event)
	if err != nil {
		util.LogWarn("Failed to encode pixel event (%d,%d): %v", event.X, event.Y, err)
		return
	}
	if err := p.rdb.Publish(ctx, constants.EventsChannel, b).Err(); err != nil {
		util.LogWarn("Failed to publish pixel event (%d,%d): %v", event.X, event.Y, err)
	}
}
