package ws

import (
	"context"

	"github.com/redis/go-redis/v9"

	constants "pikselo/internal/constants"
	util "pikselo/internal/util"
)

// Bridge pumps accepted-change events from the shared Redis channel into the
// local hub. Each server process runs its own bridge, so clients connected to
// any process see changes committed by all of them.
func Bridge(ctx context.Context, rdb *redis.Client, hub *Hub) {
	pubsub := rdb.Subscribe(ctx, constants.EventsChannel)
	defer pubsub.Close()

	util.LogInfo("Subscribed to %s for pixel event fan-out", constants.EventsChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				util.LogWarn("Pixel event subscription closed")
				return
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}
