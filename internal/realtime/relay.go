package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"anoa.com/residencenotify/pkg/logger"
)

const resubscribeDelay = 2 * time.Second

// RedisRelay publishes events on redis channels so every instance, including
// this one, delivers them to the connections it holds.
type RedisRelay struct {
	rdb *redis.Client
	hub *Hub
}

func NewRedisRelay(rdb *redis.Client, hub *Hub) *RedisRelay {
	return &RedisRelay{rdb: rdb, hub: hub}
}

func (r *RedisRelay) PushToUser(ctx context.Context, userID uuid.UUID, event Event) Report {
	return r.publish(ctx, UserChannel(userID), event)
}

func (r *RedisRelay) PushToAll(ctx context.Context, event Event) Report {
	return r.publish(ctx, BroadcastChannel, event)
}

// publish reports the number of subscribed instances as Attempted. Delivery
// happens asynchronously on each instance, so Delivered stays unknown.
func (r *RedisRelay) publish(ctx context.Context, channel string, event Event) Report {
	payload, err := event.Encode()
	if err != nil {
		logger.Error("encode event failed", zap.String("event", event.Name), zap.Error(err))
		return Report{}
	}
	receivers, err := r.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		logger.Warn("relay publish failed", zap.String("channel", channel), zap.Error(err))
		return Report{Failed: 1}
	}
	return Report{Attempted: int(receivers)}
}

// Run subscribes to every notification channel and hands payloads to the local
// hub until ctx is cancelled. A dropped subscription is re-established.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		r.consume(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
			logger.Info("relay resubscribing", zap.String("pattern", ChannelPattern))
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) {
	pubsub := r.rdb.PSubscribe(ctx, ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn("relay subscribe failed", zap.Error(err))
		}
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn("relay subscription closed")
				return
			}
			r.hub.DeliverRaw(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}
