package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// DefaultRedisPrefix — префикс каналов Redis Pub/Sub.
const DefaultRedisPrefix = "storefront:broadcast:"

// LocalBroadcaster доставляет сообщения подписчикам текущего узла.
type LocalBroadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// RedisRelay публикует уведомления в Redis, а подписка на шаблон
// доставляет их в локальный hub каждого узла, включая отправителя.
type RedisRelay struct {
	client redis.UniversalClient
	local  LocalBroadcaster
	prefix string
	logger *log.Entry
}

func NewRedisRelay(client redis.UniversalClient, local LocalBroadcaster, logger *log.Entry) *RedisRelay {
	if logger == nil {
		logger = log.WithField("component", "redis-relay")
	}
	return &RedisRelay{client: client, local: local, prefix: DefaultRedisPrefix, logger: logger}
}

// Broadcast публикует сообщение для всех узлов.
func (r *RedisRelay) Broadcast(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Ping проверяет соединение с Redis.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Run слушает Redis до отмены ctx и пересылает сообщения в локальный hub.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	// Receive дожидается подтверждения подписки.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.WithField("pattern", r.prefix+"*").Info("redis relay subscribed")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis pubsub channel closed")
			}
			channel := strings.TrimPrefix(msg.Channel, r.prefix)
			if err := r.local.Broadcast(ctx, channel, []byte(msg.Payload)); err != nil {
				r.logger.WithError(err).WithField("channel", channel).Warn("local broadcast failed")
			}
		}
	}
}
