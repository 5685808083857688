package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ichi0g0y/giveaway-o-tron/internal/shared/logger"
	"github.com/ichi0g0y/giveaway-o-tron/internal/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix = "giveaway:event:"
	redisRetryDelay    = 2 * time.Second
)

// RedisChannel returns the Redis pub/sub channel for a giveaway channel.
func RedisChannel(channelID string) string {
	return redisChannelPrefix + channelID
}

// RedisBridge は複数のリレーインスタンス間でイベントを共有する。
// Publish は Redis に送り、Run で受け取ったイベントをローカルの Hub に配信する。
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
}

func NewRedisBridge(client *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, hub: hub}
}

// Publish は戻り値として受信したリレーインスタンスの数を返す。
func (b *RedisBridge) Publish(ctx context.Context, channelID string, evt types.WinnerEvent) (int, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return 0, ErrInvalidChannel
	}
	if evt.ChannelID == "" {
		evt.ChannelID = channelID
	}
	if evt.ChannelID != channelID {
		return 0, ErrChannelMismatch
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal winner event: %w", err)
	}

	receivers, err := b.client.Publish(ctx, RedisChannel(channelID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to redis: %w", err)
	}
	return int(receivers), nil
}

// Run は ctx が終了するまで購読を続け、エラー時は再購読する。
func (b *RedisBridge) Run(ctx context.Context) error {
	for {
		err := b.runSubscription(ctx)
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn("Relay redis subscription error, resubscribing", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(redisRetryDelay):
		}
	}
}

func (b *RedisBridge) runSubscription(ctx context.Context) error {
	pubsub := b.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	logger.Info("Relay redis bridge subscribed", zap.String("pattern", redisChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription channel closed")
			}
			b.handleMessage(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (b *RedisBridge) handleMessage(ctx context.Context, redisChannel, payload string) {
	channelID := strings.TrimPrefix(redisChannel, redisChannelPrefix)

	var evt types.WinnerEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		logger.Warn("Relay redis bridge: invalid payload", zap.Error(err))
		return
	}

	if _, err := b.hub.Publish(ctx, channelID, evt); err != nil {
		logger.Warn("Relay redis bridge: publish failed",
			zap.String("channel_id", channelID),
			zap.Error(err))
	}
}
