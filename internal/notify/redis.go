// Package notify carries settlement outcomes out of the process: gift
// notifications over Redis pub/sub and payout lifecycle events on Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wizardbeardstudio/open-settle-go/internal/settlement"
)

const DefaultChannelPrefix = "settle:gifts:"

// GiftMessage is the payload pushed to the recipient's channel.
type GiftMessage struct {
	Type         string    `json:"type"`
	TransferID   string    `json:"transfer_id"`
	FromUserID   string    `json:"from_user_id"`
	ToUserID     string    `json:"to_user_id"`
	Amount       int64     `json:"amount"`
	ExternalTxID string    `json:"external_tx_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisNotifier publishes each completed gift to "<prefix><recipient>".
type RedisNotifier struct {
	client redisPublisher
	prefix string
}

func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	return newRedisNotifier(client, prefix)
}

func newRedisNotifier(client redisPublisher, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Channel names the channel a user's gifts arrive on.
func (n *RedisNotifier) Channel(userID string) string {
	return n.prefix + userID
}

func (n *RedisNotifier) NotifyGift(ctx context.Context, rec settlement.TransferRecord) error {
	at := rec.CreatedAt
	if rec.ResolvedAt != nil {
		at = *rec.ResolvedAt
	}
	data, err := json.Marshal(GiftMessage{
		Type:         "gift.received",
		TransferID:   rec.ID,
		FromUserID:   rec.FromUserID,
		ToUserID:     rec.ToUserID,
		Amount:       rec.Amount,
		ExternalTxID: rec.ExternalTxID,
		OccurredAt:   at,
	})
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.Channel(rec.ToUserID), data).Err(); err != nil {
		return fmt.Errorf("redis publish gift %s: %w", rec.ID, err)
	}
	return nil
}

// Ping checks the Redis connection during startup.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}
