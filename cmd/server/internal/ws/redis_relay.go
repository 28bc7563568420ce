package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRelay 基于 Redis Pub/Sub 的跨实例广播通道。同一文档的协作者
// 可能经负载均衡连到不同实例，转发保证他们仍在同一个分组内。
type RedisRelay struct {
	rdb *redis.Client
}

// NewRedisRelay 创建转发通道
func NewRedisRelay(rdb *redis.Client) *RedisRelay {
	return &RedisRelay{rdb: rdb}
}

func relayChannel(documentID string) string {
	return "codocs:relay:doc:" + documentID
}

// Publish 将广播信封发布到文档频道
func (r *RedisRelay) Publish(ctx context.Context, documentID string, env RelayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal relay envelope: %w", err)
	}
	return r.rdb.Publish(ctx, relayChannel(documentID), data).Err()
}

// Subscribe 消费文档频道直到 ctx 取消。单个频道内消息有序，
// 因此跨实例转发保持发送者到接收者的 FIFO。
func (r *RedisRelay) Subscribe(ctx context.Context, documentID string, handle func(RelayEnvelope)) error {
	sub := r.rdb.Subscribe(ctx, relayChannel(documentID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env RelayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue // 损坏的转发消息直接丢弃
			}
			handle(env)
		}
	}
}
