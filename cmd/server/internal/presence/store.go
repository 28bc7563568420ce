// Package presence 维护“谁在编辑哪个文档”的共享状态。记录存放在
// Redis 中并带 TTL：心跳停止后记录自行过期，这是异常断开（进程被杀、
// 网络分区）唯一的清理机制；优雅断开时的显式删除只是优化。
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/neteye/codocs/pkg/metrics"
)

// Entry 单个在线成员记录
type Entry struct {
	UserID   string `json:"-"`
	Username string `json:"username"`
	Color    string `json:"color"`
	LastSeen int64  `json:"last_seen"` // Unix 毫秒
}

// Store Redis 在线状态存储。所有服务器实例共享同一份数据，
// 负载均衡后的跨实例 presence_sync 依赖于此。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore 创建在线状态存储。ttl 必须长于客户端心跳间隔。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func userKey(documentID, userID string) string {
	return fmt.Sprintf("codocs:presence:doc:%s:user:%s", documentID, userID)
}

func indexKey(documentID string) string {
	return fmt.Sprintf("codocs:presence:doc:%s:index", documentID)
}

// Upsert 写入或更新在线记录并重置 TTL。连接建立与心跳时调用。
func (s *Store) Upsert(ctx context.Context, documentID, userID string, e Entry) error {
	e.LastSeen = time.Now().UnixMilli()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, userKey(documentID, userID), data, s.ttl)
	pipe.SAdd(ctx, indexKey(documentID), userID)
	pipe.Expire(ctx, indexKey(documentID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordPresenceOp("upsert", "failed")
		return fmt.Errorf("presence upsert: %w", err)
	}
	metrics.RecordPresenceOp("upsert", "success")
	return nil
}

// Refresh 仅重置 TTL，不改写记录内容。入站活动时的轻量续期。
func (s *Store) Refresh(ctx context.Context, documentID, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, userKey(documentID, userID), s.ttl)
	pipe.Expire(ctx, indexKey(documentID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordPresenceOp("refresh", "failed")
		return fmt.Errorf("presence refresh: %w", err)
	}
	metrics.RecordPresenceOp("refresh", "success")
	return nil
}

// Remove 删除在线记录。优雅断开时调用；失败无需重试，TTL 会兜底。
func (s *Store) Remove(ctx context.Context, documentID, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, userKey(documentID, userID))
	pipe.SRem(ctx, indexKey(documentID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RecordPresenceOp("remove", "failed")
		return fmt.Errorf("presence remove: %w", err)
	}
	metrics.RecordPresenceOp("remove", "success")
	return nil
}

// List 读取文档的完整在线名单。索引中已过期的成员被惰性清除。
func (s *Store) List(ctx context.Context, documentID string) ([]Entry, error) {
	userIDs, err := s.rdb.SMembers(ctx, indexKey(documentID)).Result()
	if err != nil {
		metrics.RecordPresenceOp("list", "failed")
		return nil, fmt.Errorf("presence list: %w", err)
	}
	if len(userIDs) == 0 {
		metrics.RecordPresenceOp("list", "success")
		return []Entry{}, nil
	}

	keys := make([]string, len(userIDs))
	for i, uid := range userIDs {
		keys[i] = userKey(documentID, uid)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		metrics.RecordPresenceOp("list", "failed")
		return nil, fmt.Errorf("presence list: %w", err)
	}

	entries := make([]Entry, 0, len(userIDs))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// 记录已过期但索引残留
			expired = append(expired, userIDs[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			expired = append(expired, userIDs[i])
			continue
		}
		e.UserID = userIDs[i]
		entries = append(entries, e)
	}

	if len(expired) > 0 {
		s.rdb.SRem(ctx, indexKey(documentID), expired...)
	}

	metrics.RecordPresenceOp("list", "success")
	return entries, nil
}

// 颜色盘：同一用户在所有标签页与重连之间颜色保持一致
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4",
	"#46f0f0", "#f032e6", "#008080", "#9a6324", "#800000",
	"#808000", "#000075",
}

// ColorFor 由 user_id 确定性映射到颜色
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
