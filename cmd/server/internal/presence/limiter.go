package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// acquireScript 原子性检查并登记连接：SCARD 未达上限时 SADD 并续期。
// TTL 防止异常退出后的连接残留占用名额。
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local conn = ARGV[1]
local max_conn = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local count = redis.call('SCARD', key)
if count >= max_conn then
    return 0
end
redis.call('SADD', key, conn)
redis.call('EXPIRE', key, ttl)
return 1
`)

// ConnLimiter 限制每 (文档,用户) 的并发连接数，防止多标签页风暴。
// 通过 Redis SET 跨实例计数。
type ConnLimiter struct {
	rdb *redis.Client
	max int
	ttl time.Duration
}

// releaseRetries 释放失败的最大重试次数
const releaseRetries = 3

// NewConnLimiter 创建连接限制器
func NewConnLimiter(rdb *redis.Client, max int, ttl time.Duration) *ConnLimiter {
	return &ConnLimiter{rdb: rdb, max: max, ttl: ttl}
}

func connKey(documentID, userID string) string {
	return fmt.Sprintf("codocs:ws:conns:doc:%s:user:%s", documentID, userID)
}

// Acquire 尝试登记一个连接。返回 false 表示已达上限。
// Redis 错误时拒绝连接（fail-closed），保证计数一致性。
func (l *ConnLimiter) Acquire(ctx context.Context, documentID, userID, connID string) (bool, error) {
	result, err := acquireScript.Run(ctx, l.rdb,
		[]string{connKey(documentID, userID)},
		connID, l.max, int(l.ttl.Seconds()),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("acquire connection slot: %w", err)
	}
	return result == 1, nil
}

// Release 注销连接（带重试）。全部失败也无妨，TTL 最终会清理。
func (l *ConnLimiter) Release(ctx context.Context, documentID, userID, connID string) error {
	var lastErr error
	for attempt := 0; attempt < releaseRetries; attempt++ {
		if err := l.rdb.SRem(ctx, connKey(documentID, userID), connID).Err(); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
			continue
		}
		return nil
	}
	return fmt.Errorf("release connection slot after %d attempts: %w", releaseRetries, lastErr)
}

// Refresh 连接活跃时续期，防止活跃连接的登记因 TTL 过期被清除
func (l *ConnLimiter) Refresh(ctx context.Context, documentID, userID, connID string) error {
	key := connKey(documentID, userID)
	member, err := l.rdb.SIsMember(ctx, key, connID).Result()
	if err != nil {
		return fmt.Errorf("refresh connection slot: %w", err)
	}
	if !member {
		return nil
	}
	return l.rdb.Expire(ctx, key, l.ttl).Err()
}

// Count 当前登记的连接数
func (l *ConnLimiter) Count(ctx context.Context, documentID, userID string) (int, error) {
	n, err := l.rdb.SCard(ctx, connKey(documentID, userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return int(n), nil
}

// ClearUser 清除某用户在某文档的全部连接登记（测试或运维用）
func (l *ConnLimiter) ClearUser(ctx context.Context, documentID, userID string) error {
	return l.rdb.Del(ctx, connKey(documentID, userID)).Err()
}
