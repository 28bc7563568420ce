package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slideWindowScript 滑动窗口限流：清除窗口外的时间戳，未超限时登记
// 当前时间戳；超限时返回最早时间戳推算的重试等待。
var slideWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_start_ms = tonumber(ARGV[2])
local max_messages = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start_ms)

local count = redis.call('ZCARD', key)

if count >= max_messages then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry_after = 0
    if #oldest > 0 then
        retry_after = oldest[2] + window_ms - now_ms
        if retry_after < 0 then
            retry_after = 0
        end
    end
    return {0, count, retry_after}
end

redis.call('ZADD', key, now_ms, now_ms)
redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

return {1, count + 1, 0}
`)

// RateDecision 限流判定结果
type RateDecision struct {
	Allowed    bool
	Remaining  int
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

// RateLimiter 每 (用户,文档) 的滑动窗口消息限流，Redis Sorted Set 实现。
// Redis 故障时放行（fail-open），避免存储抖动影响正常编辑。
type RateLimiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
}

// NewRateLimiter 创建限流器
func NewRateLimiter(rdb *redis.Client, maxMessages int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, max: maxMessages, window: window}
}

func rateKey(userID, documentID string) string {
	return fmt.Sprintf("codocs:ws:ratelimit:user:%s:doc:%s", userID, documentID)
}

// Allow 判定是否允许发送。返回 error 时由调用方按放行处理。
func (r *RateLimiter) Allow(ctx context.Context, userID, documentID string) (RateDecision, error) {
	nowMs := time.Now().UnixMilli()
	windowMs := r.window.Milliseconds()

	result, err := slideWindowScript.Run(ctx, r.rdb,
		[]string{rateKey(userID, documentID)},
		nowMs, nowMs-windowMs, r.max, windowMs,
	).Int64Slice()
	if err != nil {
		return r.openDecision(), fmt.Errorf("rate limit check: %w", err)
	}
	if len(result) != 3 {
		return r.openDecision(), fmt.Errorf("rate limit check: unexpected script result %v", result)
	}

	allowed := result[0] == 1
	count := int(result[1])
	retryAfterMs := result[2]

	remaining := r.max - count
	if remaining < 0 {
		remaining = 0
	}

	return RateDecision{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      r.max,
		Window:     r.window,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}, nil
}

// Count 当前窗口内已发送的消息数
func (r *RateLimiter) Count(ctx context.Context, userID, documentID string) (int, error) {
	nowMs := time.Now().UnixMilli()
	key := rateKey(userID, documentID)

	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf",
		fmt.Sprintf("%d", nowMs-r.window.Milliseconds())).Err(); err != nil {
		return 0, fmt.Errorf("rate limit count: %w", err)
	}
	n, err := r.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit count: %w", err)
	}
	return int(n), nil
}

// Reset 清空某 (用户,文档) 的限流窗口（测试或运维用）
func (r *RateLimiter) Reset(ctx context.Context, userID, documentID string) error {
	return r.rdb.Del(ctx, rateKey(userID, documentID)).Err()
}

// openDecision fail-open 时返回的判定
func (r *RateLimiter) openDecision() RateDecision {
	return RateDecision{Allowed: true, Remaining: r.max, Limit: r.max, Window: r.window}
}
