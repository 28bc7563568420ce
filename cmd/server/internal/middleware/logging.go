package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/neteye/codocs/pkg/logger"
)

// RequestLogger 写入结构化请求日志并注入 request_id。客户端可通过
// X-Request-ID 自带标识以便跨服务关联，否则生成一个。WebSocket 升级
// 请求单独记为 ws_session：其耗时是整个会话的存活时长，且带文档标识。
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)

		isUpgrade := c.IsWebsocket()

		c.Next()

		duration := time.Since(start)

		event := "http_request"
		if isUpgrade {
			event = "ws_session"
		}
		fields := []any{
			"rid", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", duration.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if isUpgrade {
			if docID := c.Param("id"); docID != "" {
				fields = append(fields, "document_id", docID)
			}
		}
		if uid, ok := c.Get("user_id"); ok {
			fields = append(fields, "user_id", uid)
		}
		logger.L().Info(event, fields...)
	}
}
