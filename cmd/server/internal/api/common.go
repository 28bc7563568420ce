// Package api 实现 REST 接口：认证、文档 CRUD、协作者与版本历史。
package api

import (
	"github.com/gin-gonic/gin"
)

// currentUserID 获取鉴权中间件注入的用户 ID，未认证时返回空串
func currentUserID(c *gin.Context) string {
	if v, exists := c.Get("user_id"); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// requestID 获取日志中间件注入的请求标识，用于错误响应与日志关联
func requestID(c *gin.Context) string {
	if v, exists := c.Get("request_id"); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// errorResponse 返回错误响应，附带 request_id 便于客户端报障时定位日志
func errorResponse(c *gin.Context, code int, message string) {
	body := gin.H{"error": message}
	if rid := requestID(c); rid != "" {
		body["request_id"] = rid
	}
	c.JSON(code, body)
}

// successResponse 返回成功响应
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(200, data)
}

// notFoundResponse 返回 404 响应
func notFoundResponse(c *gin.Context, resource string) {
	errorResponse(c, 404, resource+" not found")
}

// badRequestResponse 返回 400 响应
func badRequestResponse(c *gin.Context, message string) {
	errorResponse(c, 400, message)
}

// unauthorizedResponse 返回 401 响应
func unauthorizedResponse(c *gin.Context, message string) {
	if message == "" {
		message = "unauthorized"
	}
	errorResponse(c, 401, message)
}

// forbiddenResponse 返回 403 响应
func forbiddenResponse(c *gin.Context, message string) {
	if message == "" {
		message = "forbidden"
	}
	errorResponse(c, 403, message)
}

// internalErrorResponse 返回 500 响应
func internalErrorResponse(c *gin.Context, err error) {
	body := gin.H{
		"error":  "internal server error",
		"detail": err.Error(),
	}
	if rid := requestID(c); rid != "" {
		body["request_id"] = rid
	}
	c.JSON(500, body)
}
