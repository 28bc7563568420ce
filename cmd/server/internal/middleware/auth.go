package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neteye/codocs/cmd/server/internal/users"
)

// RequireAuth 校验 Authorization: Bearer 令牌并把用户身份注入上下文。
// 下游 handler 通过 c.Get("user_id") / c.Get("username") 读取。
func RequireAuth(userManager *users.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := userManager.ParseToken(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, users.ErrTokenExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}
