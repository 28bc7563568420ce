package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neteye/codocs/cmd/server/internal/users"
)

// HandleRegister POST /api/v1/auth/register
// 注册新用户并直接签发令牌
func HandleRegister(userManager *users.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}
		if req.Username == "" {
			badRequestResponse(c, "username is required")
			return
		}
		if len(req.Password) < 8 {
			badRequestResponse(c, "password must be at least 8 characters")
			return
		}

		user, err := userManager.Register(req.Username, req.Password)
		if err != nil {
			if errors.Is(err, users.ErrUserExists) {
				errorResponse(c, http.StatusConflict, "user already exists")
			} else {
				internalErrorResponse(c, err)
			}
			return
		}

		token, err := userManager.IssueToken(user)
		if err != nil {
			internalErrorResponse(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"token": token,
			"user":  user,
		})
	}
}

// HandleLogin POST /api/v1/auth/login
// 校验口令并签发令牌
func HandleLogin(userManager *users.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}

		user, err := userManager.Authenticate(req.Username, req.Password)
		if err != nil {
			// 不区分用户不存在与口令错误
			unauthorizedResponse(c, "invalid username or password")
			return
		}

		token, err := userManager.IssueToken(user)
		if err != nil {
			internalErrorResponse(c, err)
			return
		}

		successResponse(c, gin.H{
			"token": token,
			"user":  user,
		})
	}
}

// HandleMe GET /api/v1/me
// 返回当前认证用户
func HandleMe(userManager *users.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userManager.GetByID(currentUserID(c))
		if !ok {
			notFoundResponse(c, "user")
			return
		}
		successResponse(c, gin.H{"user": user})
	}
}
