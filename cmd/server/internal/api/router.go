package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neteye/codocs/cmd/server/internal/documents"
	"github.com/neteye/codocs/cmd/server/internal/middleware"
	"github.com/neteye/codocs/cmd/server/internal/users"
	"github.com/neteye/codocs/cmd/server/internal/ws"
)

// RouterDeps 路由依赖
type RouterDeps struct {
	Users *users.Manager
	Docs  *documents.Service
	WS    *ws.Handler
	Hub   *ws.Hub
}

// RegisterRoutes 注册全部 HTTP 与 WebSocket 路由
func RegisterRoutes(r *gin.Engine, deps RouterDeps) {
	startTime := time.Now()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": int(time.Since(startTime).Seconds()),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 协作通道自带子协议认证，不经过 Bearer 中间件
	r.GET("/ws/docs/:id", deps.WS.ServeWS)

	authGroup := r.Group("/api/v1/auth")
	{
		authGroup.POST("/register", HandleRegister(deps.Users))
		authGroup.POST("/login", HandleLogin(deps.Users))
	}

	notifier := NewNotifier(deps.Hub)

	v1 := r.Group("/api/v1", middleware.RequireAuth(deps.Users))
	{
		v1.GET("/me", HandleMe(deps.Users))

		v1.POST("/docs", HandleCreateDocument(deps.Docs))
		v1.GET("/docs", HandleListDocuments(deps.Docs))
		v1.GET("/docs/:id", HandleGetDocument(deps.Docs))
		v1.PATCH("/docs/:id", HandleUpdateDocument(deps.Docs, notifier))
		v1.DELETE("/docs/:id", HandleDeleteDocument(deps.Docs))

		v1.GET("/docs/:id/collaborators", HandleListCollaborators(deps.Docs))
		v1.PUT("/docs/:id/collaborators/:user_id", HandleAddCollaborator(deps.Docs))
		v1.DELETE("/docs/:id/collaborators/:user_id", HandleRemoveCollaborator(deps.Docs))

		v1.GET("/docs/:id/versions", HandleListVersions(deps.Docs))
		v1.GET("/docs/:id/versions/:version", HandleGetVersion(deps.Docs))
		v1.POST("/docs/:id/versions/:version/restore", HandleRestoreVersion(deps.Docs, notifier))
		v1.DELETE("/docs/:id/versions/:version", HandleDeleteVersion(deps.Docs))
	}
}
