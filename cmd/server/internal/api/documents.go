package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neteye/codocs/cmd/server/internal/documents"
)

// resolveAccess 做一次访问裁决并在失败时写好响应。返回的 bool 表示
// 调用方是否可以继续。
func resolveAccess(c *gin.Context, docs *documents.Service, documentID string, needWrite bool) bool {
	perm, err := docs.ResolveAccess(c.Request.Context(), documentID, currentUserID(c))
	switch {
	case errors.Is(err, documents.ErrNotFound):
		notFoundResponse(c, "document")
		return false
	case errors.Is(err, documents.ErrForbidden):
		forbiddenResponse(c, "")
		return false
	case err != nil:
		internalErrorResponse(c, err)
		return false
	}
	if needWrite && !perm.CanWrite() {
		forbiddenResponse(c, "write access required")
		return false
	}
	return true
}

// requireOwner 仅允许文档所有者继续，成功时返回文档
func requireOwner(c *gin.Context, docs *documents.Service, documentID string) *documents.Document {
	doc, err := docs.Get(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrNotFound) {
		notFoundResponse(c, "document")
		return nil
	}
	if err != nil {
		internalErrorResponse(c, err)
		return nil
	}
	if doc.OwnerID != currentUserID(c) {
		forbiddenResponse(c, "owner access required")
		return nil
	}
	return doc
}

// HandleCreateDocument POST /api/v1/docs
func HandleCreateDocument(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}
		if req.Title == "" {
			badRequestResponse(c, "title is required")
			return
		}

		doc, err := docs.Create(c.Request.Context(), currentUserID(c), req.Title, req.Content)
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

// HandleListDocuments GET /api/v1/docs
// 列出当前用户拥有或参与协作的文档
func HandleListDocuments(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := docs.ListForUser(c.Request.Context(), currentUserID(c))
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"documents": list})
	}
}

// HandleGetDocument GET /api/v1/docs/:id
func HandleGetDocument(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, false) {
			return
		}
		doc, err := docs.Get(c.Request.Context(), documentID)
		if errors.Is(err, documents.ErrNotFound) {
			notFoundResponse(c, "document")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		successResponse(c, doc)
	}
}

// HandleUpdateDocument PATCH /api/v1/docs/:id
// 更新标题和/或正文。正文经 REST 改动时向在线会话广播替换操作与
// 保存通知，保持编辑器与存储一致。
func HandleUpdateDocument(docs *documents.Service, notifier *Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, true) {
			return
		}

		var req struct {
			Title   *string `json:"title"`
			Content *string `json:"content"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}
		if req.Title == nil && req.Content == nil {
			badRequestResponse(c, "nothing to update")
			return
		}

		var oldContent string
		if req.Content != nil {
			prev, err := docs.Get(c.Request.Context(), documentID)
			if err != nil {
				internalErrorResponse(c, err)
				return
			}
			oldContent = prev.Content
		}

		doc, err := docs.Update(c.Request.Context(), documentID, req.Title, req.Content, currentUserID(c))
		if errors.Is(err, documents.ErrNotFound) {
			notFoundResponse(c, "document")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}

		if req.Content != nil {
			notifier.ContentReplaced(documentID, oldContent, doc.Content, doc.UpdatedAt)
		}
		successResponse(c, doc)
	}
}

// HandleDeleteDocument DELETE /api/v1/docs/:id
// 仅所有者可删除
func HandleDeleteDocument(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if requireOwner(c, docs, documentID) == nil {
			return
		}
		if err := docs.Delete(c.Request.Context(), documentID); err != nil {
			internalErrorResponse(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleListCollaborators GET /api/v1/docs/:id/collaborators
func HandleListCollaborators(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, false) {
			return
		}
		list, err := docs.ListCollaborators(c.Request.Context(), documentID)
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"collaborators": list})
	}
}

// HandleAddCollaborator PUT /api/v1/docs/:id/collaborators/:user_id
// 仅所有者可授权；重复授权更新权限级别
func HandleAddCollaborator(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		doc := requireOwner(c, docs, documentID)
		if doc == nil {
			return
		}

		targetID := c.Param("user_id")
		if targetID == doc.OwnerID {
			badRequestResponse(c, "owner already has write access")
			return
		}

		var req struct {
			Permission string `json:"permission"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}

		err := docs.AddCollaborator(c.Request.Context(), documentID, targetID,
			documents.Permission(req.Permission))
		switch {
		case errors.Is(err, documents.ErrBadPermission):
			badRequestResponse(c, "permission must be read or write")
		case errors.Is(err, documents.ErrNotFound):
			notFoundResponse(c, "document")
		case err != nil:
			internalErrorResponse(c, err)
		default:
			c.Status(http.StatusNoContent)
		}
	}
}

// HandleRemoveCollaborator DELETE /api/v1/docs/:id/collaborators/:user_id
func HandleRemoveCollaborator(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if requireOwner(c, docs, documentID) == nil {
			return
		}
		if err := docs.RemoveCollaborator(c.Request.Context(), documentID, c.Param("user_id")); err != nil {
			internalErrorResponse(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
