package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/neteye/codocs/cmd/server/internal/documents"
)

func versionParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("version"))
	if err != nil || n < 1 {
		badRequestResponse(c, "version must be a positive integer")
		return 0, false
	}
	return n, true
}

// HandleListVersions GET /api/v1/docs/:id/versions
// 从新到旧列出版本快照
func HandleListVersions(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, false) {
			return
		}
		list, err := docs.ListVersions(c.Request.Context(), documentID)
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		successResponse(c, gin.H{"versions": list})
	}
}

// HandleGetVersion GET /api/v1/docs/:id/versions/:version
func HandleGetVersion(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, false) {
			return
		}
		n, ok := versionParam(c)
		if !ok {
			return
		}
		v, err := docs.GetVersion(c.Request.Context(), documentID, n)
		if errors.Is(err, documents.ErrVersionNotFound) {
			notFoundResponse(c, "version")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		successResponse(c, v)
	}
}

// HandleRestoreVersion POST /api/v1/docs/:id/versions/:version/restore
// 回滚到指定版本并通知在线会话
func HandleRestoreVersion(docs *documents.Service, notifier *Notifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if !resolveAccess(c, docs, documentID, true) {
			return
		}
		n, ok := versionParam(c)
		if !ok {
			return
		}

		prev, err := docs.Get(c.Request.Context(), documentID)
		if errors.Is(err, documents.ErrNotFound) {
			notFoundResponse(c, "document")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}

		doc, err := docs.RestoreVersion(c.Request.Context(), documentID, n, currentUserID(c))
		if errors.Is(err, documents.ErrVersionNotFound) {
			notFoundResponse(c, "version")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}

		notifier.ContentReplaced(documentID, prev.Content, doc.Content, doc.UpdatedAt)
		successResponse(c, doc)
	}
}

// HandleDeleteVersion DELETE /api/v1/docs/:id/versions/:version
// 仅所有者可删历史
func HandleDeleteVersion(docs *documents.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID := c.Param("id")
		if requireOwner(c, docs, documentID) == nil {
			return
		}
		n, ok := versionParam(c)
		if !ok {
			return
		}
		err := docs.DeleteVersion(c.Request.Context(), documentID, n)
		if errors.Is(err, documents.ErrVersionNotFound) {
			notFoundResponse(c, "version")
			return
		}
		if err != nil {
			internalErrorResponse(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
