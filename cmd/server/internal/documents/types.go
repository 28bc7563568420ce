// Package documents 实现文档持久化：内容存储、协作者权限与版本快照。
package documents

import (
	"errors"
	"time"
)

// 存储层错误
var (
	ErrNotFound        = errors.New("document not found")
	ErrForbidden       = errors.New("no access to this document")
	ErrVersionNotFound = errors.New("document version not found")
	ErrBadPermission   = errors.New("permission must be read or write")
)

// Permission 协作者权限级别
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Valid 校验权限取值
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// CanWrite 权限是否允许修改内容
func (p Permission) CanWrite() bool {
	return p == PermissionWrite
}

// Document 文档完整记录
type Document struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary 列表视图，不携带正文
type Summary struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Collaborator 协作者记录
type Collaborator struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	AddedAt    time.Time  `json:"added_at"`
}

// Version 版本快照。VersionNumber 在单个文档内单调递增且从 1 开始。
type Version struct {
	ID            string    `json:"id"`
	DocumentID    string    `json:"document_id"`
	VersionNumber int       `json:"version_number"`
	Content       string    `json:"content"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// VersionSummary 版本列表视图，不携带正文
type VersionSummary struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"version_number"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
}
