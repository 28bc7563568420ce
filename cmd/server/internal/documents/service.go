package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/neteye/codocs/cmd/server/internal/delta"
)

// Service 文档存储服务。所有内容写入都在事务内完成，同一文档的
// 并发保存经行锁串行化。
type Service struct {
	pool *pgxpool.Pool
	keep int // 每个文档保留的版本快照数量
	log  *slog.Logger
}

// NewService 创建文档服务。keepVersions <= 0 时不清理历史版本。
func NewService(pool *pgxpool.Pool, keepVersions int, log *slog.Logger) *Service {
	return &Service{pool: pool, keep: keepVersions, log: log}
}

// EnsureSchema 建表。重复执行安全，启动时调用。
func (s *Service) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    owner_id   TEXT NOT NULL,
    title      TEXT NOT NULL,
    content    TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS document_collaborators (
    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    permission  TEXT NOT NULL CHECK (permission IN ('read', 'write')),
    added_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (document_id, user_id)
);

CREATE TABLE IF NOT EXISTS document_versions (
    id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    document_id    UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    version_number INT  NOT NULL,
    content        TEXT NOT NULL,
    fingerprint    BIGINT NOT NULL DEFAULT 0,
    created_by     TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (document_id, version_number)
);

CREATE INDEX IF NOT EXISTS idx_collaborators_user
    ON document_collaborators (user_id);
CREATE INDEX IF NOT EXISTS idx_versions_doc
    ON document_versions (document_id, version_number DESC);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Create 创建文档，所有者自动获得写权限
func (s *Service) Create(ctx context.Context, ownerID, title, content string) (*Document, error) {
	doc := &Document{OwnerID: ownerID, Title: title, Content: content}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO documents (owner_id, title, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		ownerID, title, content,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// Get 读取完整文档
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	doc := &Document{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, content, created_at, updated_at
		FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListForUser 列出用户拥有或参与协作的文档，按最近更新排序
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.owner_id, d.title, d.created_at, d.updated_at
		FROM documents d
		WHERE d.owner_id = $1
		   OR EXISTS (
		        SELECT 1 FROM document_collaborators c
		        WHERE c.document_id = d.id AND c.user_id = $1)
		ORDER BY d.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.OwnerID, &sum.Title, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Update 更新标题和/或正文，nil 字段保持不变。正文走全量替换路径，
// 同样进入版本快照判定。
func (s *Service) Update(ctx context.Context, id string, title, content *string, byUser string) (*Document, error) {
	if title == nil && content == nil {
		return s.Get(ctx, id)
	}

	var doc *Document
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDocument(ctx, tx, id)
		if err != nil {
			return err
		}
		if title != nil {
			cur.Title = *title
		}
		if content != nil {
			cur.Content = *content
		}
		err = tx.QueryRow(ctx, `
			UPDATE documents SET title = $2, content = $3, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			id, cur.Title, cur.Content,
		).Scan(&cur.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		if content != nil {
			if err := s.snapshotTx(ctx, tx, id, cur.Content, byUser); err != nil {
				return err
			}
		}
		doc = cur
		return nil
	})
	return doc, err
}

// Delete 删除文档，协作者与版本记录级联删除
func (s *Service) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyOps 把合成后的内容操作应用到已存储的正文。同一文档的并发
// 保存经 FOR UPDATE 行锁串行化，操作在锁内基于最新正文求值。
func (s *Service) ApplyOps(ctx context.Context, documentID, userID string, d *delta.Delta) (time.Time, error) {
	var savedAt time.Time
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDocument(ctx, tx, documentID)
		if err != nil {
			return err
		}

		next, err := d.Apply(cur.Content)
		if err != nil {
			return fmt.Errorf("apply ops to document %s: %w", documentID, err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE documents SET content = $2, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			documentID, next,
		).Scan(&savedAt)
		if err != nil {
			return fmt.Errorf("persist document %s: %w", documentID, err)
		}

		return s.snapshotTx(ctx, tx, documentID, next, userID)
	})
	return savedAt, err
}

// ResolveAccess 裁决用户对文档的访问级别。所有者恒为写权限，
// 协作者按授权级别，其余一律拒绝。
func (s *Service) ResolveAccess(ctx context.Context, documentID, userID string) (Permission, error) {
	var ownerID string
	var perm *string
	err := s.pool.QueryRow(ctx, `
		SELECT d.owner_id, c.permission
		FROM documents d
		LEFT JOIN document_collaborators c
		       ON c.document_id = d.id AND c.user_id = $2
		WHERE d.id = $1`,
		documentID, userID,
	).Scan(&ownerID, &perm)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve access: %w", err)
	}

	if ownerID == userID {
		return PermissionWrite, nil
	}
	if perm != nil {
		return Permission(*perm), nil
	}
	return "", ErrForbidden
}

// AddCollaborator 添加或更新协作者权限
func (s *Service) AddCollaborator(ctx context.Context, documentID, userID string, perm Permission) error {
	if !perm.Valid() {
		return ErrBadPermission
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_collaborators (document_id, user_id, permission)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id)
		DO UPDATE SET permission = EXCLUDED.permission`,
		documentID, userID, string(perm))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound // 外键失败：文档不存在
		}
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

// RemoveCollaborator 移除协作者，不存在时为空操作
func (s *Service) RemoveCollaborator(ctx context.Context, documentID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM document_collaborators
		WHERE document_id = $1 AND user_id = $2`,
		documentID, userID)
	if err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	return nil
}

// ListCollaborators 列出文档协作者
func (s *Service) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, permission, added_at
		FROM document_collaborators
		WHERE document_id = $1
		ORDER BY added_at`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	out := []Collaborator{}
	for rows.Next() {
		var c Collaborator
		var perm string
		if err := rows.Scan(&c.UserID, &perm, &c.AddedAt); err != nil {
			return nil, fmt.Errorf("list collaborators: %w", err)
		}
		c.Permission = Permission(perm)
		out = append(out, c)
	}
	return out, rows.Err()
}

// lockDocument 取行锁并读取当前内容
func lockDocument(ctx context.Context, tx pgx.Tx, id string) (*Document, error) {
	doc := &Document{}
	err := tx.QueryRow(ctx, `
		SELECT id, owner_id, title, content, created_at, updated_at
		FROM documents WHERE id = $1
		FOR UPDATE`, id,
	).Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock document: %w", err)
	}
	return doc, nil
}

func (s *Service) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
