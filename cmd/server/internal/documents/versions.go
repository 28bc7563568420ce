package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/neteye/codocs/cmd/server/internal/simhash"
)

// snapshotTx 在保存事务内判定是否留存新版本快照。编号分配经
// 文档级咨询锁串行化，保证 version_number 单调且无空洞竞争。
// 与最近一个快照没有实质差异时不产生新版本。
func (s *Service) snapshotTx(ctx context.Context, tx pgx.Tx, documentID, content, createdBy string) error {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, documentID); err != nil {
		return fmt.Errorf("version lock: %w", err)
	}

	var lastNumber int
	var lastContent string
	var lastFingerprint int64
	err := tx.QueryRow(ctx, `
		SELECT version_number, content, fingerprint
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version_number DESC
		LIMIT 1`, documentID,
	).Scan(&lastNumber, &lastContent, &lastFingerprint)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		lastNumber = 0
	case err != nil:
		return fmt.Errorf("latest version: %w", err)
	default:
		if !simhash.DriftExceeded(uint64(lastFingerprint), lastContent, content) {
			return nil
		}
	}

	fp := simhash.Fingerprint(content)
	_, err = tx.Exec(ctx, `
		INSERT INTO document_versions (document_id, version_number, content, fingerprint, created_by)
		VALUES ($1, $2, $3, $4, $5)`,
		documentID, lastNumber+1, content, int64(fp), createdBy)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	if s.keep > 0 {
		if err := s.pruneTx(ctx, tx, documentID); err != nil {
			return err
		}
	}

	s.log.Debug("version snapshot created",
		"document_id", documentID, "version", lastNumber+1, "created_by", createdBy)
	return nil
}

// pruneTx 只保留最近 keep 个版本
func (s *Service) pruneTx(ctx context.Context, tx pgx.Tx, documentID string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM document_versions
		WHERE document_id = $1
		  AND version_number NOT IN (
		      SELECT version_number FROM document_versions
		      WHERE document_id = $1
		      ORDER BY version_number DESC
		      LIMIT $2)`,
		documentID, s.keep)
	if err != nil {
		return fmt.Errorf("prune versions: %w", err)
	}
	return nil
}

// ListVersions 按版本号从新到旧列出快照
func (s *Service) ListVersions(ctx context.Context, documentID string) ([]VersionSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version_number, created_by, created_at
		FROM document_versions
		WHERE document_id = $1
		ORDER BY version_number DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	out := []VersionSummary{}
	for rows.Next() {
		var v VersionSummary
		if err := rows.Scan(&v.ID, &v.VersionNumber, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("list versions: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion 读取指定版本的完整内容
func (s *Service) GetVersion(ctx context.Context, documentID string, versionNumber int) (*Version, error) {
	v := &Version{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, document_id, version_number, content, created_by, created_at
		FROM document_versions
		WHERE document_id = $1 AND version_number = $2`,
		documentID, versionNumber,
	).Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Content, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

// RestoreVersion 把文档内容回滚到指定版本。回滚本身作为一个新的
// 最高版本留存，历史线保持单调，不发生改写。
func (s *Service) RestoreVersion(ctx context.Context, documentID string, versionNumber int, byUser string) (*Document, error) {
	var doc *Document
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		cur, err := lockDocument(ctx, tx, documentID)
		if err != nil {
			return err
		}

		var restored string
		err = tx.QueryRow(ctx, `
			SELECT content FROM document_versions
			WHERE document_id = $1 AND version_number = $2`,
			documentID, versionNumber,
		).Scan(&restored)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVersionNotFound
		}
		if err != nil {
			return fmt.Errorf("load version: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE documents SET content = $2, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			documentID, restored,
		).Scan(&cur.UpdatedAt)
		if err != nil {
			return fmt.Errorf("restore content: %w", err)
		}
		cur.Content = restored

		// 回滚版本无条件留存，实质差异判定不适用
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, documentID); err != nil {
			return fmt.Errorf("version lock: %w", err)
		}
		var lastNumber int
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version_number), 0) FROM document_versions
			WHERE document_id = $1`, documentID,
		).Scan(&lastNumber)
		if err != nil {
			return fmt.Errorf("latest version: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO document_versions (document_id, version_number, content, fingerprint, created_by)
			VALUES ($1, $2, $3, $4, $5)`,
			documentID, lastNumber+1, restored, int64(simhash.Fingerprint(restored)), byUser)
		if err != nil {
			return fmt.Errorf("insert restore version: %w", err)
		}
		if s.keep > 0 {
			if err := s.pruneTx(ctx, tx, documentID); err != nil {
				return err
			}
		}

		doc = cur
		return nil
	})
	return doc, err
}

// DeleteVersion 删除单个版本快照
func (s *Service) DeleteVersion(ctx context.Context, documentID string, versionNumber int) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM document_versions
		WHERE document_id = $1 AND version_number = $2`,
		documentID, versionNumber)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}
