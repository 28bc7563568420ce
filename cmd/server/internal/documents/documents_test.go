package documents

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neteye/codocs/cmd/server/internal/delta"
)

func TestPermissionHelpers(t *testing.T) {
	assert.True(t, PermissionRead.Valid())
	assert.True(t, PermissionWrite.Valid())
	assert.False(t, Permission("admin").Valid())
	assert.False(t, Permission("").Valid())

	assert.True(t, PermissionWrite.CanWrite())
	assert.False(t, PermissionRead.CanWrite())
}

// testService 需要真实 PostgreSQL，未配置 CODOCS_TEST_POSTGRES 时跳过
func testService(t *testing.T, keep int) *Service {
	t.Helper()
	url := os.Getenv("CODOCS_TEST_POSTGRES")
	if url == "" {
		t.Skip("CODOCS_TEST_POSTGRES not set, skipping postgres integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	svc := NewService(pool, keep, slog.Default())
	require.NoError(t, svc.EnsureSchema(ctx))
	return svc
}

func TestDocumentLifecycle(t *testing.T) {
	svc := testService(t, 0)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "设计笔记", "第一行")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "u-owner", doc.OwnerID)

	got, err := svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "第一行", got.Content)

	newTitle := "设计笔记 v2"
	updated, err := svc.Update(ctx, doc.ID, &newTitle, nil, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, newTitle, updated.Title)
	assert.Equal(t, "第一行", updated.Content)

	list, err := svc.ListForUser(ctx, "u-owner")
	require.NoError(t, err)
	found := false
	for _, sum := range list {
		if sum.ID == doc.ID {
			found = true
			assert.Equal(t, newTitle, sum.Title)
		}
	}
	assert.True(t, found)

	require.NoError(t, svc.Delete(ctx, doc.ID))
	_, err = svc.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, doc.ID), ErrNotFound)
}

func TestResolveAccess(t *testing.T) {
	svc := testService(t, 0)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "权限测试", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(ctx, doc.ID) })

	perm, err := svc.ResolveAccess(ctx, doc.ID, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, PermissionWrite, perm)

	_, err = svc.ResolveAccess(ctx, doc.ID, "u-stranger")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.AddCollaborator(ctx, doc.ID, "u-reader", PermissionRead))
	perm, err = svc.ResolveAccess(ctx, doc.ID, "u-reader")
	require.NoError(t, err)
	assert.Equal(t, PermissionRead, perm)

	// 升级权限走同一入口
	require.NoError(t, svc.AddCollaborator(ctx, doc.ID, "u-reader", PermissionWrite))
	perm, err = svc.ResolveAccess(ctx, doc.ID, "u-reader")
	require.NoError(t, err)
	assert.Equal(t, PermissionWrite, perm)

	require.NoError(t, svc.RemoveCollaborator(ctx, doc.ID, "u-reader"))
	_, err = svc.ResolveAccess(ctx, doc.ID, "u-reader")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.ResolveAccess(ctx, "00000000-0000-0000-0000-000000000000", "u-owner")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, svc.AddCollaborator(ctx, doc.ID, "u-x", Permission("admin")), ErrBadPermission)
}

func TestApplyOpsComposesOntoStoredContent(t *testing.T) {
	svc := testService(t, 0)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "正文", "hello")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(ctx, doc.ID) })

	d := &delta.Delta{Ops: []delta.Op{
		{Retain: 5},
		{Insert: " world"},
	}}
	savedAt, err := svc.ApplyOps(ctx, doc.ID, "u-owner", d)
	require.NoError(t, err)
	assert.False(t, savedAt.IsZero())

	got, err := svc.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Content)

	_, err = svc.ApplyOps(ctx, "00000000-0000-0000-0000-000000000000", "u-owner", d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionSnapshotGate(t *testing.T) {
	svc := testService(t, 0)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "版本测试", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(ctx, doc.ID) })

	// 第一次保存产生版本 1
	body := strings.Repeat("协作编辑系统的设计文档正文。", 10)
	_, err = svc.ApplyOps(ctx, doc.ID, "u-owner", &delta.Delta{Ops: []delta.Op{{Insert: body}}})
	require.NoError(t, err)

	versions, err := svc.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].VersionNumber)
	assert.Equal(t, "u-owner", versions[0].CreatedBy)

	// 无实质变化的小改动不产生新版本
	_, err = svc.ApplyOps(ctx, doc.ID, "u-owner", &delta.Delta{Ops: []delta.Op{{Insert: "。"}}})
	require.NoError(t, err)
	versions, err = svc.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// 大段重写产生版本 2，列表从新到旧
	rewrite := strings.Repeat("completely new body about consensus protocols. ", 10)
	newContent := rewrite
	_, err = svc.Update(ctx, doc.ID, nil, &newContent, "u-editor")
	require.NoError(t, err)
	versions, err = svc.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].VersionNumber)
	assert.Equal(t, "u-editor", versions[0].CreatedBy)
	assert.Equal(t, 1, versions[1].VersionNumber)

	v, err := svc.GetVersion(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, rewrite, v.Content)

	_, err = svc.GetVersion(ctx, doc.ID, 99)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestRestoreVersionKeepsHistoryMonotonic(t *testing.T) {
	svc := testService(t, 0)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "回滚测试", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(ctx, doc.ID) })

	first := strings.Repeat("版本一的内容。", 20)
	second := strings.Repeat("version two content entirely different. ", 20)
	for _, content := range []string{first, second} {
		c := content
		_, err = svc.Update(ctx, doc.ID, nil, &c, "u-owner")
		require.NoError(t, err)
	}

	restored, err := svc.RestoreVersion(ctx, doc.ID, 1, "u-owner")
	require.NoError(t, err)
	assert.Equal(t, first, restored.Content)

	// 回滚产生新的最高版本而不是改写历史
	versions, err := svc.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].VersionNumber)

	v3, err := svc.GetVersion(ctx, doc.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, first, v3.Content)

	_, err = svc.RestoreVersion(ctx, doc.ID, 42, "u-owner")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestVersionPruneKeepsMostRecent(t *testing.T) {
	svc := testService(t, 3)
	ctx := context.Background()

	doc, err := svc.Create(ctx, "u-owner", "清理测试", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Delete(ctx, doc.ID) })

	topics := []string{
		"first topic about caching strategies and eviction. ",
		"第二个主题：一致性哈希与数据分片。",
		"third topic on write-ahead logging and recovery. ",
		"第四个主题：向量时钟与因果一致性。",
		"fifth topic about gossip protocols and membership. ",
	}
	for _, topic := range topics {
		content := strings.Repeat(topic, 15)
		_, err = svc.Update(ctx, doc.ID, nil, &content, "u-owner")
		require.NoError(t, err)
	}

	versions, err := svc.ListVersions(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 5, versions[0].VersionNumber)
	assert.Equal(t, 4, versions[1].VersionNumber)
	assert.Equal(t, 3, versions[2].VersionNumber)

	require.NoError(t, svc.DeleteVersion(ctx, doc.ID, 4))
	assert.ErrorIs(t, svc.DeleteVersion(ctx, doc.ID, 4), ErrVersionNotFound)
}
