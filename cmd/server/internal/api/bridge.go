package api

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/neteye/codocs/cmd/server/internal/delta"
	"github.com/neteye/codocs/cmd/server/internal/documents"
	"github.com/neteye/codocs/cmd/server/internal/ws"
)

// Notifier 把 REST 侧的内容变更同步给在线协作会话
type Notifier struct {
	hub *ws.Hub
}

// NewNotifier 创建通知器。hub 为 nil 时所有通知为空操作（测试场景）。
func NewNotifier(hub *ws.Hub) *Notifier {
	return &Notifier{hub: hub}
}

// ContentReplaced 广播一个等价于"整篇替换"的内容操作与保存通知。
// 在线编辑器收到后用新正文覆盖本地状态。
func (n *Notifier) ContentReplaced(documentID, oldContent, newContent string, savedAt time.Time) {
	if n.hub == nil {
		return
	}

	replace := &delta.Delta{}
	if oldLen := utf8.RuneCountInString(oldContent); oldLen > 0 {
		replace.Ops = append(replace.Ops, delta.Op{Delete: oldLen})
	}
	if newContent != "" {
		replace.Ops = append(replace.Ops, delta.Op{Insert: newContent})
	}
	if len(replace.Ops) > 0 {
		n.hub.Broadcast(documentID, ws.EncodeDelta(replace), nil)
	}
	n.hub.Broadcast(documentID, ws.EncodeDocSaved(savedAt), nil)
}

// 协作通道与文档存储之间的适配器。ws 包只认自己的小接口与哨兵错误，
// 这里负责翻译。

// DocumentGateAdapter 实现 ws.DocumentGate
type DocumentGateAdapter struct {
	Docs *documents.Service
}

func (a DocumentGateAdapter) Access(ctx context.Context, documentID, userID string) (bool, error) {
	perm, err := a.Docs.ResolveAccess(ctx, documentID, userID)
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return false, ws.ErrDocumentNotFound
	case errors.Is(err, documents.ErrForbidden):
		return false, ws.ErrPermissionDenied
	case err != nil:
		return false, err
	}
	return perm.CanWrite(), nil
}

// SaverAdapter 实现 ws.Saver
type SaverAdapter struct {
	Docs *documents.Service
}

func (a SaverAdapter) ApplyOps(ctx context.Context, documentID, userID string, d *delta.Delta) (time.Time, error) {
	return a.Docs.ApplyOps(ctx, documentID, userID, d)
}
