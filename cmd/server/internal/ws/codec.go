// Package ws 实现实时协作通道：消息编解码、文档分组广播与会话生命周期。
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neteye/codocs/cmd/server/internal/delta"
)

// 应用层关闭代码（4000-4999），每个失败原因对应唯一代码，
// 客户端据此决定恢复动作（重新登录/跳转/提示）。
const (
	CloseAuthFailed         = 4001
	CloseTokenExpired       = 4002
	ClosePermissionDenied   = 4003
	CloseDocumentNotFound   = 4004
	CloseTooManyConnections = 4005
	CloseInvalidMessage     = 4006
	CloseMessageTooLarge    = 4007
	CloseRateLimited        = 4008
)

// 机器可读错误代码，与关闭代码一一对应；READ_ONLY 仅作为 error
// 消息返回，连接保持打开。
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeNoToken            = "NO_TOKEN"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeDocumentNotFound   = "DOCUMENT_NOT_FOUND"
	CodeTooManyConnections = "TOO_MANY_CONNECTIONS"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeReadOnly           = "READ_ONLY"
)

// 解码失败原因
var (
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrMalformed     = errors.New("malformed frame")
	ErrUnknownKind   = errors.New("unknown message kind")
)

// MessageKind 入站消息类型
type MessageKind string

const (
	KindDelta      MessageKind = "delta"       // 裸 {delta:...} 形式
	KindCursorMove MessageKind = "cursor_move"
	KindPing       MessageKind = "ping"
	KindSaveDoc    MessageKind = "save_doc" // 客户端显式保存触发
)

// CursorPos 游标位置（瞬时值，后到的覆盖先到的）
type CursorPos struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// Inbound 边界处一次性解码的入站消息变体。Kind 决定哪个字段有效。
type Inbound struct {
	Kind   MessageKind
	Delta  *delta.Delta
	Cursor *CursorPos
}

// inboundEnvelope 入站信封。裸内容操作按约定不带 type 字段。
type inboundEnvelope struct {
	Type   string           `json:"type"`
	Delta  *json.RawMessage `json:"delta"`
	Index  *int             `json:"index"`
	Length *int             `json:"length"`
}

// DecodeInbound 解析入站帧。maxSize 为帧大小上限（字节）。
func DecodeInbound(data []byte, maxSize int) (*Inbound, error) {
	if maxSize > 0 && len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(data), maxSize)
	}

	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case "":
		// 裸内容操作
		if env.Delta == nil {
			return nil, fmt.Errorf("%w: missing delta", ErrMalformed)
		}
		var d delta.Delta
		if err := json.Unmarshal(*env.Delta, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(d.Ops) == 0 {
			return nil, fmt.Errorf("%w: delta carries no instructions", ErrMalformed)
		}
		if err := d.Validate(maxDeltaOps); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Inbound{Kind: KindDelta, Delta: &d}, nil
	case string(KindCursorMove):
		if env.Index == nil || env.Length == nil {
			return nil, fmt.Errorf("%w: cursor_move requires index and length", ErrMalformed)
		}
		if *env.Index < 0 || *env.Length < 0 {
			return nil, fmt.Errorf("%w: negative cursor position", ErrMalformed)
		}
		return &Inbound{Kind: KindCursorMove, Cursor: &CursorPos{Index: *env.Index, Length: *env.Length}}, nil
	case string(KindPing):
		return &Inbound{Kind: KindPing}, nil
	case string(KindSaveDoc):
		return &Inbound{Kind: KindSaveDoc}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

// 单个操作的指令数上限，防止恶意超长指令序列
const maxDeltaOps = 4096

// PresenceUser presence_sync 中的成员条目
type PresenceUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Color    string `json:"color"`
	LastSeen int64  `json:"last_seen"`
}

// 出站消息编码。编码失败只可能来自不可序列化的程序值，按 bug 处理。

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ws: marshal outbound message: %v", err))
	}
	return data
}

// EncodeDelta 裸内容操作广播（服务端到对端同样不带 type）
func EncodeDelta(d *delta.Delta) []byte {
	return mustMarshal(map[string]any{"delta": d})
}

// EncodeConnectionSuccess 握手完成通知
func EncodeConnectionSuccess(userID string, canWrite bool) []byte {
	return mustMarshal(map[string]any{
		"type":      "connection_success",
		"user_id":   userID,
		"can_write": canWrite,
	})
}

// EncodeDocSaved 文档保存完成广播
func EncodeDocSaved(updatedAt time.Time) []byte {
	return mustMarshal(map[string]any{
		"type":       "doc_saved",
		"updated_at": updatedAt.UTC().Format(time.RFC3339),
	})
}

// EncodeCursorMove 游标广播（附带发送者身份与颜色）
func EncodeCursorMove(userID, username, color string, cursor CursorPos) []byte {
	return mustMarshal(map[string]any{
		"type":      "cursor_move",
		"user_id":   userID,
		"username":  username,
		"color":     color,
		"cursor":    cursor,
		"timestamp": time.Now().UnixMilli(),
	})
}

// EncodeUserJoin 成员加入广播
func EncodeUserJoin(userID, username, color string) []byte {
	return mustMarshal(map[string]any{
		"type":     "user_join",
		"user_id":  userID,
		"username": username,
		"color":    color,
	})
}

// EncodeUserLeave 成员离开广播
func EncodeUserLeave(userID string) []byte {
	return mustMarshal(map[string]any{
		"type":    "user_leave",
		"user_id": userID,
	})
}

// EncodePresenceSync 完整在线名单，加入时发送一次
func EncodePresenceSync(users []PresenceUser) []byte {
	if users == nil {
		users = []PresenceUser{}
	}
	return mustMarshal(map[string]any{
		"type":  "presence_sync",
		"users": users,
	})
}

// EncodeConnectionError 关闭前的诊断消息
func EncodeConnectionError(code, message string) []byte {
	return mustMarshal(map[string]any{
		"type":       "connection_error",
		"error_code": code,
		"message":    message,
	})
}

// EncodeError 连接保持打开的错误通知；retryAfter 为 0 时省略
func EncodeError(code, message string, retryAfter float64) []byte {
	payload := map[string]any{
		"type":       "error",
		"error_code": code,
		"message":    message,
	}
	if retryAfter > 0 {
		payload["retry_after"] = retryAfter
	}
	return mustMarshal(payload)
}

// EncodePong 心跳应答
func EncodePong() []byte {
	return mustMarshal(map[string]any{"type": "pong"})
}
