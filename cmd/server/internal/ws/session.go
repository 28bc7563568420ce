package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neteye/codocs/cmd/server/internal/delta"
	"github.com/neteye/codocs/cmd/server/internal/presence"
	"github.com/neteye/codocs/cmd/server/internal/throttle"
	"github.com/neteye/codocs/cmd/server/internal/users"
	"github.com/neteye/codocs/pkg/logger"
	"github.com/neteye/codocs/pkg/metrics"
)

// 访问裁决失败原因，由 DocumentGate 实现返回
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// TokenVerifier 握手令牌校验
type TokenVerifier interface {
	ParseToken(token string) (*users.Claims, error)
}

// DocumentGate 文档访问裁决。文档不存在返回 ErrDocumentNotFound，
// 无权访问返回 ErrPermissionDenied，只读协作者返回 canWrite=false。
type DocumentGate interface {
	Access(ctx context.Context, documentID, userID string) (canWrite bool, err error)
}

// Saver 持久化桥接：把合成后的内容操作应用到存储，返回保存时刻。
// userID 为这批操作的作者，用于版本快照署名。
type Saver interface {
	ApplyOps(ctx context.Context, documentID, userID string, d *delta.Delta) (time.Time, error)
}

// PresenceStore 在线状态存储
type PresenceStore interface {
	Upsert(ctx context.Context, documentID, userID string, e presence.Entry) error
	Refresh(ctx context.Context, documentID, userID string) error
	Remove(ctx context.Context, documentID, userID string) error
	List(ctx context.Context, documentID string) ([]presence.Entry, error)
}

// ConnGuard 每 (文档,用户) 并发连接上限
type ConnGuard interface {
	Acquire(ctx context.Context, documentID, userID, connID string) (bool, error)
	Release(ctx context.Context, documentID, userID, connID string) error
	Refresh(ctx context.Context, documentID, userID, connID string) error
	Count(ctx context.Context, documentID, userID string) (int, error)
}

// RateGuard 内容操作滑动窗口限流
type RateGuard interface {
	Allow(ctx context.Context, userID, documentID string) (presence.RateDecision, error)
}

// Auditor 安全审计接收端，可为 nil
type Auditor interface {
	LogConnectionEvent(event, userID, documentID, connID, detail string)
}

// SessionConfig 会话运行参数
type SessionConfig struct {
	MaxFrameBytes          int
	HeartbeatInterval      time.Duration
	OpThrottleInterval     time.Duration
	CursorThrottleInterval time.Duration
	SaveDebounce           time.Duration
	MalformedLimit         int // 连续畸形帧达到该数关闭连接
	WriteTimeout           time.Duration
	SendQueueSize          int
	AllowedOrigins         []string
}

func (c *SessionConfig) normalize() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.OpThrottleInterval <= 0 {
		c.OpThrottleInterval = 150 * time.Millisecond
	}
	if c.CursorThrottleInterval <= 0 {
		c.CursorThrottleInterval = 150 * time.Millisecond
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 1500 * time.Millisecond
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
}

// HandlerDeps 会话处理器依赖
type HandlerDeps struct {
	Hub      *Hub
	Verifier TokenVerifier
	Gate     DocumentGate
	Saver    Saver
	Presence PresenceStore
	Conns    ConnGuard
	Rate     RateGuard
	Audit    Auditor
	Log      *slog.Logger
}

// Handler 协作通道入口：完成握手、认证、鉴权并驱动会话生命周期
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	gate     DocumentGate
	saver    Saver
	presence PresenceStore
	conns    ConnGuard
	rate     RateGuard
	audit    Auditor
	cfg      SessionConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler 创建协作通道处理器
func NewHandler(deps HandlerDeps, cfg SessionConfig) *Handler {
	cfg.normalize()
	h := &Handler{
		hub:      deps.Hub,
		verifier: deps.Verifier,
		gate:     deps.Gate,
		saver:    deps.Saver,
		presence: deps.Presence,
		conns:    deps.Conns,
		rate:     deps.Rate,
		audit:    deps.Audit,
		cfg:      cfg,
		log:      deps.Log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // 非浏览器客户端
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// tokenSubprotocolPrefix 令牌通过 WebSocket 子协议携带：浏览器 WebSocket API
// 不支持自定义请求头，access_token.<jwt> 是唯一可靠的传递方式。
const tokenSubprotocolPrefix = "access_token."

func bearerFromSubprotocols(r *http.Request) (token, proto string) {
	for _, p := range websocket.Subprotocols(r) {
		if t, ok := strings.CutPrefix(p, tokenSubprotocolPrefix); ok && t != "" {
			return t, p
		}
	}
	return "", ""
}

// ServeWS 处理 GET /ws/docs/:id 的协作连接。认证与鉴权失败也先完成
// WebSocket 升级，发送 connection_error 后以对应代码关闭——浏览器端
// 无法读取握手阶段的 HTTP 错误。
func (h *Handler) ServeWS(c *gin.Context) {
	documentID := c.Param("id")

	token, proto := bearerFromSubprotocols(c.Request)
	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, respHeader)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "document_id", documentID, "error", err)
		return
	}

	if token == "" {
		h.reject(conn, documentID, "", CloseAuthFailed, CodeNoToken, "missing access token")
		return
	}

	claims, err := h.verifier.ParseToken(token)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrTokenExpired):
			h.reject(conn, documentID, "", CloseTokenExpired, CodeTokenExpired, "access token expired")
		default:
			h.reject(conn, documentID, "", CloseAuthFailed, CodeInvalidToken, "invalid access token")
		}
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	canWrite, err := h.gate.Access(ctx, documentID, claims.UserID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, ErrDocumentNotFound):
			h.reject(conn, documentID, claims.UserID, CloseDocumentNotFound, CodeDocumentNotFound, "document not found")
		case errors.Is(err, ErrPermissionDenied):
			h.reject(conn, documentID, claims.UserID, ClosePermissionDenied, CodePermissionDenied, "no access to this document")
		default:
			h.log.Error("access check failed", "document_id", documentID, "user_id", claims.UserID, "error", err)
			h.reject(conn, documentID, claims.UserID, ClosePermissionDenied, CodePermissionDenied, "access check unavailable")
		}
		return
	}

	connID := uuid.New().String()

	// 连接计数失败按占满处理（宁可拒绝也不放过上限）
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	ok, err := h.conns.Acquire(ctx, documentID, claims.UserID, connID)
	cancel()
	if err != nil || !ok {
		if err != nil {
			h.log.Warn("connection limiter unavailable", "document_id", documentID, "user_id", claims.UserID, "error", err)
		}
		h.reject(conn, documentID, claims.UserID, CloseTooManyConnections, CodeTooManyConnections, "too many connections for this document")
		return
	}

	s := &Session{
		h:          h,
		conn:       conn,
		connID:     connID,
		userID:     claims.UserID,
		username:   claims.Username,
		color:      presence.ColorFor(claims.UserID),
		documentID: documentID,
		canWrite:   canWrite,
		send:       make(chan []byte, h.cfg.SendQueueSize),
		done:       make(chan struct{}),
	}
	s.ops = throttle.NewOpThrottle(h.cfg.OpThrottleInterval, s.flushOps)
	s.cursor = throttle.NewCursorThrottle(h.cfg.CursorThrottleInterval, s.flushCursor)
	s.saver = throttle.NewDebouncer(h.cfg.SaveDebounce, s.saveNow, func(err error) {
		h.log.Error("persist failed", "document_id", documentID, "conn_id", connID, "error", err)
	})

	if err := h.hub.Join(documentID, s); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = h.conns.Release(ctx, documentID, claims.UserID, connID)
		cancel()
		h.reject(conn, documentID, claims.UserID, CloseTooManyConnections, CodeTooManyConnections, "too many connections for this document")
		return
	}

	s.run()
}

// reject 升级后立即拒绝：诊断消息、关闭帧、断开
func (h *Handler) reject(conn *websocket.Conn, documentID, userID string, code int, errCode, msg string) {
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, EncodeConnectionError(errCode, msg))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, errCode), deadline)
	_ = conn.Close()

	metrics.RecordClose(strconv.Itoa(code))
	logger.LogSessionEvent(h.log, "connection_rejected", "", documentID, errCode)
	if h.audit != nil {
		h.audit.LogConnectionEvent("connection_rejected", userID, documentID, "", errCode)
	}
}

// Session 单个协作连接的会话执行体。所有入站处理在读循环单线程内完成，
// 出站经 send 队列由写循环串行发出，二者之外只有节流/防抖定时器回调。
type Session struct {
	h          *Handler
	conn       *websocket.Conn
	connID     string
	userID     string
	username   string
	color      string
	documentID string
	canWrite   bool

	send chan []byte
	done chan struct{}

	ops    *throttle.OpThrottle
	cursor *throttle.CursorThrottle
	saver  *throttle.Debouncer

	pendingMu   sync.Mutex
	pendingSave *delta.Delta // 已广播、尚未持久化的合成操作

	malformed int // 连续畸形帧计数，合法帧重置
	rateTrips int // 连续限流拒绝计数

	closeOnce sync.Once
}

// GroupMember 实现

func (s *Session) ConnID() string { return s.connID }
func (s *Session) UserID() string { return s.userID }

// Enqueue 尽力投递：会话已关闭或队列已满时丢弃并返回 false
func (s *Session) Enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// run 完成入场序列后阻塞在读循环直到连接结束
func (s *Session) run() {
	metrics.SessionOpened(s.documentID)
	logger.LogSessionEvent(s.h.log, "connection_accepted", s.connID, s.documentID, "")
	if s.h.audit != nil {
		s.h.audit.LogConnectionEvent("connection_accepted", s.userID, s.documentID, s.connID, "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.h.presence.Upsert(ctx, s.documentID, s.userID, presence.Entry{
		Username: s.username,
		Color:    s.color,
		LastSeen: time.Now().UnixMilli(),
	})
	cancel()
	if err != nil {
		s.h.log.Warn("presence upsert failed", "document_id", s.documentID, "user_id", s.userID, "error", err)
	}

	go s.writePump()

	// 入场顺序固定：connection_success → presence_sync → 对端收到 user_join
	s.Enqueue(EncodeConnectionSuccess(s.userID, s.canWrite))
	s.Enqueue(EncodePresenceSync(s.roster()))
	s.h.hub.Broadcast(s.documentID, EncodeUserJoin(s.userID, s.username, s.color), s)

	s.readPump()
}

func (s *Session) roster() []PresenceUser {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entries, err := s.h.presence.List(ctx, s.documentID)
	if err != nil {
		s.h.log.Warn("presence list failed", "document_id", s.documentID, "error", err)
		return nil
	}

	out := make([]PresenceUser, 0, len(entries))
	for _, e := range entries {
		out = append(out, PresenceUser{
			UserID:   e.UserID,
			Username: e.Username,
			Color:    e.Color,
			LastSeen: e.LastSeen,
		})
	}
	return out
}

func (s *Session) readPump() {
	defer s.close(websocket.CloseNormalClosure, "", "")

	pongWait := s.h.cfg.HeartbeatInterval * 2
	s.conn.SetReadLimit(int64(s.h.cfg.MaxFrameBytes))
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.refreshLiveness()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.close(CloseMessageTooLarge, CodeMessageTooLarge, "frame exceeds size limit")
			}
			return
		}
		if !s.dispatch(data) {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close(websocket.CloseAbnormalClosure, "", "")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "", "")
				return
			}
		case <-s.done:
			// 排空残留队列（诊断消息在关闭帧前已入队）
			for {
				select {
				case payload := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.cfg.WriteTimeout))
					_ = s.conn.WriteMessage(websocket.TextMessage, payload)
				default:
					return
				}
			}
		}
	}
}

// dispatch 处理一个入站帧，返回 false 表示会话应当结束
func (s *Session) dispatch(raw []byte) bool {
	msg, err := DecodeInbound(raw, s.h.cfg.MaxFrameBytes)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			metrics.RecordMessage("unknown", "too_large")
			s.close(CloseMessageTooLarge, CodeMessageTooLarge, "message too large")
			return false
		}
		metrics.RecordMessage("unknown", "malformed")
		s.malformed++
		if s.malformed >= s.h.cfg.MalformedLimit {
			s.close(CloseInvalidMessage, CodeInvalidMessage, "too many malformed messages")
			return false
		}
		s.Enqueue(EncodeError(CodeInvalidMessage, "malformed message", 0))
		return true
	}
	s.malformed = 0
	// 任何合法入站帧都说明客户端存活，与 ping 同等对待
	s.refreshLiveness()

	switch msg.Kind {
	case KindDelta:
		return s.handleDelta(msg.Delta)
	case KindCursorMove:
		return s.handleCursor(msg.Cursor)
	case KindPing:
		metrics.RecordMessage("ping", "ok")
		s.Enqueue(EncodePong())
		return true
	case KindSaveDoc:
		return s.handleSaveDoc()
	default:
		return true
	}
}

// rateTripLimit 连续限流拒绝达到该数时判定客户端失控，断开连接
const rateTripLimit = 20

func (s *Session) handleDelta(d *delta.Delta) bool {
	if !s.canWrite {
		metrics.RecordMessage("delta", "read_only")
		if s.h.audit != nil {
			s.h.audit.LogConnectionEvent("write_denied", s.userID, s.documentID, s.connID, CodeReadOnly)
		}
		s.Enqueue(EncodeError(CodeReadOnly, "document is read-only for you", 0))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	decision, err := s.h.rate.Allow(ctx, s.userID, s.documentID)
	cancel()
	if err != nil {
		// 限流器自身已对存储故障放行，这里只记录
		s.h.log.Warn("rate limiter error", "document_id", s.documentID, "user_id", s.userID, "error", err)
	}
	if !decision.Allowed {
		metrics.RecordMessage("delta", "rate_limited")
		s.rateTrips++
		if s.rateTrips >= rateTripLimit {
			if s.h.audit != nil {
				s.h.audit.LogConnectionEvent("rate_limit_disconnect", s.userID, s.documentID, s.connID, CodeRateLimited)
			}
			s.close(CloseRateLimited, CodeRateLimited, "rate limit repeatedly exceeded")
			return false
		}
		s.Enqueue(EncodeError(CodeRateLimited, "too many messages, slow down", decision.RetryAfter.Seconds()))
		return true
	}
	s.rateTrips = 0

	metrics.RecordMessage("delta", "ok")
	s.ops.Add(d)
	return true
}

func (s *Session) handleCursor(pos *CursorPos) bool {
	if !s.canWrite {
		metrics.RecordMessage("cursor_move", "read_only")
		s.Enqueue(EncodeError(CodeReadOnly, "document is read-only for you", 0))
		return true
	}
	metrics.RecordMessage("cursor_move", "ok")
	s.cursor.Set(pos.Index, pos.Length)
	return true
}

func (s *Session) handleSaveDoc() bool {
	if !s.canWrite {
		metrics.RecordMessage("save_doc", "read_only")
		s.Enqueue(EncodeError(CodeReadOnly, "document is read-only for you", 0))
		return true
	}
	metrics.RecordMessage("save_doc", "ok")
	s.ops.Flush()
	if err := s.saveNow(); err != nil {
		s.h.log.Error("explicit save failed", "document_id", s.documentID, "conn_id", s.connID, "error", err)
	}
	return true
}

// flushOps 节流窗口到期：广播合成操作并累积到待持久化缓冲
func (s *Session) flushOps(d *delta.Delta) {
	s.h.hub.Broadcast(s.documentID, EncodeDelta(d), s)

	s.pendingMu.Lock()
	if s.pendingSave == nil {
		s.pendingSave = d
	} else {
		s.pendingSave = s.pendingSave.Compose(d)
	}
	s.pendingMu.Unlock()

	s.saver.Trigger()
}

func (s *Session) flushCursor(index, length int) {
	payload := EncodeCursorMove(s.userID, s.username, s.color, CursorPos{Index: index, Length: length})
	s.h.hub.Broadcast(s.documentID, payload, s)
}

// saveNow 把待持久化缓冲应用到存储并向全组广播 doc_saved。
// 失败时把批次放回缓冲（失败批次先于其后新增的操作合成）。
func (s *Session) saveNow() error {
	s.pendingMu.Lock()
	pending := s.pendingSave
	s.pendingSave = nil
	s.pendingMu.Unlock()
	if pending == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	updatedAt, err := s.h.saver.ApplyOps(ctx, s.documentID, s.userID, pending)
	metrics.ObserveFlush(time.Since(start).Seconds())
	if err != nil {
		s.pendingMu.Lock()
		if s.pendingSave == nil {
			s.pendingSave = pending
		} else {
			s.pendingSave = pending.Compose(s.pendingSave)
		}
		s.pendingMu.Unlock()
		return err
	}

	s.h.hub.Broadcast(s.documentID, EncodeDocSaved(updatedAt), nil)
	return nil
}

// refreshLiveness 心跳续期：在线状态与连接计数的 TTL 同步延长
func (s *Session) refreshLiveness() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := s.h.presence.Upsert(ctx, s.documentID, s.userID, presence.Entry{
		Username: s.username,
		Color:    s.color,
		LastSeen: time.Now().UnixMilli(),
	})
	if err != nil {
		s.h.log.Warn("presence refresh failed", "document_id", s.documentID, "user_id", s.userID, "error", err)
	}
	if err := s.h.conns.Refresh(ctx, s.documentID, s.userID, s.connID); err != nil {
		s.h.log.Warn("connection lease refresh failed", "document_id", s.documentID, "conn_id", s.connID, "error", err)
	}
}

// close 幂等销毁：任何触发路径（读错误、写错误、协议违规、服务停机）
// 都经过这里且只执行一次。
func (s *Session) close(code int, errCode, msg string) {
	s.closeOnce.Do(func() {
		// 先发出未到期的合成操作并持久化，最后的编辑不丢
		s.ops.Flush()
		s.ops.Stop()
		s.cursor.Stop()
		s.saver.Flush()
		s.saver.Stop()

		if errCode != "" {
			s.Enqueue(EncodeConnectionError(errCode, msg))
		}
		deadline := time.Now().Add(s.h.cfg.WriteTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, errCode), deadline)
		close(s.done)

		if s.h.hub.Leave(s.documentID, s) {
			s.h.hub.Broadcast(s.documentID, EncodeUserLeave(s.userID), s)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.h.conns.Release(ctx, s.documentID, s.userID, s.connID); err != nil {
			s.h.log.Warn("connection lease release failed", "document_id", s.documentID, "conn_id", s.connID, "error", err)
		}
		// 同一用户还有其他连接时保留在线状态记录
		remaining, err := s.h.conns.Count(ctx, s.documentID, s.userID)
		if err == nil && remaining == 0 {
			if err := s.h.presence.Remove(ctx, s.documentID, s.userID); err != nil {
				s.h.log.Warn("presence remove failed", "document_id", s.documentID, "user_id", s.userID, "error", err)
			}
		}

		metrics.SessionClosed(s.documentID)
		metrics.RecordClose(strconv.Itoa(code))
		logger.LogSessionEvent(s.h.log, "connection_closed", s.connID, s.documentID, errCode)
		if s.h.audit != nil {
			s.h.audit.LogConnectionEvent("connection_closed", s.userID, s.documentID, s.connID, errCode)
		}

		_ = s.conn.Close()
	})
}
