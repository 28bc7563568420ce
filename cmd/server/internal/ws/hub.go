package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/neteye/codocs/pkg/metrics"
)

// ErrTooManyConnections 同一 (文档,用户) 的并发连接超过上限
var ErrTooManyConnections = errors.New("too many connections for this document and user")

// GroupMember 文档分组成员。Hub 只是索引，不拥有成员的生命周期。
type GroupMember interface {
	ConnID() string
	UserID() string
	// Enqueue 投递一条出站消息；成员已关闭或队列已满时返回 false
	// （尽力投递，不保证恰好一次）。
	Enqueue(payload []byte) bool
}

// RelayEnvelope 跨实例转发信封。Origin 用于过滤本实例已本地投递的消息，
// Exclude 为原始发送者的连接 ID（回声抑制跨实例同样生效）。
type RelayEnvelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Relay 跨实例广播通道。单实例部署可传 nil。
type Relay interface {
	Publish(ctx context.Context, documentID string, env RelayEnvelope) error
	// Subscribe 订阅某文档的转发消息，直到 ctx 取消。handle 按接收顺序调用。
	Subscribe(ctx context.Context, documentID string, handle func(RelayEnvelope)) error
}

// Hub 按文档维护活跃会话集合并执行扇出。成员变更按文档串行化
// （组内互斥锁），广播读取成员快照，容忍广播中途有成员离开。
type Hub struct {
	mu         sync.RWMutex
	groups     map[string]*group
	maxPerUser int
	relay      Relay
	instanceID string
	log        *slog.Logger
}

type group struct {
	mu          sync.Mutex
	members     map[string]GroupMember // conn_id -> member
	byUser      map[string]int         // user_id -> 活跃连接数
	dropped     bool                   // 已从 groups 注销，禁止再加入
	cancelRelay context.CancelFunc
}

// NewHub 创建分组注册表。maxPerUser 为每 (文档,用户) 并发连接上限。
func NewHub(maxPerUser int, relay Relay, instanceID string, log *slog.Logger) *Hub {
	return &Hub{
		groups:     make(map[string]*group),
		maxPerUser: maxPerUser,
		relay:      relay,
		instanceID: instanceID,
		log:        log,
	}
}

// Join 将成员加入文档分组。超过 (文档,用户) 连接上限时返回
// ErrTooManyConnections，由调用方以对应关闭代码断开。
func (h *Hub) Join(documentID string, m GroupMember) error {
	for {
		g := h.getOrCreate(documentID)

		g.mu.Lock()
		if g.dropped {
			// 拿到分组和加锁之间最后一名成员离开，分组已被注销，
			// 重新获取新分组再加入
			g.mu.Unlock()
			continue
		}

		if h.maxPerUser > 0 && g.byUser[m.UserID()] >= h.maxPerUser {
			g.mu.Unlock()
			return ErrTooManyConnections
		}
		if _, exists := g.members[m.ConnID()]; !exists {
			g.members[m.ConnID()] = m
			g.byUser[m.UserID()]++
		}
		g.mu.Unlock()
		return nil
	}
}

// Leave 将成员移出分组。成员不存在时为空操作（幂等清理依赖此语义）。
// 返回是否确实移除了成员。
func (h *Hub) Leave(documentID string, m GroupMember) bool {
	h.mu.RLock()
	g := h.groups[documentID]
	h.mu.RUnlock()
	if g == nil {
		return false
	}

	g.mu.Lock()
	_, exists := g.members[m.ConnID()]
	if exists {
		delete(g.members, m.ConnID())
		if g.byUser[m.UserID()] <= 1 {
			delete(g.byUser, m.UserID())
		} else {
			g.byUser[m.UserID()]--
		}
	}
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		h.dropIfEmpty(documentID)
	}
	return exists
}

// Broadcast 向分组内除 exclude 外的所有成员投递消息，并转发到其他实例。
// 单发送者到单接收者的投递顺序与产生顺序一致；不同发送者之间无全序。
// 返回本地接收者数量。
func (h *Hub) Broadcast(documentID string, payload []byte, exclude GroupMember) int {
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ConnID()
	}

	n := h.deliverLocal(documentID, payload, excludeID)

	if h.relay != nil {
		env := RelayEnvelope{Origin: h.instanceID, Exclude: excludeID, Payload: payload}
		if err := h.relay.Publish(context.Background(), documentID, env); err != nil {
			h.log.Warn("relay publish failed", "document_id", documentID, "error", err)
		}
	}

	metrics.ObserveBroadcast(n)
	return n
}

// Count 分组当前成员数
func (h *Hub) Count(documentID string) int {
	h.mu.RLock()
	g := h.groups[documentID]
	h.mu.RUnlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// deliverLocal 向本实例的分组成员投递
func (h *Hub) deliverLocal(documentID string, payload []byte, excludeConnID string) int {
	h.mu.RLock()
	g := h.groups[documentID]
	h.mu.RUnlock()
	if g == nil {
		return 0
	}

	// 快照后再投递，避免持锁期间阻塞在慢接收者上
	g.mu.Lock()
	targets := make([]GroupMember, 0, len(g.members))
	for id, m := range g.members {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, m)
	}
	g.mu.Unlock()

	delivered := 0
	for _, m := range targets {
		if m.Enqueue(payload) {
			delivered++
		} else {
			h.log.Debug("dropped broadcast for slow or closed member",
				"document_id", documentID, "conn_id", m.ConnID())
		}
	}
	return delivered
}

func (h *Hub) getOrCreate(documentID string) *group {
	h.mu.Lock()
	defer h.mu.Unlock()

	if g, ok := h.groups[documentID]; ok {
		return g
	}

	g := &group{
		members: make(map[string]GroupMember),
		byUser:  make(map[string]int),
	}
	h.groups[documentID] = g

	if h.relay != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancelRelay = cancel
		go h.runRelay(ctx, documentID)
	}
	return g
}

// dropIfEmpty 删除空分组并停止其转发订阅
func (h *Hub) dropIfEmpty(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[documentID]
	if !ok {
		return
	}
	g.mu.Lock()
	if len(g.members) > 0 {
		g.mu.Unlock()
		return
	}
	// 置位后任何拿着旧分组指针的 Join 都会重试，避免加入孤儿分组
	g.dropped = true
	g.mu.Unlock()

	if g.cancelRelay != nil {
		g.cancelRelay()
	}
	delete(h.groups, documentID)
}

// runRelay 消费其他实例转发来的广播
func (h *Hub) runRelay(ctx context.Context, documentID string) {
	err := h.relay.Subscribe(ctx, documentID, func(env RelayEnvelope) {
		if env.Origin == h.instanceID {
			return // 本实例已直接投递
		}
		h.deliverLocal(documentID, env.Payload, env.Exclude)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.Warn("relay subscription ended", "document_id", documentID, "error", err)
	}
}
