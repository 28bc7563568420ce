// Package throttle 实现尾沿节流与持久化防抖。尾沿语义保证突发输入
// 结束后的最后一次变更总会被发出，不会因合并而丢失。
package throttle

import (
	"sync"
	"time"

	"github.com/neteye/codocs/cmd/server/internal/delta"
)

// OpThrottle 内容操作节流：窗口内到达的操作合成为一个等价操作。
// 距上次发出超过窗口时立即发出，否则在窗口剩余时间到期时发出。
// 持续高频输入下每窗口最多发出一次。
type OpThrottle struct {
	mu        sync.Mutex
	flushMu   sync.Mutex // 串行化取件与回调，保证发出顺序与产生顺序一致
	interval  time.Duration
	flush     func(*delta.Delta)
	pending   *delta.Delta
	lastFlush time.Time
	timer     *time.Timer
	stopped   bool
}

// NewOpThrottle 创建操作节流器。flush 在锁外调用，调用之间互不交错。
func NewOpThrottle(interval time.Duration, flush func(*delta.Delta)) *OpThrottle {
	return &OpThrottle{interval: interval, flush: flush}
}

// Add 提交一个操作。与待发操作合成（合成满足结合律，链式合并正确）。
func (t *OpThrottle) Add(d *delta.Delta) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	if t.pending == nil {
		t.pending = d
	} else {
		t.pending = t.pending.Compose(d)
	}

	due := time.Since(t.lastFlush) >= t.interval
	if !due && t.timer == nil {
		t.timer = time.AfterFunc(t.interval-time.Since(t.lastFlush), t.fire)
	}
	t.mu.Unlock()

	if due {
		t.drain()
	}
}

// Flush 立即发出待发操作，忽略窗口。连接关闭前调用，避免丢失
// 尚未到期的合成操作。
func (t *OpThrottle) Flush() {
	t.drain()
}

// drain 在 flushMu 下取件并回调。取件发生在 flushMu 内，后到的
// 发出者拿不到已被取走的操作，两个窗口的发出不会相互超车。
func (t *OpThrottle) drain() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	toFlush := t.takeLocked()
	t.mu.Unlock()

	t.flush(toFlush)
}

// Stop 取消待发操作与定时器。会话销毁时调用，之后的 Add 为空操作，
// 已调度的定时器不再发出（向已关闭连接发送必须是空操作）。
func (t *OpThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *OpThrottle) fire() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()
	t.drain()
}

func (t *OpThrottle) takeLocked() *delta.Delta {
	d := t.pending
	t.pending = nil
	t.lastFlush = time.Now()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return d
}

// CursorThrottle 游标节流：同样的尾沿时序，但语义为替换——游标状态
// 不累积，最新值完全取代待发值。
type CursorThrottle struct {
	mu        sync.Mutex
	flushMu   sync.Mutex
	interval  time.Duration
	flush     func(index, length int)
	pending   bool
	index     int
	length    int
	lastFlush time.Time
	timer     *time.Timer
	stopped   bool
}

// NewCursorThrottle 创建游标节流器
func NewCursorThrottle(interval time.Duration, flush func(index, length int)) *CursorThrottle {
	return &CursorThrottle{interval: interval, flush: flush}
}

// Set 提交最新游标位置，覆盖任何待发位置
func (t *CursorThrottle) Set(index, length int) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	t.pending = true
	t.index = index
	t.length = length

	due := time.Since(t.lastFlush) >= t.interval
	if !due && t.timer == nil {
		t.timer = time.AfterFunc(t.interval-time.Since(t.lastFlush), t.fire)
	}
	t.mu.Unlock()

	if due {
		t.drain()
	}
}

func (t *CursorThrottle) drain() {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	i, l := t.takeLocked()
	t.mu.Unlock()

	t.flush(i, l)
}

// Stop 取消待发游标与定时器
func (t *CursorThrottle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *CursorThrottle) fire() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()
	t.drain()
}

func (t *CursorThrottle) takeLocked() (int, int) {
	t.pending = false
	t.lastFlush = time.Now()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return t.index, t.length
}
