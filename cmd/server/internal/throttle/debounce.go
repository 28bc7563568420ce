package throttle

import (
	"sync"
	"time"
)

// Debouncer 持久化防抖：等待一段安静期后执行保存动作，窗口内的任何
// 活动都会重置计时。保存失败只记录错误状态，不自动重试；下一次
// Trigger 重新武装计时器。
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	action  func() error
	onError func(error)
	timer   *time.Timer
	lastErr error
	stopped bool
}

// NewDebouncer 创建防抖器。action 与 onError 在锁外调用。
func NewDebouncer(delay time.Duration, action func() error, onError func(error)) *Debouncer {
	return &Debouncer{delay: delay, action: action, onError: onError}
}

// Trigger 记录一次活动并重置安静期计时
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Flush 立即执行待定的保存（若有计时在走）。会话关闭前调用，
// 保证最后的编辑不因防抖窗口而丢失。
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer.Stop()
	d.timer = nil
	d.mu.Unlock()

	d.run()
}

// Stop 取消计时器，之后的 Trigger 为空操作
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Err 最近一次保存的错误状态；成功保存后清除
func (d *Debouncer) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.run()
}

func (d *Debouncer) run() {
	err := d.action()

	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()

	if err != nil && d.onError != nil {
		d.onError(err)
	}
}
