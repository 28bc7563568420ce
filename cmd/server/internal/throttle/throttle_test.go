package throttle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neteye/codocs/cmd/server/internal/delta"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes []*delta.Delta
}

func (r *flushRecorder) record(d *delta.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, d)
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes)
}

func (r *flushRecorder) last() *delta.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushes) == 0 {
		return nil
	}
	return r.flushes[len(r.flushes)-1]
}

func TestOpThrottleCoalescesBurst(t *testing.T) {
	rec := &flushRecorder{}
	th := NewOpThrottle(50*time.Millisecond, rec.record)
	defer th.Stop()

	// 第一次立即发出（距上次发出已超窗口）
	th.Add(delta.New().InsertText("h", nil))
	if rec.count() != 1 {
		t.Fatalf("Expected immediate first flush, got %d", rec.count())
	}

	// 窗口内的两次快速输入合并为一次尾沿发出
	th.Add(delta.New().RetainLen(1, nil).InsertText("i", nil))
	th.Add(delta.New().RetainLen(2, nil).InsertText("!", nil))

	if rec.count() != 1 {
		t.Fatalf("Expected burst to be held, got %d flushes", rec.count())
	}

	time.Sleep(80 * time.Millisecond)

	if rec.count() != 2 {
		t.Fatalf("Expected exactly one trailing flush, got %d total", rec.count())
	}

	// 合成后的操作应用结果等于逐个应用
	composed := rec.last()
	got, err := composed.Apply("h")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got != "hi!" {
		t.Errorf("Expected 'hi!' after composed flush, got %q", got)
	}
}

func TestOpThrottleTrailingEdgeAlwaysFires(t *testing.T) {
	rec := &flushRecorder{}
	th := NewOpThrottle(30*time.Millisecond, rec.record)
	defer th.Stop()

	th.Add(delta.New().InsertText("a", nil)) // immediate
	th.Add(delta.New().InsertText("b", nil)) // held

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("trailing flush did not fire: %d flushes", rec.count())
	}
}

func TestOpThrottleStopCancelsPending(t *testing.T) {
	rec := &flushRecorder{}
	th := NewOpThrottle(30*time.Millisecond, rec.record)

	th.Add(delta.New().InsertText("a", nil))
	th.Add(delta.New().InsertText("b", nil))
	th.Stop()

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("Expected no flush after Stop, got %d", rec.count())
	}

	// Stop 后的 Add 为空操作
	th.Add(delta.New().InsertText("c", nil))
	time.Sleep(60 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("Add after Stop must be a no-op, got %d flushes", rec.count())
	}
}

// 定时器发出与立即发出并发时，回调不得交错，发出顺序必须与产生
// 顺序一致：乱序的合成操作会让 Apply 因 retain 越界而失败。
func TestOpThrottleFlushOrderUnderConcurrentFires(t *testing.T) {
	const runes = 200
	var (
		mu      sync.Mutex
		inFlush bool
		content string
	)
	th := NewOpThrottle(time.Millisecond, func(d *delta.Delta) {
		mu.Lock()
		if inFlush {
			mu.Unlock()
			t.Error("flush callbacks overlapped")
			return
		}
		inFlush = true
		cur := content
		mu.Unlock()

		out, err := d.Apply(cur)

		mu.Lock()
		if err != nil {
			t.Errorf("flush delivered out of order: %v", err)
		} else {
			content = out
		}
		inFlush = false
		mu.Unlock()
	})
	defer th.Stop()

	want := ""
	for i := 0; i < runes; i++ {
		ch := string(rune('a' + i%26))
		d := delta.New()
		if i > 0 {
			d = d.RetainLen(i, nil)
		}
		th.Add(d.InsertText(ch, nil))
		want += ch
		if i%20 == 19 {
			time.Sleep(2 * time.Millisecond) // 让尾沿定时器与立即发出路径交错
		}
	}

	th.Flush()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if content != want {
		t.Errorf("Expected %q after all flushes, got %q", want, content)
	}
}

func TestCursorThrottleReplacement(t *testing.T) {
	var mu sync.Mutex
	var positions [][2]int
	th := NewCursorThrottle(40*time.Millisecond, func(i, l int) {
		mu.Lock()
		positions = append(positions, [2]int{i, l})
		mu.Unlock()
	})
	defer th.Stop()

	th.Set(1, 0) // immediate
	th.Set(5, 0)
	th.Set(9, 2) // 覆盖 5

	time.Sleep(70 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(positions) != 2 {
		t.Fatalf("Expected 2 flushes, got %d", len(positions))
	}
	if positions[1] != [2]int{9, 2} {
		t.Errorf("Expected trailing cursor (9,2), got %v", positions[1])
	}
}

func TestDebouncerWaitsForQuiet(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	d := NewDebouncer(50*time.Millisecond, func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, nil)
	defer d.Stop()

	// 窗口内的连续活动不断重置计时
	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	d.Trigger()
	time.Sleep(20 * time.Millisecond)
	d.Trigger()

	mu.Lock()
	if calls != 0 {
		mu.Unlock()
		t.Fatal("action fired before quiet period")
	}
	mu.Unlock()

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("Expected exactly one save, got %d", calls)
	}
}

func TestDebouncerErrorStateAndRearm(t *testing.T) {
	saveErr := errors.New("store unavailable")
	var mu sync.Mutex
	fail := true
	var notified error
	d := NewDebouncer(20*time.Millisecond, func() error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return saveErr
		}
		return nil
	}, func(err error) {
		mu.Lock()
		notified = err
		mu.Unlock()
	})
	defer d.Stop()

	d.Trigger()
	time.Sleep(50 * time.Millisecond)

	if !errors.Is(d.Err(), saveErr) {
		t.Fatalf("Expected error state, got %v", d.Err())
	}
	mu.Lock()
	gotNotified := notified
	mu.Unlock()
	if !errors.Is(gotNotified, saveErr) {
		t.Fatalf("Expected error notification, got %v", gotNotified)
	}

	// 下一次活动重新武装；成功后错误状态清除
	mu.Lock()
	fail = false
	mu.Unlock()
	d.Trigger()
	time.Sleep(50 * time.Millisecond)

	if d.Err() != nil {
		t.Fatalf("Expected error cleared after successful save, got %v", d.Err())
	}
}

func TestDebouncerFlush(t *testing.T) {
	calls := 0
	d := NewDebouncer(time.Hour, func() error {
		calls++
		return nil
	}, nil)
	defer d.Stop()

	d.Flush() // 无待定计时，空操作
	if calls != 0 {
		t.Fatal("Flush without pending timer must be a no-op")
	}

	d.Trigger()
	d.Flush()
	if calls != 1 {
		t.Fatalf("Expected flush to run pending save, got %d", calls)
	}
}
