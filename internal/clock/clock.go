// Package clock abstracts timers so the preloader's debounce and settle
// delays, and the worker's staleness checks, can be driven deterministically
// in tests. Production code injects Real(); tests inject Fake().
package clock

import "time"

// Clock 是组件依赖的最小时间接口。
type Clock interface {
	// Now 返回当前时间。
	Now() time.Time

	// After 在 d 之后向返回的 channel 发送一次当前时间；d <= 0 时立即发送。
	After(d time.Duration) <-chan time.Time

	// AfterFunc 在 d 之后调用 f，返回可取消的 Timer。
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer 表示一次已调度的回调。
type Timer struct {
	stopFunc func() bool
}

// Stop 阻止 Timer 触发；若已触发或已停止则返回 false。
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
