package workspace

import "time"

// Scheduler arms one-shot delayed callbacks. The returned cancel stops a
// pending callback; canceling after it fired is a no-op. Abstracted so
// idle-reclaim timing is testable with a fake clock.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

type timerScheduler struct{}

// NewTimerScheduler returns the wall-clock Scheduler used in production.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
