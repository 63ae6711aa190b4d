package services

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// singleShotTimer is a cancellable one-shot deadline, used for unanswered
// detection and per-batch invite timeouts. Scheduling while already active
// is a caller bug, not a fatal condition: it logs a warning and keeps the
// existing deadline. A fire that loses the race with Invalidate no-ops.
type singleShotTimer struct {
	name string
	log  *zap.SugaredLogger

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

func newSingleShotTimer(name string, log *zap.SugaredLogger) *singleShotTimer {
	return &singleShotTimer{name: name, log: log}
}

// Schedule arms the timer. fn runs at most once, after the timer has
// invalidated itself, on the timer's own goroutine; callers hop back onto
// their work queue from fn.
func (t *singleShotTimer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		t.log.Warnw("timer already scheduled", "timer", t.name)
		return
	}
	t.active = true
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if !t.active {
			t.mu.Unlock()
			return
		}
		t.active = false
		t.mu.Unlock()
		fn()
	})
}

// Invalidate disarms the timer. Idempotent; safe against a concurrent fire.
func (t *singleShotTimer) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.active = false
}

// IsActive reports whether the timer is armed and has not fired.
func (t *singleShotTimer) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
