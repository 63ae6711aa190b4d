package services

import (
	"sync"

	"go.uber.org/zap"
)

// Loop is a serial task executor: every submitted task runs on one
// dedicated goroutine, in submission order, never concurrently. Each call
// owns a private Loop for its signaling and state transitions; one shared
// Loop plays the role of the observer/UI thread.
type Loop struct {
	name string
	log  *zap.SugaredLogger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	stopped chan struct{}
}

// NewLoop starts a named serial loop.
func NewLoop(name string, log *zap.SugaredLogger) *Loop {
	l := &Loop{
		name:    name,
		log:     log,
		stopped: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			close(l.stopped)
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Async submits fn for execution. Returns false if the loop is closed, in
// which case fn will never run.
func (l *Loop) Async(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Warnw("task submitted to closed loop", "loop", l.name)
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	l.mu.Unlock()
	return true
}

// Sync submits fn and blocks until it has run. The hop is deliberately
// blocking: by the time Sync returns, every effect of fn is visible to this
// caller. Must not be called from the loop's own goroutine.
func (l *Loop) Sync(fn func()) bool {
	done := make(chan struct{})
	if !l.Async(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Close stops the loop after draining already-queued tasks. Idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
}

// Wait blocks until the loop has fully stopped after Close.
func (l *Loop) Wait() {
	<-l.stopped
}
