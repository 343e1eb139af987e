// Package eventloop provides a single cooperative task queue. Every task posted
// to a Loop runs on one goroutine, in the order it was posted, so state that is
// only touched from loop tasks needs no further locking.
//
// Timers created with AfterFunc and Every do not run their callbacks on the
// timer goroutine. When they fire they post the callback back onto the loop,
// which keeps backoff delays and keep-alive ticks on the same timeline as
// socket events.
package eventloop

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Loop is a single goroutine executing posted tasks in FIFO order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	starter sync.Once
	ender   sync.Once
	waiter  sync.WaitGroup
	logger  zerolog.Logger
}

// New returns a Loop that is not yet running. A nil logger falls back to the
// global zerolog logger.
func New(logger *zerolog.Logger) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if logger != nil {
		l.logger = *logger
	} else {
		l.logger = log.Logger
	}
	return l
}

// Start launches the loop goroutine. Calling Start more than once is a no-op.
func (l *Loop) Start() *Loop {
	l.starter.Do(func() {
		l.waiter.Add(1)
		go l.run()
	})
	return l
}

// Stop ends the loop after the task currently running. Tasks still queued are
// dropped. Stop must not be called from inside a loop task.
func (l *Loop) Stop() {
	l.ender.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		l.waiter.Wait()
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn without waiting for it. It returns false if the loop has
// been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync queues fn and blocks until it has run. It returns false if the loop
// stopped before fn could run. Calling Sync from a loop task deadlocks.
func (l *Loop) Sync(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		if fn != nil {
			fn()
		}
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

func (l *Loop) run() {
	defer l.waiter.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in loop task")
		}
	}()
	fn()
}

// Timer is a handle on a callback scheduled with AfterFunc or Every.
type Timer struct {
	stopped atomic.Bool
	timer   *time.Timer
	quit    chan struct{}
}

// Stop cancels the timer. A callback that has already been posted to the loop
// but has not run yet is skipped. Stop is safe to call more than once.
func (t *Timer) Stop() {
	if t == nil || t.stopped.Swap(true) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.quit != nil {
		close(t.quit)
	}
}

// Stopped reports whether Stop has been called.
func (t *Timer) Stopped() bool {
	return t != nil && t.stopped.Load()
}

// AfterFunc runs fn on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

// Every runs fn on the loop each time d elapses until the timer or the loop
// is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{quit: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.quit:
				return
			case <-l.done:
				return
			case <-ticker.C:
				l.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return t
}
