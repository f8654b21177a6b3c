// Package eventloop runs callbacks and timers on a single goroutine so the
// state they touch needs no locks.
package eventloop

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned when posting to a loop that has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted tasks one at a time, in posting order. The queue
// is unbounded, so Post never blocks and tasks may post follow-up work.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

// New starts a loop whose queue is preallocated for buffer pending tasks.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Loop{
		queue:  make([]func(), 0, buffer),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.exited)
	var batch []func()
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		l.mu.Unlock()

		for i, fn := range batch {
			select {
			case <-l.done:
				return
			default:
			}
			l.exec(fn)
			batch[i] = nil
		}
	}
}

// exec runs one task; a panicking task is logged and does not take the loop down.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn without blocking. It is safe to call from a task running
// on this loop; fn then runs after the current task returns.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.exited:
		return ErrStopped
	}
}

// Stop ends the loop after the task currently running, if any. Pending
// tasks are discarded. Stop is idempotent and waits for the loop to exit.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
	<-l.exited
}

// Timer is a one-shot timer whose callback runs on the loop.
// Stop must be called from the loop.
type Timer struct {
	t       *time.Timer
	stopped bool
}

// AfterFunc schedules fn to run on the loop after d. Callable from the loop
// or any goroutine; the returned Timer may only be stopped from the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		// Post may fail after Stop; the callback is simply dropped then.
		_ = l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop cancels the timer. A callback that already fired but has not run
// yet is suppressed. Reports whether the call stopped a pending callback.
func (t *Timer) Stop() bool {
	if t == nil || t.stopped {
		return false
	}
	t.stopped = true
	t.t.Stop()
	return true
}
