// Package debounce provides a cancellable deferred task and a trailing-edge
// debouncer built on it.
package debounce

import (
	"sync"
	"time"
)

// Task is a handle to a function scheduled to run once after a delay.
type Task struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

// After schedules fn to run in its own goroutine once d has elapsed.
func After(d time.Duration, fn func()) *Task {
	t := &Task{done: make(chan struct{})}
	t.timer = time.AfterFunc(d, func() {
		defer t.finish()
		fn()
	})
	return t
}

// Cancel prevents the task from running. It returns false when the function
// has already started (or finished), in which case it runs to completion.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if t.timer.Stop() {
		t.finish()
		return true
	}
	return false
}

// Done is closed once the function has returned or the task was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) finish() {
	t.once.Do(func() { close(t.done) })
}

type burst[T any] struct {
	value T
	task  *Task
	done  chan struct{}
}

// Debouncer collapses bursts of values into a single handler call carrying
// the most recent value of the burst.
type Debouncer[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	handler func(T)
	pending *burst[T]
	stopped bool
}

// New returns a Debouncer that calls handler window after the last Push of
// each burst.
func New[T any](window time.Duration, handler func(T)) *Debouncer[T] {
	return &Debouncer[T]{
		window:  window,
		handler: handler,
	}
}

// Push records v as the latest value of the current burst and restarts the
// window. The returned channel is closed after the burst's handler returns,
// or when the burst is dropped by Stop.
func (d *Debouncer[T]) Push(v T) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	b := d.pending
	if b != nil && b.task.Cancel() {
		b.value = v
	} else {
		// Either no burst is pending or its handler already started; the
		// started one keeps its own value and this value opens a new burst.
		b = &burst[T]{value: v, done: make(chan struct{})}
		d.pending = b
	}
	b.task = After(d.window, func() { d.fire(b) })
	return b.done
}

// Pending reports whether a burst is waiting for its window to elapse.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Cancel drops the pending burst without running its handler and releases
// its waiters. Unlike Stop, later pushes open new bursts. It reports whether
// a burst was dropped.
func (d *Debouncer[T]) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.pending
	if b == nil || !b.task.Cancel() {
		return false
	}
	d.pending = nil
	close(b.done)
	return true
}

// Stop cancels the pending burst without running its handler and rejects
// further pushes. A handler that already started is left to finish.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.pending != nil && d.pending.task.Cancel() {
		close(d.pending.done)
	}
	d.pending = nil
}

func (d *Debouncer[T]) fire(b *burst[T]) {
	d.mu.Lock()
	if d.pending == b {
		d.pending = nil
	}
	v := b.value
	d.mu.Unlock()

	defer close(b.done)
	d.handler(v)
}
