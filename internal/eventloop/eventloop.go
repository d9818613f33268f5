// Package eventloop implements the engine thread's event loop.
//
// Exactly one goroutine runs the loop (the one that calls Run), and it is
// the only goroutine allowed to touch the script engine. Other goroutines
// hand work to it with Submit, or through a Source such as the worker pool
// whose completions the loop drains on every iteration.
package eventloop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrLoopRunning is returned when Run is called while the loop is
	// already running.
	ErrLoopRunning = errors.New("eventloop: loop is already running")

	// ErrLoopClosed is returned when work is submitted to a closed loop.
	ErrLoopClosed = errors.New("eventloop: loop is closed")
)

// minInterval is the smallest repeat interval for interval timers.
const minInterval = 10 * time.Millisecond

// Source is polled by the loop on every iteration. Drain runs on the loop
// thread and reports whether it ran any callbacks.
type Source interface {
	Drain() bool
}

// timerEntry represents a pending one-shot or repeating timer.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot, >0 for repeating
	id       int
	fn       func()
}

// Loop is a single-threaded event loop. The zero value is not usable; use
// New.
type Loop struct {
	mu          sync.Mutex
	tasks       []func()
	spare       []func()
	timers      map[int]*timerEntry
	nextTimerID int
	sources     []Source
	refs        int
	stop        bool
	closed      bool

	wake    chan struct{}
	running atomic.Bool
	goid    atomic.Uint64
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{
		timers: make(map[int]*timerEntry),
		wake:   make(chan struct{}, 1),
	}
}

// Submit queues task to run on the loop thread. Safe from any goroutine.
func (l *Loop) Submit(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	l.Wakeup()
	return nil
}

// Ref records one outstanding operation that keeps the loop alive even
// when no task is queued.
func (l *Loop) Ref() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

// Unref releases a reference taken with Ref.
func (l *Loop) Unref() {
	l.mu.Lock()
	if l.refs > 0 {
		l.refs--
	}
	l.mu.Unlock()
	l.Wakeup()
}

// Refs returns the number of outstanding references.
func (l *Loop) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}

// Wakeup interrupts a loop blocked waiting for work. Wake-ups coalesce.
func (l *Loop) Wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddSource registers a source polled on every iteration.
func (l *Loop) AddSource(s Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources = append(l.sources, s)
}

// SetTimer schedules fn to run on the loop thread after delay, repeating
// every delay when repeat is set. Returns the timer id.
func (l *Loop) SetTimer(delay time.Duration, repeat bool, fn func()) int {
	l.mu.Lock()
	l.nextTimerID++
	id := l.nextTimerID
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       id,
		fn:       fn,
	}
	if repeat {
		if delay < minInterval {
			delay = minInterval
		}
		entry.interval = delay
	}
	l.timers[id] = entry
	l.mu.Unlock()
	l.Wakeup()
	return id
}

// ClearTimer cancels a timer by id.
func (l *Loop) ClearTimer(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, id)
}

// HasPending reports whether tasks, timers or references are outstanding.
func (l *Loop) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive()
}

func (l *Loop) alive() bool {
	return len(l.tasks) > 0 || l.refs > 0 || len(l.timers) > 0
}

// Stop makes a running loop return after its current iteration.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stop = true
	l.mu.Unlock()
	l.Wakeup()
}

// Close rejects further submissions. Already queued tasks still run on the
// next Run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// IsLoopThread reports whether the caller is the goroutine running the loop.
func (l *Loop) IsLoopThread() bool {
	id := l.goid.Load()
	if id == 0 {
		return false
	}
	return GoroutineID() == id
}

// Running reports whether Run is in progress.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run iterates the loop on the calling goroutine until nothing keeps it
// alive, Stop is called, or ctx is done. The goroutine is locked to its OS
// thread for the duration.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goid.Store(GoroutineID())
	defer l.goid.Store(0)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		didWork := l.runTasks()
		for _, s := range l.snapshotSources() {
			if s.Drain() {
				didWork = true
			}
		}
		if l.fireTimers() {
			didWork = true
		}
		if didWork {
			continue
		}

		l.mu.Lock()
		if l.stop {
			l.stop = false
			l.mu.Unlock()
			return nil
		}
		if !l.alive() {
			l.mu.Unlock()
			return nil
		}
		wait, hasTimer := l.nextTimerWait()
		l.mu.Unlock()

		var timerC <-chan time.Time
		var timer *time.Timer
		if hasTimer {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-l.wake:
		case <-timerC:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// runTasks swaps out the task queue and runs every task in it. Tasks
// submitted meanwhile run on the next iteration.
func (l *Loop) runTasks() bool {
	l.mu.Lock()
	if len(l.tasks) == 0 {
		l.mu.Unlock()
		return false
	}
	batch := l.tasks
	l.tasks = l.spare[:0]
	l.mu.Unlock()

	for i, task := range batch {
		batch[i] = nil
		task()
	}

	l.mu.Lock()
	l.spare = batch[:0]
	l.mu.Unlock()
	return true
}

func (l *Loop) snapshotSources() []Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sources
}

// fireTimers runs every timer whose deadline has passed.
func (l *Loop) fireTimers() bool {
	now := time.Now()
	l.mu.Lock()
	var due []*timerEntry
	for _, t := range l.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	l.mu.Unlock()
	if len(due) == 0 {
		return false
	}

	// Fire in deadline order, ties by id.
	sortTimers(due)
	fired := false
	for _, t := range due {
		l.mu.Lock()
		if _, ok := l.timers[t.id]; !ok {
			l.mu.Unlock()
			continue
		}
		if t.interval > 0 {
			t.deadline = time.Now().Add(t.interval)
		} else {
			delete(l.timers, t.id)
		}
		l.mu.Unlock()
		t.fn()
		fired = true
	}
	return fired
}

// nextTimerWait returns the time until the earliest timer. Caller holds mu.
func (l *Loop) nextTimerWait() (time.Duration, bool) {
	var next *timerEntry
	for _, t := range l.timers {
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	if next == nil {
		return 0, false
	}
	wait := time.Until(next.deadline)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func sortTimers(ts []*timerEntry) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && timerLess(ts[j], ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

func timerLess(a, b *timerEntry) bool {
	if a.deadline.Equal(b.deadline) {
		return a.id < b.id
	}
	return a.deadline.Before(b.deadline)
}

// GoroutineID returns the current goroutine's id, parsed from the stack
// header ("goroutine N [...]").
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// ClearTimers cancels every pending timer.
func (l *Loop) ClearTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.timers)
}
