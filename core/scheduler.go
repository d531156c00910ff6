package core

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Now and Never are the wake time sentinels. A timer registered at Now
// fires on the next dispatch; a timer returning Never stays registered
// but idle until UpdateTimer revives it.
const Now = 0.0

var Never = math.Inf(1)

// maxIdle bounds how long Run sleeps without rechecking the clock
const maxIdle = time.Second

// TimerCallback handles a due timer and returns its next wake time
type TimerCallback func(eventtime float64) float64

// Timer is a registered reactor timer
type Timer struct {
	WakeTime float64
	Handler  TimerCallback

	next       *Timer
	registered bool
	queued     bool
	running    bool
}

// ReactorOption configures a Reactor
type ReactorOption func(*Reactor)

// WithClock sets the monotonic clock, in seconds
func WithClock(clock func() float64) ReactorOption {
	return func(r *Reactor) {
		r.monotonic = clock
	}
}

// WithReactorLogger sets the logger
func WithReactorLogger(logger *slog.Logger) ReactorOption {
	return func(r *Reactor) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reactor is the single event loop everything timed runs on. Timers and
// callbacks run one at a time on the goroutine calling Dispatch or Run.
type Reactor struct {
	mu        sync.Mutex
	timerList *Timer
	callbacks []func(eventtime float64)
	monotonic func() float64
	wake      chan struct{}
	logger    *slog.Logger
}

// NewReactor creates a reactor on the process monotonic clock
func NewReactor(opts ...ReactorOption) *Reactor {
	start := time.Now()
	r := &Reactor{
		monotonic: func() float64 { return time.Since(start).Seconds() },
		wake:      make(chan struct{}, 1),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Monotonic returns the current reactor time in seconds
func (r *Reactor) Monotonic() float64 {
	return r.monotonic()
}

// RegisterTimer adds a timer that first fires at waketime
func (r *Reactor) RegisterTimer(handler TimerCallback, waketime float64) *Timer {
	t := &Timer{WakeTime: waketime, Handler: handler, registered: true}
	r.mu.Lock()
	r.insertTimer(t)
	r.mu.Unlock()
	r.kick()
	return t
}

// UpdateTimer changes when t next fires
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.registered {
		return
	}
	t.WakeTime = waketime
	if t.running {
		// the handler result is applied when it returns
		return
	}
	r.removeTimer(t)
	r.insertTimer(t)
	r.kick()
}

// UnregisterTimer removes t; it will not fire again
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.registered = false
	r.removeTimer(t)
}

// RegisterCallback runs cb once on the next dispatch. It is safe to call
// from any goroutine.
func (r *Reactor) RegisterCallback(cb func(eventtime float64)) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
	r.kick()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// insertTimer inserts a timer in sorted order by WakeTime
func (r *Reactor) insertTimer(t *Timer) {
	t.queued = true
	if r.timerList == nil || t.WakeTime < r.timerList.WakeTime {
		t.next = r.timerList
		r.timerList = t
		return
	}

	current := r.timerList
	for current.next != nil && current.next.WakeTime <= t.WakeTime {
		current = current.next
	}

	t.next = current.next
	current.next = t
}

func (r *Reactor) removeTimer(t *Timer) {
	if !t.queued {
		return
	}
	t.queued = false
	if r.timerList == t {
		r.timerList = t.next
		t.next = nil
		return
	}
	for current := r.timerList; current != nil; current = current.next {
		if current.next == t {
			current.next = t.next
			t.next = nil
			return
		}
	}
}

// Dispatch runs pending callbacks, then every timer due at eventtime in
// wake order, each at most once. It returns the earliest remaining wake
// time, or Never.
func (r *Reactor) Dispatch(eventtime float64) float64 {
	r.mu.Lock()
	callbacks := r.callbacks
	r.callbacks = nil

	var due []*Timer
	for r.timerList != nil && r.timerList.WakeTime <= eventtime {
		t := r.timerList
		r.timerList = t.next
		t.next = nil
		t.queued = false
		t.running = true
		due = append(due, t)
	}
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(eventtime)
	}

	for _, t := range due {
		r.mu.Lock()
		live := t.registered
		r.mu.Unlock()

		next := Never
		if live {
			next = t.Handler(eventtime)
		}

		r.mu.Lock()
		t.running = false
		if t.registered {
			t.WakeTime = next
			r.insertTimer(t)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.callbacks) > 0 {
		return eventtime
	}
	if r.timerList == nil {
		return Never
	}
	return r.timerList.WakeTime
}

// Run dispatches on the monotonic clock until ctx is done
func (r *Reactor) Run(ctx context.Context) error {
	r.logger.Debug("reactor started")
	defer r.logger.Debug("reactor stopped")
	for {
		next := r.Dispatch(r.monotonic())

		wait := maxIdle
		if !math.IsInf(next, 1) {
			d := time.Duration((next - r.monotonic()) * float64(time.Second))
			if d < wait {
				wait = d
			}
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-r.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}
