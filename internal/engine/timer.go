package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// DefaultTickInterval is the visible countdown cadence.
const DefaultTickInterval = time.Second

// TimerOptions configures a Timer.
type TimerOptions struct {
	Interval time.Duration
	// OnTick receives the remaining time on every tick.
	OnTick func(remaining time.Duration)
	// OnExpire is raised once, on its own goroutine, the first time the
	// remaining time reaches zero.
	OnExpire func()
}

// Timer derives the remaining time from a fixed start anchor on every tick,
// so a suspended process catches up on its next tick instead of drifting.
type Timer struct {
	clock     clockwork.Clock
	startedAt time.Time
	duration  time.Duration
	interval  time.Duration
	onTick    func(time.Duration)
	onExpire  func()

	mu      sync.Mutex
	fired   bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTimer creates a stopped timer for an attempt that started at startedAt
// and lasts duration.
func NewTimer(clock clockwork.Clock, startedAt time.Time, duration time.Duration, opts TimerOptions) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	return &Timer{
		clock:     clock,
		startedAt: startedAt,
		duration:  duration,
		interval:  opts.Interval,
		onTick:    opts.OnTick,
		onExpire:  opts.OnExpire,
	}
}

// Remaining returns max(0, duration - (now - startedAt)).
func (t *Timer) Remaining() time.Duration {
	return model.RemainingAt(t.startedAt, t.duration, t.clock.Now())
}

// Expired reports whether the deadline has passed.
func (t *Timer) Expired() bool {
	return t.Remaining() <= 0
}

// Fired reports whether the expiry signal has been raised.
func (t *Timer) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Running reports whether the tick loop is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start begins ticking. The first evaluation happens immediately. Calling
// Start on a running timer is a no-op.
func (t *Timer) Start(ctx context.Context) {
	t.start(ctx, true)
}

// Restart clears the expiry guard and resumes ticking, with the first
// evaluation one interval from now. It is used after a failed submission so
// an expired attempt retries on the next tick without spinning.
func (t *Timer) Restart(ctx context.Context) {
	t.Stop()
	t.mu.Lock()
	t.fired = false
	t.mu.Unlock()
	t.start(ctx, false)
}

func (t *Timer) start(ctx context.Context, immediate bool) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := t.clock.NewTicker(t.interval)
	done := make(chan struct{})
	t.running = true
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.loop(ctx, ticker, done, immediate)
}

func (t *Timer) loop(ctx context.Context, ticker clockwork.Ticker, done chan struct{}, immediate bool) {
	defer close(done)
	defer ticker.Stop()

	if immediate && !t.tick(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !t.tick(ctx) {
				return
			}
		}
	}
}

// tick evaluates the timer once. It returns false when the loop should stop.
func (t *Timer) tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	remaining := t.Remaining()
	if t.onTick != nil {
		t.onTick(remaining)
	}
	if remaining > 0 {
		return true
	}

	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return true
	}
	t.fired = true
	t.mu.Unlock()

	if t.onExpire != nil {
		go t.onExpire()
	}
	return true
}

// Stop halts the tick loop and waits for it to exit, so no tick runs after
// Stop returns. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	cancel()
	<-done
}
