package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper removes expired windows when
// WithSweepInterval is not given.
const DefaultSweepInterval = 5 * time.Minute

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	// Remaining is how many more requests the current window admits, never negative
	Remaining int
	// ResetAt is when the current window ends
	ResetAt time.Time
}

// RetryAfter returns how long a denied caller should wait, relative to now.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// window tracks a single identifiers count in the current fixed window
type window struct {
	count   int
	resetAt time.Time
	// logged tracks whether the first-denial hook already fired for this window
	logged bool
}

// Limiter holds per-identifier fixed windows. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	now           func() time.Time
	sweepInterval time.Duration

	// maxEntries caps how many identifiers are tracked, 0 disables the cap
	maxEntries int
	atCapacity bool

	sweepMu   sync.Mutex
	stopSweep context.CancelFunc
	sweepDone chan struct{}

	// OnDenied is called on every denied request. Middleware denials of clients
	// with no address pass "<purpose>:" since there is no identifier to check.
	OnDenied func(id string)

	// OnFirstDenied is called once per window the first time it denies a request
	OnFirstDenied func(id string)

	// OnCapacity is called when a new identifier is rejected because maxEntries is
	// reached. fires once until a sweep frees room again
	OnCapacity func()

	// OnSweep is called after every sweep with the number of evicted and remaining entries
	OnSweep func(evicted, remaining int, took time.Duration)
}

type Option func(*Limiter)

// WithClock replaces time.Now, used by tests to step through windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval sets how often StartSweeper evicts expired windows.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.sweepInterval = d
		}
	}
}

// WithMaxEntries caps the number of tracked identifiers. When full, requests from
// identifiers that have no live window are denied until a sweep frees room.
func WithMaxEntries(n int) Option {
	return func(l *Limiter) {
		l.maxEntries = n
	}
}

func WithOnDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

// WithOnFirstDenied sets a callback for the first denial of each window, used for logging.
// separate from OnDenied so we log once per offender per window but count every denial
func WithOnFirstDenied(fn func(id string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) {
		l.OnCapacity = fn
	}
}

func WithOnSweep(fn func(evicted, remaining int, took time.Duration)) Option {
	return func(l *Limiter) {
		l.OnSweep = fn
	}
}

// New creates an empty Limiter. The sweeper is not started, call StartSweeper.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows:       make(map[string]*window),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records a request from id against policy and reports whether it may proceed.
// An empty id is always denied without creating state. Check panics if policy was
// not built with NewPolicy.
func (l *Limiter) Check(id string, policy Policy) Decision {
	if !policy.Valid() {
		panic("ratelimit: Check called with invalid policy " + policy.String())
	}

	now := l.now()
	if id == "" {
		return Decision{Allowed: false, Remaining: 0, ResetAt: now}
	}

	l.mu.Lock()
	w, exists := l.windows[id]
	if !exists || !now.Before(w.resetAt) {
		if !exists && l.maxEntries > 0 && len(l.windows) >= l.maxEntries {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.OnCapacity != nil {
				l.OnCapacity()
			}
			if l.OnDenied != nil {
				l.OnDenied(id)
			}
			return Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(policy.window)}
		}
		// fresh window, reuse the struct when replacing an expired one
		if !exists {
			w = &window{}
			l.windows[id] = w
		}
		w.count = 1
		w.resetAt = now.Add(policy.window)
		w.logged = false
		d := Decision{Allowed: true, Remaining: policy.max - 1, ResetAt: w.resetAt}
		l.mu.Unlock()
		return d
	}

	if w.count >= policy.max {
		first := !w.logged
		w.logged = true
		d := Decision{Allowed: false, Remaining: 0, ResetAt: w.resetAt}
		// release before hooks, they may log or touch metrics
		l.mu.Unlock()
		if first && l.OnFirstDenied != nil {
			l.OnFirstDenied(id)
		}
		if l.OnDenied != nil {
			l.OnDenied(id)
		}
		return d
	}

	w.count++
	d := Decision{Allowed: true, Remaining: policy.max - w.count, ResetAt: w.resetAt}
	l.mu.Unlock()
	return d
}

// Len returns the number of tracked identifiers, including expired ones not yet swept.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep removes every window that has ended and returns how many were removed.
func (l *Limiter) Sweep() int {
	start := time.Now()
	now := l.now()

	l.mu.Lock()
	evicted := 0
	for id, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, id)
			evicted++
		}
	}
	remaining := len(l.windows)
	if l.maxEntries <= 0 || remaining < l.maxEntries {
		l.atCapacity = false
	}
	l.mu.Unlock()

	if l.OnSweep != nil {
		l.OnSweep(evicted, remaining, time.Since(start))
	}
	return evicted
}

// StartSweeper runs Sweep every sweep interval until ctx is done or the returned
// stop func is called. stop blocks until the sweeper goroutine has exited and is
// safe to call more than once. Calling StartSweeper while a sweeper is already
// running returns the existing stop func; once it has exited, through stop or
// ctx, a new one is started.
func (l *Limiter) StartSweeper(ctx context.Context) (stop func()) {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()

	if l.stopSweep == nil {
		ctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		l.stopSweep = cancel
		l.sweepDone = done
		go l.sweepLoop(ctx, done)
	}

	cancel, done := l.stopSweep, l.sweepDone
	return func() {
		cancel()
		<-done
		l.sweepMu.Lock()
		if l.sweepDone == done {
			l.stopSweep = nil
			l.sweepDone = nil
		}
		l.sweepMu.Unlock()
	}
}

func (l *Limiter) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// a sweeper that ended through ctx must not block the next StartSweeper
	defer func() {
		l.sweepMu.Lock()
		if l.sweepDone == done {
			l.stopSweep = nil
			l.sweepDone = nil
		}
		l.sweepMu.Unlock()
	}()
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
