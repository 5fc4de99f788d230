package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for stepping through windows without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(opts ...Option) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	all := append([]Option{WithClock(clk.Now)}, opts...)
	return New(all...), clk
}

// Policy

func TestNewPolicy_Valid(t *testing.T) {
	p, err := NewPolicy(time.Minute, 10)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	if p.Window() != time.Minute || p.Max() != 10 {
		t.Fatalf("policy = %s, want 10/1m0s", p)
	}
	if !p.Valid() {
		t.Fatal("policy should be valid")
	}
}

func TestNewPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		window  time.Duration
		max     int
		wantErr error
	}{
		{"zero window", 0, 5, ErrInvalidWindow},
		{"negative window", -time.Second, 5, ErrInvalidWindow},
		{"zero max", time.Minute, 0, ErrInvalidLimit},
		{"negative max", time.Minute, -1, ErrInvalidLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPolicy(tt.window, tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMustPolicy_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("MustPolicy(0, 0) did not panic")
		}
	}()
	MustPolicy(0, 0)
}

func TestCheck_ZeroPolicyPanics(t *testing.T) {
	l, _ := newTestLimiter()
	defer func() {
		if recover() == nil {
			t.Fatal("Check with zero Policy did not panic")
		}
	}()
	l.Check("10.0.0.1", Policy{})
}

// Admission

func TestCheck_AdmitsUpToLimitThenDenies(t *testing.T) {
	for _, n := range []int{1, 2, 5, 10} {
		t.Run(fmt.Sprintf("limit=%d", n), func(t *testing.T) {
			l, clk := newTestLimiter()
			p := MustPolicy(time.Minute, n)
			wantReset := clk.Now().Add(time.Minute)

			for i := 0; i < n; i++ {
				d := l.Check("10.0.0.1", p)
				if !d.Allowed {
					t.Fatalf("request %d denied, want allowed", i+1)
				}
				if want := n - 1 - i; d.Remaining != want {
					t.Fatalf("request %d remaining = %d, want %d", i+1, d.Remaining, want)
				}
				if !d.ResetAt.Equal(wantReset) {
					t.Fatalf("request %d resetAt = %v, want %v", i+1, d.ResetAt, wantReset)
				}
			}

			d := l.Check("10.0.0.1", p)
			if d.Allowed || d.Remaining != 0 {
				t.Fatalf("request %d = %+v, want denied with remaining 0", n+1, d)
			}
		})
	}
}

func TestCheck_ExampleScenario(t *testing.T) {
	l, clk := newTestLimiter()
	p := MustPolicy(60000*time.Millisecond, 3)
	start := clk.Now()

	for i, want := range []int{2, 1, 0} {
		d := l.Check("1.2.3.4", p)
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("call %d = %+v, want allowed remaining %d", i+1, d, want)
		}
	}

	clk.Advance(10 * time.Millisecond)
	if d := l.Check("1.2.3.4", p); d.Allowed || d.Remaining != 0 {
		t.Fatalf("call 4 = %+v, want denied remaining 0", d)
	}

	clk.Set(start.Add(61000 * time.Millisecond))
	d := l.Check("1.2.3.4", p)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("call 5 = %+v, want allowed remaining 2", d)
	}
	if want := start.Add(61000*time.Millisecond + time.Minute); !d.ResetAt.Equal(want) {
		t.Fatalf("call 5 resetAt = %v, want %v", d.ResetAt, want)
	}
}

func TestCheck_ResetsAtExactBoundary(t *testing.T) {
	l, clk := newTestLimiter()
	p := MustPolicy(time.Minute, 1)

	l.Check("10.0.0.1", p)
	clk.Advance(time.Minute - time.Nanosecond)
	if l.Check("10.0.0.1", p).Allowed {
		t.Fatal("request before resetAt should be denied")
	}

	// resetAt itself counts as expired
	clk.Advance(time.Nanosecond)
	if !l.Check("10.0.0.1", p).Allowed {
		t.Fatal("request at resetAt should open a new window")
	}
}

func TestCheck_DenialIsIdempotent(t *testing.T) {
	l, clk := newTestLimiter()
	p := MustPolicy(time.Minute, 2)

	l.Check("10.0.0.1", p)
	first := l.Check("10.0.0.1", p)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		d := l.Check("10.0.0.1", p)
		if d.Allowed || d.Remaining != 0 {
			t.Fatalf("denial %d = %+v, want denied remaining 0", i+1, d)
		}
		if !d.ResetAt.Equal(first.ResetAt) {
			t.Fatalf("denial %d moved resetAt to %v, want %v", i+1, d.ResetAt, first.ResetAt)
		}
	}

	l.mu.Lock()
	count := l.windows["10.0.0.1"].count
	l.mu.Unlock()
	if count != 2 {
		t.Fatalf("count = %d after denials, want 2", count)
	}
}

func TestCheck_IdentifiersAreIsolated(t *testing.T) {
	l, _ := newTestLimiter()
	p := MustPolicy(time.Minute, 2)

	l.Check("contact:10.0.0.1", p)
	l.Check("contact:10.0.0.1", p)
	if l.Check("contact:10.0.0.1", p).Allowed {
		t.Fatal("first identifier should be exhausted")
	}

	for _, id := range []string{"contact:10.0.0.2", "projects:10.0.0.1"} {
		d := l.Check(id, p)
		if !d.Allowed || d.Remaining != 1 {
			t.Fatalf("%s = %+v, want fresh window", id, d)
		}
	}
}

func TestCheck_PolicyIsPerCall(t *testing.T) {
	l, _ := newTestLimiter()
	strict := MustPolicy(15*time.Minute, 5)
	loose := MustPolicy(time.Minute, 10)

	if d := l.Check("contact:10.0.0.1", strict); d.Remaining != 4 {
		t.Fatalf("strict remaining = %d, want 4", d.Remaining)
	}
	if d := l.Check("projects:10.0.0.1", loose); d.Remaining != 9 {
		t.Fatalf("loose remaining = %d, want 9", d.Remaining)
	}
}

func TestCheck_EmptyIdentifierDenied(t *testing.T) {
	l, _ := newTestLimiter()
	p := MustPolicy(time.Minute, 10)

	d := l.Check("", p)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("empty id = %+v, want denied", d)
	}
	if l.Len() != 0 {
		t.Fatalf("Len = %d, empty id should not create state", l.Len())
	}
}

func TestCheck_ConcurrentExactAdmissions(t *testing.T) {
	l := New()
	const limit = 50
	p := MustPolicy(time.Hour, limit)

	var wg sync.WaitGroup
	var allowed, denied atomic.Int32
	start := make(chan struct{})

	for i := 0; i < limit*4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check("203.0.113.9", p).Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want %d", got, limit)
	}
	if got := denied.Load(); got != limit*3 {
		t.Fatalf("denied = %d, want %d", got, limit*3)
	}
}

func TestCheck_ConcurrentLimitCallsAllAdmitted(t *testing.T) {
	l := New()
	const limit = 20
	p := MustPolicy(time.Hour, limit)

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("203.0.113.10", p).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want %d", got, limit)
	}
}

// Hooks

func TestOnFirstDenied_OncePerWindow(t *testing.T) {
	var first, every atomic.Int32
	l, clk := newTestLimiter(
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { every.Add(1) }),
	)
	p := MustPolicy(time.Minute, 1)

	l.Check("10.0.0.1", p)
	for i := 0; i < 5; i++ {
		l.Check("10.0.0.1", p)
	}
	if first.Load() != 1 || every.Load() != 5 {
		t.Fatalf("first=%d every=%d, want 1 and 5", first.Load(), every.Load())
	}

	// new window re-arms the first-denial hook
	clk.Advance(time.Minute)
	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p)
	if first.Load() != 2 {
		t.Fatalf("first = %d after new window, want 2", first.Load())
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, _ := newTestLimiter(WithMaxEntries(1))
	p := MustPolicy(time.Minute, 1)
	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p)
	l.Check("10.0.0.2", p)
	l.Sweep()
}

// Capacity

func TestMaxEntries_NewIdentifierDeniedAtCapacity(t *testing.T) {
	var capCount atomic.Int32
	l, _ := newTestLimiter(
		WithMaxEntries(2),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	p := MustPolicy(time.Minute, 100)

	l.Check("10.0.0.1", p)
	l.Check("10.0.0.2", p)

	if l.Check("10.0.0.3", p).Allowed {
		t.Fatal("new identifier should be denied at capacity")
	}
	l.Check("10.0.0.4", p)
	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity = %d, want 1", got)
	}

	// existing identifiers keep working
	if !l.Check("10.0.0.1", p).Allowed {
		t.Fatal("tracked identifier should be allowed at capacity")
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
}

func TestMaxEntries_SweepFreesCapacity(t *testing.T) {
	var capCount atomic.Int32
	l, clk := newTestLimiter(
		WithMaxEntries(1),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	p := MustPolicy(time.Minute, 100)

	l.Check("10.0.0.1", p)
	if l.Check("10.0.0.2", p).Allowed {
		t.Fatal("should be denied at capacity")
	}

	clk.Advance(time.Minute)
	l.Sweep()

	if !l.Check("10.0.0.2", p).Allowed {
		t.Fatal("should be allowed after sweep freed capacity")
	}
	// capacity re-armed by the sweep
	l.Check("10.0.0.3", p)
	if got := capCount.Load(); got != 2 {
		t.Fatalf("OnCapacity = %d, want 2", got)
	}
}

func TestMaxEntries_ExpiredEntryReusedAtCapacity(t *testing.T) {
	l, clk := newTestLimiter(WithMaxEntries(1))
	p := MustPolicy(time.Minute, 1)

	l.Check("10.0.0.1", p)
	clk.Advance(2 * time.Minute)

	// no sweep has run, the expired window is replaced in place
	if !l.Check("10.0.0.1", p).Allowed {
		t.Fatal("expired identifier should get a new window at capacity")
	}
}

// Sweep

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	l, clk := newTestLimiter()
	short := MustPolicy(time.Minute, 5)
	long := MustPolicy(time.Hour, 5)

	l.Check("a", short)
	l.Check("b", short)
	l.Check("c", long)

	clk.Advance(time.Minute)
	if n := l.Sweep(); n != 2 {
		t.Fatalf("Sweep evicted %d, want 2", n)
	}

	l.mu.Lock()
	_, hasA := l.windows["a"]
	_, hasC := l.windows["c"]
	l.mu.Unlock()
	if hasA || !hasC {
		t.Fatalf("after sweep hasA=%v hasC=%v, want false/true", hasA, hasC)
	}
}

func TestSweep_ReclaimedIdentifierStartsFresh(t *testing.T) {
	l, clk := newTestLimiter()
	p := MustPolicy(time.Minute, 2)

	l.Check("10.0.0.1", p)
	l.Check("10.0.0.1", p)
	clk.Advance(time.Minute)
	l.Sweep()

	if l.Len() != 0 {
		t.Fatalf("Len = %d after sweep, want 0", l.Len())
	}
	d := l.Check("10.0.0.1", p)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("after sweep = %+v, want fresh window", d)
	}
}

func TestSweep_OnSweepReportsCounts(t *testing.T) {
	var gotEvicted, gotRemaining int
	l, clk := newTestLimiter(WithOnSweep(func(evicted, remaining int, _ time.Duration) {
		gotEvicted, gotRemaining = evicted, remaining
	}))
	l.Check("a", MustPolicy(time.Second, 1))
	l.Check("b", MustPolicy(time.Hour, 1))

	clk.Advance(time.Second)
	l.Sweep()
	if gotEvicted != 1 || gotRemaining != 1 {
		t.Fatalf("OnSweep(%d, %d), want (1, 1)", gotEvicted, gotRemaining)
	}
}

func TestSweeper_RunsOnInterval(t *testing.T) {
	swept := make(chan int, 16)
	l := New(
		WithSweepInterval(10*time.Millisecond),
		WithOnSweep(func(evicted, _ int, _ time.Duration) {
			select {
			case swept <- evicted:
			default:
			}
		}),
	)
	l.Check("10.0.0.1", MustPolicy(time.Millisecond, 1))

	stop := l.StartSweeper(context.Background())
	defer stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-swept:
			if l.Len() == 0 {
				return
			}
		case <-deadline:
			t.Fatal("sweeper never evicted expired window")
		}
	}
}

func TestSweeper_StopHaltsSweeps(t *testing.T) {
	var sweeps atomic.Int32
	l := New(
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(int, int, time.Duration) { sweeps.Add(1) }),
	)

	stop := l.StartSweeper(context.Background())
	stop()
	// idempotent
	stop()

	after := sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if got := sweeps.Load(); got != after {
		t.Fatalf("sweeps advanced from %d to %d after stop", after, got)
	}
}

func TestSweeper_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(WithSweepInterval(5 * time.Millisecond))
	stop := l.StartSweeper(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after context cancel")
	}
}

func TestSweeper_RestartAfterStop(t *testing.T) {
	swept := make(chan struct{}, 16)
	l := New(
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(int, int, time.Duration) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}),
	)

	l.StartSweeper(context.Background())()
	stop := l.StartSweeper(context.Background())
	defer stop()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("restarted sweeper never ran")
	}
}

// waitSweeperExited polls until no sweeper goroutine is registered.
func waitSweeperExited(t *testing.T, l *Limiter) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		l.sweepMu.Lock()
		running := l.sweepDone != nil
		l.sweepMu.Unlock()
		if !running {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper state not cleared after ctx cancel")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSweeper_RestartAfterContextCancel(t *testing.T) {
	swept := make(chan struct{}, 16)
	l := New(
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(int, int, time.Duration) {
			select {
			case swept <- struct{}{}:
			default:
			}
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	l.StartSweeper(ctx)
	// stopped through ctx only, the returned stop func is never called
	cancel()
	waitSweeperExited(t, l)

	for len(swept) > 0 {
		<-swept
	}

	stop := l.StartSweeper(context.Background())
	defer stop()

	select {
	case <-swept:
	case <-time.After(time.Second):
		t.Fatal("sweeper started after a cancelled one never ran")
	}
}

func TestSweeper_StaleStopAfterRestart(t *testing.T) {
	var sweeps atomic.Int32
	l := New(
		WithSweepInterval(5*time.Millisecond),
		WithOnSweep(func(int, int, time.Duration) { sweeps.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	staleStop := l.StartSweeper(ctx)
	cancel()
	waitSweeperExited(t, l)

	stop := l.StartSweeper(context.Background())
	defer stop()
	// the old stop func belongs to the exited sweeper and must leave the new one alone
	staleStop()

	before := sweeps.Load()
	deadline := time.After(time.Second)
	for sweeps.Load() == before {
		select {
		case <-deadline:
			t.Fatal("stale stop func halted the running sweeper")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestDefaults(t *testing.T) {
	l := New()
	if l.sweepInterval != DefaultSweepInterval {
		t.Errorf("sweepInterval = %v, want %v", l.sweepInterval, DefaultSweepInterval)
	}
	if l.maxEntries != 0 {
		t.Errorf("maxEntries = %d, want 0 (unbounded)", l.maxEntries)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}

	if got := d.RetryAfter(now); got != 1500*time.Millisecond {
		t.Fatalf("RetryAfter = %v, want 1.5s", got)
	}
	if got := d.RetryAfter(now.Add(time.Hour)); got != 0 {
		t.Fatalf("RetryAfter past reset = %v, want 0", got)
	}
	if got := RetryAfterSeconds(d, now); got != 2 {
		t.Fatalf("RetryAfterSeconds = %d, want 2", got)
	}
	if got := RetryAfterSeconds(d, now.Add(time.Hour)); got != 1 {
		t.Fatalf("RetryAfterSeconds past reset = %d, want 1", got)
	}
}
