package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeClock advances only when the limiter sleeps or the test ticks it.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func newFake() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func TestWindowNoSleepUnderLimit(t *testing.T) {
	t.Parallel()
	c := newFake()
	w := NewWindow(25, WithClock(c.now, c.sleep))
	for i := 0; i < 25; i++ {
		if err := w.Admit(context.Background()); err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
	}
	if len(c.sleeps) != 0 {
		t.Fatalf("expected no throttling, got %v", c.sleeps)
	}
}

func TestWindowThrottlesOnceForThirty(t *testing.T) {
	t.Parallel()
	c := newFake()
	w := NewWindow(25, WithClock(c.now, c.sleep))
	for i := 0; i < 30; i++ {
		if err := w.Admit(context.Background()); err != nil {
			t.Fatalf("Admit #%d: %v", i, err)
		}
		c.t = c.t.Add(2 * time.Millisecond)
	}
	if len(c.sleeps) != 1 {
		t.Fatalf("expected exactly one pause, got %d (%v)", len(c.sleeps), c.sleeps)
	}
	d := c.sleeps[0]
	if d < 50*time.Millisecond || d > DefaultWindow {
		t.Fatalf("pause = %v, want within [50ms, %v]", d, DefaultWindow)
	}
	if w.Throttled() != 1 {
		t.Fatalf("Throttled() = %d, want 1", w.Throttled())
	}
}

func TestWindowSpacingBetweenKAndKPlusLimit(t *testing.T) {
	t.Parallel()
	c := newFake()
	const limit = 5
	w := NewWindow(limit, WithClock(c.now, c.sleep))
	var admitted []time.Time
	for i := 0; i < 23; i++ {
		if err := w.Admit(context.Background()); err != nil {
			t.Fatalf("Admit: %v", err)
		}
		admitted = append(admitted, c.t)
		c.t = c.t.Add(10 * time.Millisecond)
	}
	for k := 0; k+limit < len(admitted); k++ {
		if gap := admitted[k+limit].Sub(admitted[k]); gap < DefaultWindow {
			t.Fatalf("gap between send %d and %d = %v, want >= %v", k, k+limit, gap, DefaultWindow)
		}
	}
}

func TestWindowNoSleepWhenOldestExpired(t *testing.T) {
	t.Parallel()
	c := newFake()
	w := NewWindow(2, WithClock(c.now, c.sleep))
	_ = w.Admit(context.Background())
	_ = w.Admit(context.Background())
	c.t = c.t.Add(2 * time.Second)
	if err := w.Admit(context.Background()); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(c.sleeps) != 0 {
		t.Fatalf("expected no sleep, got %v", c.sleeps)
	}
}

func TestWindowCancelledWaitRecordsNothing(t *testing.T) {
	t.Parallel()
	c := newFake()
	cancelErr := context.Canceled
	w := NewWindow(1, WithClock(c.now, func(ctx context.Context, d time.Duration) error { return cancelErr }))
	if err := w.Admit(context.Background()); err != nil {
		t.Fatalf("first Admit: %v", err)
	}
	first := w.stamps[0]
	if err := w.Admit(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(w.stamps) != 1 || !w.stamps[0].Equal(first) {
		t.Fatalf("window changed after cancelled wait: %v", w.stamps)
	}
}

func TestWindowRealSleepIsShort(t *testing.T) {
	w := NewWindow(2, WithSpan(30*time.Millisecond))
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := w.Admit(context.Background()); err != nil {
			t.Fatalf("Admit: %v", err)
		}
	}
	if el := time.Since(start); el < 25*time.Millisecond {
		t.Fatalf("third admit returned after %v, expected to wait ~30ms", el)
	}
}

func TestWindowApplyShrinksLimit(t *testing.T) {
	t.Parallel()
	c := newFake()
	w := NewWindow(4, WithClock(c.now, c.sleep))
	for i := 0; i < 3; i++ {
		_ = w.Admit(context.Background())
		c.t = c.t.Add(10 * time.Millisecond)
	}
	w.Apply(2, 0)
	if w.Limit() != 2 || w.Span() != DefaultWindow {
		t.Fatalf("limit=%d span=%v", w.Limit(), w.Span())
	}
	// The two newest sends fill the smaller window; the next one waits for
	// the second send (t0+10ms) to expire.
	if err := w.Admit(context.Background()); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(c.sleeps) != 1 || c.sleeps[0] != DefaultWindow-20*time.Millisecond {
		t.Fatalf("sleeps = %v", c.sleeps)
	}
}

func TestWindowApplyGrowsLimit(t *testing.T) {
	t.Parallel()
	c := newFake()
	w := NewWindow(2, WithClock(c.now, c.sleep))
	for i := 0; i < 3; i++ {
		_ = w.Admit(context.Background())
	}
	w.Apply(5, 2*time.Second)
	for i := 0; i < 2; i++ {
		_ = w.Admit(context.Background())
	}
	if len(c.sleeps) != 1 {
		t.Fatalf("expected only the pre-Apply pause, got %v", c.sleeps)
	}
	if w.Span() != 2*time.Second {
		t.Fatalf("span = %v", w.Span())
	}
}
