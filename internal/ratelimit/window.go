package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the trailing interval used to count recent sends.
// It is slightly longer than one second so bursts stay under the platform's
// per-second limit even with clock drift between us and the API.
const DefaultWindow = 1050 * time.Millisecond

const (
	DefaultBroadcastLimit   = 25
	DefaultInteractiveLimit = 5
)

// Admitter is consulted once per intended send.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Window is a sliding-window limiter: at most Limit sends per Span. A send
// that would exceed the limit waits until the oldest recorded send leaves
// the window.
//
// Admit calls are serialized; a waiting Admit holds the window, so Apply
// blocks for at most one span.
type Window struct {
	mu sync.Mutex

	limit int
	span  time.Duration

	// ring of the last `limit` admit timestamps, oldest at head.
	stamps []time.Time
	head   int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// throttled counts how often Admit had to wait.
	throttled uint64
}

type Option func(*Window)

// WithClock overrides time.Now and the sleep function (tests).
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithSpan overrides the window span (default DefaultWindow).
func WithSpan(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.span = d
		}
	}
}

// NewWindow returns a limiter admitting at most limit sends per window.
// limit <= 0 falls back to DefaultBroadcastLimit.
func NewWindow(limit int, opts ...Option) *Window {
	if limit <= 0 {
		limit = DefaultBroadcastLimit
	}
	w := &Window{
		limit:  limit,
		span:   DefaultWindow,
		stamps: make([]time.Time, 0, limit),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		if o != nil {
			o(w)
		}
	}
	return w
}

func (w *Window) Limit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

func (w *Window) Span() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.span
}

// Throttled reports how many Admit calls had to sleep.
func (w *Window) Throttled() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.throttled
}

// Apply changes limit and span at runtime. The most recent sends stay
// recorded, so a smaller limit takes effect immediately. Non-positive values
// keep the current setting.
func (w *Window) Apply(limit int, span time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if span > 0 {
		w.span = span
	}
	if limit <= 0 || limit == w.limit {
		return
	}
	ordered := append(append([]time.Time(nil), w.stamps[w.head:]...), w.stamps[:w.head]...)
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	w.limit = limit
	w.stamps = append(make([]time.Time, 0, limit), ordered...)
	w.head = 0
}

// Admit blocks until another send fits into the window, then records it.
// If ctx is cancelled while waiting, nothing is recorded and ctx.Err() is returned.
func (w *Window) Admit(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.stamps) >= w.limit {
		oldest := w.stamps[w.head]
		if diff := w.now().Sub(oldest); diff < w.span {
			w.throttled++
			if err := w.sleep(ctx, w.span-diff); err != nil {
				return err
			}
		}
		w.stamps[w.head] = w.now()
		w.head = (w.head + 1) % w.limit
		return nil
	}
	w.stamps = append(w.stamps, w.now())
	return nil
}

// Reset forgets all recorded sends.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = w.stamps[:0]
	w.head = 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
