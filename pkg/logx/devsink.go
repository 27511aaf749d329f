package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a plain-text notification to the developer chat.
type Sender interface {
	NotifyDeveloper(ctx context.Context, text string) error
}

const (
	devQueueSize   = 256
	devSendTimeout = 10 * time.Second
	devMaxMessage  = 3500
	devMaxValue    = 600
)

// devSink is a zerolog.LevelWriter that forwards entries at or above a
// minimum level to the developer chat. Logging never blocks on it: entries
// over the rate limit or beyond the queue are dropped.
type devSink struct {
	queue chan string

	mu       sync.Mutex
	sender   Sender
	minLevel Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newDevSink(sender Sender) *devSink {
	return &devSink{queue: make(chan string, devQueueSize), sender: sender, minLevel: LevelWarn}
}

func (d *devSink) setSender(s Sender) {
	d.mu.Lock()
	d.sender = s
	d.mu.Unlock()
}

// configure updates the threshold and rate, and starts the worker the first
// time the sink is enabled.
func (d *devSink) configure(cfg DeveloperConfig) {
	rps := max(1, cfg.RatePerSec)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	d.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && d.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel, d.done = cancel, make(chan struct{})
		go d.run(ctx, d.done)
	}
}

func (d *devSink) close() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (d *devSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.mu.Lock()
			s := d.sender
			d.mu.Unlock()
			if s == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, devSendTimeout)
			_ = s.NotifyDeveloper(sctx, msg)
			cancel()
		}
	}
}

func (d *devSink) Write(p []byte) (int, error) { return d.WriteLevel(LevelInfo, p) }

func (d *devSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	d.mu.Lock()
	ok := d.sender != nil && d.limiter != nil && level >= d.minLevel && d.limiter.Allow()
	d.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if msg := formatDeveloperJSON(p); msg != "" {
		select {
		case d.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

// formatDeveloperJSON renders a zerolog JSON line as
// "[LEVEL] message" followed by "- key=value" lines in key order.
// Input that is not JSON is passed through trimmed.
func formatDeveloperJSON(p []byte) string {
	p = bytes.TrimSpace(p)
	var entry map[string]any
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&entry); err != nil {
		return clip(string(p), devMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := entry[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := entry[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(entry[k]), devMaxValue))
	}
	return clip(b.String(), devMaxMessage)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
