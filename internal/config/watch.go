package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"covidbot/pkg/logx"
)

const (
	reloadDelay    = 250 * time.Millisecond
	checkTimeout   = 5 * time.Second
	rewatchInitial = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// Watch reloads the config whenever its file changes until ctx is done.
// Editors often write a file in several steps, so reloads are debounced.
// A broken fsnotify watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	r := &debouncer{delay: reloadDelay, fn: func() { m.reload(ctx) }}
	defer r.stop()

	backoff := rewatchInitial
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, name, r, func() { backoff = rewatchInitial })
		if ctx.Err() != nil {
			break
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, rewatchMax)
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx is done.
func (m *Manager) watchOnce(ctx context.Context, dir, name string, r *debouncer, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				r.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			msg := strings.ToLower(err.Error())
			switch {
			case strings.Contains(msg, "overflow"):
				m.log.Warn("config watch overflow; reloading", logx.Err(err))
				r.trigger()
			case strings.Contains(msg, "closed"):
				return err
			default:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// reload reads the file and, if it parses, differs from the current config
// and passes the extra check, commits and publishes it.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same, check := h != 0 && h == m.hash, m.check
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return
	}
	if check != nil {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.set(cfg, h)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("hash", fmt.Sprintf("%x", h)))
}

// debouncer runs fn once after delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
