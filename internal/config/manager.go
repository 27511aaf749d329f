package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"

	"covidbot/pkg/logx"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Manager owns the current config and fans reloaded versions out to
// subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current *Config
	hash    uint64 // of current, to skip no-op rewrites
	check   func(context.Context, *Config) error

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator adds a check that reloaded configs must pass before they
// replace the current one. Struct tags are checked first.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.check = fn
	m.mu.Unlock()
}

// Decode parses JSON or YAML (see isYAML) strictly and validates the
// struct tags.
func Decode(name string, data []byte) (*Config, error) {
	raw, err := toJSON(name, data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == nil:
		return nil, errors.New("invalid config: trailing data")
	case !errors.Is(err, io.EOF):
		return nil, err
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (m *Manager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load reads the file and makes it the current config without notifying
// subscribers.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.set(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) set(cfg *Config, h uint64) {
	m.mu.Lock()
	m.current, m.hash = cfg, h
	m.mu.Unlock()
}

// Subscribe returns a channel that receives every accepted reload. A slow
// subscriber loses older versions, never the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil || cfg == nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
