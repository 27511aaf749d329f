// Package debugsrv serves Prometheus metrics, a health probe and pprof on an
// optional HTTP listener.
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"covidbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// HealthFunc reports readiness for /healthz. A nil error means healthy.
type HealthFunc func(ctx context.Context) error

// StatusFunc returns a JSON-encodable view of runtime state for /status.
type StatusFunc func() any

type Option func(*Service)

// WithStatus serves status() as JSON on /status.
func WithStatus(status StatusFunc) Option {
	return func(s *Service) { s.status = status }
}

type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	gatherer prometheus.Gatherer
	health   HealthFunc
	status   StatusFunc

	srv    *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Service{cfg: cfg, gatherer: gatherer, health: health, log: log.With(logx.String("comp", "debugsrv"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.done != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start runs the server in the background with restart backoff. It is a
// no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || !s.cfg.Enabled {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	const (
		backoffBase = 500 * time.Millisecond
		backoffMax  = 10 * time.Second
	)
	backoff := backoffBase
	for {
		err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("debug server exited; restarting", logx.Err(err), logx.Duration("backoff", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop shuts the server down and waits until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done, srv := s.cancel, s.done, s.srv
	s.cancel, s.done, s.srv = nil, nil, nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	select {
	case <-done:
		s.log.Info("debug server stopped")
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	// Prevent accidental public exposure without auth.
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		return errors.New("refused to start: non-loopback addr requires token or allow_insecure")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the mux: /metrics, /healthz, /status and /debug/pprof/.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	token := s.cfg.Token
	s.mu.Unlock()
	wrap := func(h http.Handler) http.Handler { return withAuth(token, h) }

	mux := http.NewServeMux()
	mux.Handle("/metrics", wrap(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	mux.Handle("/healthz", wrap(http.HandlerFunc(s.healthz)))
	if s.status != nil {
		mux.Handle("/status", wrap(http.HandlerFunc(s.statusz)))
	}
	mux.Handle("/debug/pprof/", wrap(http.HandlerFunc(hpprof.Index)))
	mux.Handle("/debug/pprof/cmdline", wrap(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", wrap(http.HandlerFunc(hpprof.Profile)))
	mux.Handle("/debug/pprof/symbol", wrap(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle("/debug/pprof/trace", wrap(http.HandlerFunc(hpprof.Trace)))
	return mux
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) statusz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.status()); err != nil {
		s.log.Debug("encode status failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
