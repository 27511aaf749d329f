package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"covidbot/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	// ErrAlreadyRunning is returned by Trigger when the previous run of the
	// same job has not finished. Scheduled ticks are skipped the same way.
	ErrAlreadyRunning = errors.New("scheduler: job already running")
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  error
}

// Service triggers named jobs from cron or interval schedules. A job never
// overlaps itself.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	base   context.Context
	defs   []*jobDef
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		base:   context.Background(),
	}
}

// AddSchedule registers job under name, replacing an existing job with the
// same name. timeout <= 0 means no per-run timeout.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.CronSpec()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			return err
		}
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. Runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = ctx
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

// Apply updates the timezone, restarting the cron loop when it changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("stop timed out with jobs still running")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Trigger runs the named job now in the caller's goroutine.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *jobDef
	for _, cur := range s.defs {
		if cur.name == name {
			d = cur
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, d)
}

func (s *Service) addCronLocked(d *jobDef) error {
	base := s.base
	id, err := s.c.AddFunc(d.spec, func() {
		if err := s.run(base, d); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Warn("scheduled run failed", logx.String("name", d.name), logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) run(ctx context.Context, d *jobDef) error {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("previous run still active; skipping", logx.String("name", d.name))
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)
	d.runs.Add(1)

	d.mu.Lock()
	d.lastRun, d.lastTook, d.lastErr = start, took, err
	d.mu.Unlock()

	s.log.Debug("run finished", logx.String("name", d.name), logx.Duration("took", took), logx.Bool("ok", err == nil))
	return err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists upcoming run times at debug level only.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// cronLogger routes robfig/cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
