// Package app wires configuration, storage, transport, delivery and the
// report scheduler into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"covidbot/internal/commands"
	"covidbot/internal/config"
	"covidbot/internal/delivery"
	"covidbot/internal/observability/debugsrv"
	"covidbot/internal/ratelimit"
	"covidbot/internal/report"
	"covidbot/internal/scheduler"
	"covidbot/internal/storage"
	"covidbot/internal/transport/telegram"
	"covidbot/pkg/logx"
)

const reportJob = "reports"

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	reg  *prometheus.Registry

	store    *storage.Store
	tg       *telegram.Adapter
	batch    *ratelimit.Window
	inter    *ratelimit.Window
	disp     *delivery.Dispatcher
	producer *report.Producer
	router   *commands.Router
	sched    *scheduler.Service
	debug    *debugsrv.Service

	fatal chan error
}

// New loads the config at cfgPath and builds every component. Nothing talks
// to the network or starts goroutines beyond the logger until Run.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, root := logx.New(mapLoggingConfig(cfg), nil)
	log := root.With(logx.String("comp", "app"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := delivery.NewMetrics(reg)

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	tg, err := telegram.New(tcfg, metrics, root)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(tg)

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	store, err := storage.Open(ctx, scfg, root)
	if err != nil {
		logs.Close()
		return nil, err
	}

	rl, err := mapRateLimits(cfg)
	if err != nil {
		_ = store.Close()
		logs.Close()
		return nil, err
	}
	batch, inter := newLimiters(rl)

	disp := delivery.New(mapDeliveryConfig(cfg), delivery.Deps{
		Transport:   tg,
		Classify:    telegram.Classify,
		Registry:    store,
		Batch:       batch,
		Interactive: inter,
		Metrics:     metrics,
		Log:         root,
	})
	producer := report.NewProducer(store, root, report.WithGraphs(cfg.Delivery.Graphs...))

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		reg:      reg,
		store:    store,
		tg:       tg,
		batch:    batch,
		inter:    inter,
		disp:     disp,
		producer: producer,
		router:   commands.NewRouter(store, producer, root),
		sched:    scheduler.New(mapSchedulerConfig(cfg), root),
		fatal:    make(chan error, 1),
	}
	a.debug = debugsrv.New(mapDebugConfig(cfg), reg, store.Ping, root,
		debugsrv.WithStatus(func() any { return a.sched.Snapshot() }))
	return a, nil
}

// Run serves inbound commands, runs scheduled report deliveries and watches
// the config file until ctx is done or a fatal delivery error occurs.
func (a *App) Run(ctx context.Context) error {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	if err := a.scheduleReports(a.cfgm.Get()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	inbound := make(chan telegram.Inbound, 256)
	if err := a.tg.Start(gctx, inbound); err != nil {
		return err
	}
	a.sched.Start(gctx)
	a.debug.Start(gctx)
	a.publishMenu(gctx)

	g.Go(func() error {
		return serveInbound(gctx, inbound, a.router, a.disp, a.tg, a.log.With(logx.String("comp", "inbound")))
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-a.fatal:
			return err
		}
	})
	sub := a.cfgm.Subscribe(8)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(gctx, sub)
		return nil
	})
	g.Go(func() error { return a.cfgm.Watch(gctx) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")

	<-gctx.Done()
	reason := StopSignal
	if ctx.Err() == nil {
		reason = StopFatalError
	}
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.shutdown(reason)

	err := g.Wait()
	if err != nil {
		a.log.Error("app stopped with error", logx.Err(err))
	}
	return err
}

// shutdown stops the background services, each bounded by its own timeout.
func (a *App) shutdown(reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("telegram", 2*time.Second, a.tg.Stop)
}

// Close releases the store and flushes the logger. Call it once after Run
// or the one-shot operations.
func (a *App) Close() error {
	err := a.store.Close()
	a.log.Info("stopped")
	a.logs.Close()
	return err
}

// fail reports a fatal delivery error to Run. Only the first one is kept.
func (a *App) fail(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

func (a *App) scheduleReports(cfg *config.Config) error {
	spec := strings.TrimSpace(cfg.Schedule.Reports)
	if spec == "" {
		if a.sched.Remove(reportJob) {
			a.log.Info("scheduled reports disabled")
		}
		return nil
	}
	return a.sched.AddSchedule(reportJob, spec, reportTimeout, a.runReports)
}

func (a *App) runReports(ctx context.Context) error {
	res, err := sendReports(ctx, a.producer, a.disp, a.log)
	if delivery.IsFatal(err) {
		a.fail(err)
	}
	if err == nil && res.Summary.Total() > 0 {
		a.log.Info("reports delivered",
			logx.Int("sent", res.Summary.Sent),
			logx.Int("blocked", res.Summary.Blocked),
			logx.Int("transient", res.Summary.Transient))
	}
	return err
}

func (a *App) publishMenu(ctx context.Context) {
	menu := a.router.Menu()
	cmds := make([]telegram.Command, 0, len(menu))
	for _, m := range menu {
		cmds = append(cmds, telegram.Command{Name: m.Name, Description: m.Description})
	}
	if err := a.tg.UpdateMenuCommands(ctx, cmds); err != nil {
		a.log.Warn("update menu commands failed", logx.Err(err))
	}
}

// SendReports delivers all pending reports once. The error wraps
// delivery.ErrFatalTransport or delivery.ErrConfiguration when the run had to
// stop.
func (a *App) SendReports(ctx context.Context) (delivery.Result, error) {
	return sendReports(ctx, a.producer, a.disp, a.log)
}

// Broadcast sends an HTML message to the given recipients, or to every
// activated user when none are given.
func (a *App) Broadcast(ctx context.Context, text string, to []delivery.Recipient) (delivery.Result, error) {
	if strings.TrimSpace(text) == "" {
		return delivery.Result{}, errors.New("message is empty")
	}
	if len(to) == 0 {
		all, err := a.store.ActiveRecipients(ctx)
		if err != nil {
			return delivery.Result{}, err
		}
		to = all
	}
	return a.disp.Broadcast(ctx, text, to)
}

// Subscribe adds a subscription for a user on their behalf.
func (a *App) Subscribe(ctx context.Context, to delivery.Recipient, rs int) (bool, error) {
	if _, err := a.store.District(ctx, rs); err != nil {
		return false, fmt.Errorf("district %d: %w", rs, err)
	}
	return a.store.AddSubscription(ctx, to, rs)
}

// ImportData loads district figures in the dataFile format.
func (a *App) ImportData(ctx context.Context, r io.Reader) (int, int, error) {
	districts, data, err := parseDataFile(r)
	if err != nil {
		return 0, 0, err
	}
	if err := a.store.ImportDistrictData(ctx, districts, data); err != nil {
		return 0, 0, err
	}
	a.log.Info("district data imported", logx.Int("districts", len(districts)), logx.Int("rows", len(data)))
	return len(districts), len(data), nil
}

// Statistics returns the usage numbers shown by the statistik command.
func (a *App) Statistics(ctx context.Context) (storage.Statistics, error) {
	return a.store.Statistics(ctx, 10)
}

// SetActivated enables or disables report delivery and commands for a user.
func (a *App) SetActivated(ctx context.Context, id delivery.Recipient, on bool) error {
	if _, err := a.store.User(ctx, id); err != nil {
		return fmt.Errorf("user %s: %w", id, err)
	}
	if on {
		return a.store.EnableRecipient(ctx, id)
	}
	return a.store.DisableRecipient(ctx, id)
}
