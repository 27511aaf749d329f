package app

import (
	"fmt"
	"strings"
	"time"

	"covidbot/internal/config"
	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/internal/observability/debugsrv"
	"covidbot/internal/ratelimit"
	"covidbot/internal/scheduler"
	"covidbot/internal/storage"
	"covidbot/internal/transport/telegram"
	"covidbot/pkg/logx"
)

// reportTimeout bounds one scheduled report run.
const reportTimeout = 30 * time.Minute

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		DevChatID:   cfg.Telegram.DevChatID,
		PollTimeout: poll,
	}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Developer: logx.DeveloperConfig{
			// Without a developer chat there is nobody to notify.
			Enabled:    lc.Developer.Enabled && cfg.Telegram.DevChatID != 0,
			MinLevel:   lc.Developer.MinLevel,
			RatePerSec: lc.Developer.RatePerSec,
		},
	}
}

// rateLimits are the effective send limits of both limiters.
type rateLimits struct {
	Broadcast   int
	Interactive int
	Window      time.Duration
}

func mapRateLimits(cfg *config.Config) (rateLimits, error) {
	dc := cfg.Delivery
	window, err := config.ParseDurationOrDefault("delivery.window", dc.Window, ratelimit.DefaultWindow)
	if err != nil {
		return rateLimits{}, err
	}
	rl := rateLimits{Broadcast: dc.BroadcastRate, Interactive: dc.InteractiveRate, Window: window}
	if rl.Broadcast <= 0 {
		rl.Broadcast = ratelimit.DefaultBroadcastLimit
	}
	if rl.Interactive <= 0 {
		rl.Interactive = ratelimit.DefaultInteractiveLimit
	}
	return rl, nil
}

// newLimiters builds the sliding windows for scheduled batches and for
// interactive traffic.
func newLimiters(rl rateLimits, opts ...ratelimit.Option) (batch, inter *ratelimit.Window) {
	opts = append([]ratelimit.Option{ratelimit.WithSpan(rl.Window)}, opts...)
	return ratelimit.NewWindow(rl.Broadcast, opts...), ratelimit.NewWindow(rl.Interactive, opts...)
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		Limits: format.PlatformLimits{
			MaxMessageBytes: cfg.Delivery.MaxMessageBytes,
			CaptionChars:    cfg.Delivery.CaptionLimit,
			Target:          format.TargetHTML,
		},
		DisablePreview: cfg.Delivery.DisablePreview,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Schedule.Timezone)}
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

// validateConfig rejects values the struct tags cannot express. It runs before
// a reloaded config is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRateLimits(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if s := strings.TrimSpace(cfg.Schedule.Reports); s != "" {
		if _, err := scheduler.ParseSchedule(s); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: invalid %q: %w", tz, err)
		}
	}
	return nil
}
