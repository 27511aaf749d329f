package config

import (
	"reflect"
	"sort"
	"strings"

	"covidbot/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		oldCfg.Telegram.DevChatID != newCfg.Telegram.DevChatID ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.dev_chat_set", newCfg.Telegram.DevChatID != 0),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.developer_enabled", newCfg.Logging.Developer.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.broadcast_rate", newCfg.Delivery.BroadcastRate),
			logx.Int("delivery.interactive_rate", newCfg.Delivery.InteractiveRate),
			logx.String("delivery.window", strings.TrimSpace(newCfg.Delivery.Window)),
			logx.Int("delivery.max_message_bytes", newCfg.Delivery.MaxMessageBytes),
			logx.Int("delivery.graphs", len(newCfg.Delivery.Graphs)),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.reports", strings.TrimSpace(newCfg.Schedule.Reports)),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Debug (never log token)
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RequiresRestart reports sections that cannot be applied to a running process.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage":
			out = append(out, s)
		}
	}
	return out
}
