package config

// Config is the on-disk configuration. JSON and YAML are accepted; unknown
// keys are rejected. Durations are Go duration strings ("500ms", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Delivery DeliveryConfig `json:"delivery"`
	Schedule ScheduleConfig `json:"schedule"`
	Storage  StorageConfig  `json:"storage"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// DevChatID receives warnings and errors from the log sink. 0 disables it.
	DevChatID int64 `json:"dev_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level     string           `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console   bool             `json:"console"`
	File      LoggingFile      `json:"file"`
	Developer LoggingDeveloper `json:"developer"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type LoggingDeveloper struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"min=0,max=30"`
}

// DeliveryConfig controls send rates and message limits.
//
// Defaults (when zero):
//   - broadcast_rate: 25
//   - interactive_rate: 5
//   - window: "1050ms"
//   - max_message_bytes: 4096
//   - caption_limit: 1024
type DeliveryConfig struct {
	BroadcastRate   int    `json:"broadcast_rate,omitempty" validate:"min=0,max=30"`
	InteractiveRate int    `json:"interactive_rate,omitempty" validate:"min=0,max=30"`
	Window          string `json:"window,omitempty"`
	MaxMessageBytes int    `json:"max_message_bytes,omitempty" validate:"omitempty,min=64"`
	CaptionLimit    int    `json:"caption_limit,omitempty" validate:"omitempty,min=16"`
	DisablePreview  bool   `json:"disable_preview,omitempty"`
	// Graphs are attached to every daily report (paths or URLs).
	Graphs []string `json:"graphs,omitempty" validate:"dive,required"`
}

// ScheduleConfig controls when report runs are triggered.
//
// Reports accepts a cron expression ("0 8 * * *"), "interval:<dur>" or "HH:MM".
// Empty disables scheduled runs.
type ScheduleConfig struct {
	Reports  string `json:"reports,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path" validate:"required"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the optional metrics/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback addr requires a token or
// allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
