package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Mail      MailConfig      `json:"mail"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ records to a Telegram chat.
// The bot token comes from LETTERBOX_TELEGRAM_TOKEN.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./letterbox.db" }
//
// For driver "postgres" the DSN is read from LETTERBOX_DATABASE_DSN.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// EngineConfig controls the durable queue consumer.
//
// Defaults:
//   - poll_interval: "1s"
//   - lease: "5m"
//   - history_size: 200
//   - retention: "168h" (finished jobs older than this are pruned daily)
type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	Lease        string `json:"lease,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
	Retention    string `json:"retention,omitempty"`
}

// DeliveryConfig controls letter delivery jobs.
//
// Defaults:
//   - rate_per_sec: 1
//   - immediate_threshold: "60s"
//   - max_attempts: 3
//   - backoff_base: "5s"
//   - timeout: "1m"
type DeliveryConfig struct {
	RatePerSec         int    `json:"rate_per_sec,omitempty"`
	ImmediateThreshold string `json:"immediate_threshold,omitempty"`
	MaxAttempts        int    `json:"max_attempts,omitempty"`
	BackoffBase        string `json:"backoff_base,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
}

// SchedulerConfig controls the cron registry for recurring broadcasts.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// BroadcastConfig controls broadcast fan-out.
//
// Defaults:
//   - batch_size: 1
//   - batch_pause: "1s"
//   - status_history: 100
type BroadcastConfig struct {
	BatchSize      int               `json:"batch_size,omitempty"`
	BatchPause     string            `json:"batch_pause,omitempty"`
	StatusHistory  int               `json:"status_history,omitempty"`
	TestRecipients []RecipientConfig `json:"test_recipients,omitempty"`
}

// RecipientConfig is one entry of the operator-controlled "personal" audience.
type RecipientConfig struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// MailConfig selects the transport. Transport "log" writes mail to the log
// instead of sending it. The SMTP password comes from LETTERBOX_SMTP_PASSWORD.
type MailConfig struct {
	Transport string `json:"transport"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username,omitempty"`
	From      string `json:"from"`
	FromName  string `json:"from_name,omitempty"`
	AppURL    string `json:"app_url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// OpsConfig controls the admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8081").
//   - A non-loopback address requires LETTERBOX_ADMIN_TOKEN or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:       true,
		Workers:       2,
		QueueSize:     512,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
	}
}
