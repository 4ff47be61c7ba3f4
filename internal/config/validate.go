package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that would fail at apply time. It runs on the
// initial load and before every hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			check(fmt.Errorf("%s must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "postgres":
	default:
		check(fmt.Errorf("storage.driver: unsupported %q (want sqlite or postgres)", cfg.Storage.Driver))
	}
	duration("storage.busy_timeout", cfg.Storage.BusyTimeout)
	nonNegative("storage.max_open_conns", cfg.Storage.MaxOpenConns)

	duration("engine.poll_interval", cfg.Engine.PollInterval)
	duration("engine.lease", cfg.Engine.Lease)
	duration("engine.retention", cfg.Engine.Retention)
	nonNegative("engine.history_size", cfg.Engine.HistorySize)

	nonNegative("delivery.rate_per_sec", cfg.Delivery.RatePerSec)
	nonNegative("delivery.max_attempts", cfg.Delivery.MaxAttempts)
	duration("delivery.immediate_threshold", cfg.Delivery.ImmediateThreshold)
	duration("delivery.backoff_base", cfg.Delivery.BackoffBase)
	duration("delivery.timeout", cfg.Delivery.Timeout)

	_, err := ParseLocation("scheduler.timezone", cfg.Scheduler.Timezone)
	check(err)

	nonNegative("broadcast.batch_size", cfg.Broadcast.BatchSize)
	nonNegative("broadcast.status_history", cfg.Broadcast.StatusHistory)
	duration("broadcast.batch_pause", cfg.Broadcast.BatchPause)
	for i, r := range cfg.Broadcast.TestRecipients {
		if !strings.Contains(r.Email, "@") {
			check(fmt.Errorf("broadcast.test_recipients[%d]: invalid email %q", i, r.Email))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Mail.Transport)) {
	case "", "log":
	case "smtp":
		if strings.TrimSpace(cfg.Mail.Host) == "" {
			check(errors.New("mail.host is required for the smtp transport"))
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			check(errors.New("mail.from is required for the smtp transport"))
		}
	default:
		check(fmt.Errorf("mail.transport: unsupported %q (want smtp or log)", cfg.Mail.Transport))
	}
	duration("mail.timeout", cfg.Mail.Timeout)

	if n := cfg.Notifier; n != nil {
		nonNegative("notifier.workers", n.Workers)
		nonNegative("notifier.queue_size", n.QueueSize)
		nonNegative("notifier.retry_max", n.RetryMax)
		duration("notifier.retry_base", n.RetryBase)
		duration("notifier.retry_max_delay", n.RetryMaxDelay)
	}

	duration("ops.read_timeout", cfg.Ops.ReadTimeout)
	duration("ops.write_timeout", cfg.Ops.WriteTimeout)
	duration("ops.idle_timeout", cfg.Ops.IdleTimeout)

	if cfg.Logging.Alert.Enabled && cfg.Logging.Alert.ChatID == 0 {
		check(errors.New("logging.alert.chat_id is required when alerts are enabled"))
	}
	nonNegative("logging.alert.rate_per_sec", cfg.Logging.Alert.RatePerSec)

	return errors.Join(errs...)
}
