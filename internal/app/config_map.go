package app

import (
	"fmt"
	"strings"
	"time"

	"letterbox/internal/alert"
	"letterbox/internal/broadcast"
	"letterbox/internal/config"
	"letterbox/internal/delivery"
	"letterbox/internal/mailer"
	"letterbox/internal/notifier"
	"letterbox/internal/ops"
	"letterbox/internal/storage"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

const defaultRetention = 7 * 24 * time.Hour

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// mapAlertConfig reports false when alerts are off or no bot token is set.
func mapAlertConfig(cfg *config.Config, sec config.Secrets) (alert.Config, bool) {
	a := cfg.Logging.Alert
	if !a.Enabled || strings.TrimSpace(sec.TelegramToken) == "" || a.ChatID == 0 {
		return alert.Config{}, false
	}
	return alert.Config{
		Token:    sec.TelegramToken,
		ChatIDs:  []int64{a.ChatID},
		ThreadID: a.ThreadID,
	}, true
}

func mapStorageConfig(cfg *config.Config, sec config.Secrets) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "", storage.DriverSQLite:
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./letterbox.db"
		}
		return storage.Config{Driver: storage.DriverSQLite, Path: path, BusyTimeout: busy}, nil
	case storage.DriverPostgres:
		if strings.TrimSpace(sec.DatabaseDSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.driver=postgres requires LETTERBOX_DATABASE_DSN")
		}
		return storage.Config{Driver: storage.DriverPostgres, DSN: sec.DatabaseDSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	poll, err := config.ParseDurationField("engine.poll_interval", e.PollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	lease, err := config.ParseDurationField("engine.lease", e.Lease)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{PollInterval: poll, Lease: lease, HistorySize: e.HistorySize}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("engine.retention", cfg.Engine.Retention, defaultRetention)
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	d := cfg.Delivery
	threshold, err := config.ParseDurationField("delivery.immediate_threshold", d.ImmediateThreshold)
	if err != nil {
		return scheduler.Config{}, err
	}
	backoff, err := config.ParseDurationField("delivery.backoff_base", d.BackoffBase)
	if err != nil {
		return scheduler.Config{}, err
	}
	if _, err := config.ParseLocation("scheduler.timezone", cfg.Scheduler.Timezone); err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:            cfg.Scheduler.Enabled,
		Timezone:           cfg.Scheduler.Timezone,
		ImmediateThreshold: threshold,
		Retry:              engine.RetryPolicy{MaxAttempts: d.MaxAttempts, Backoff: backoff},
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	threshold, err := config.ParseDurationField("delivery.immediate_threshold", d.ImmediateThreshold)
	if err != nil {
		return delivery.Config{}, err
	}
	timeout, err := config.ParseDurationField("delivery.timeout", d.Timeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RatePerSec:         float64(d.RatePerSec),
		Timeout:            timeout,
		ImmediateThreshold: threshold,
	}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	pause, err := config.ParseDurationField("broadcast.batch_pause", b.BatchPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	personal := make([]broadcast.Recipient, 0, len(b.TestRecipients))
	for _, r := range b.TestRecipients {
		personal = append(personal, broadcast.Recipient{Email: r.Email, Name: r.Name})
	}
	return broadcast.Config{
		BatchSize:     b.BatchSize,
		BatchPause:    pause,
		Personal:      personal,
		StatusHistory: b.StatusHistory,
	}, nil
}

func mapMailConfig(cfg *config.Config, sec config.Secrets) (mailer.Config, error) {
	m := cfg.Mail
	timeout, err := config.ParseDurationField("mail.timeout", m.Timeout)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		Transport: m.Transport,
		Host:      m.Host,
		Port:      m.Port,
		Username:  m.Username,
		Password:  sec.SMTPPassword,
		From:      m.From,
		FromName:  m.FromName,
		AppURL:    m.AppURL,
		Timeout:   timeout,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	base, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	mutex, block := 0, 0
	if o.Pprof {
		mutex, block = 5, 10000
	}
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: mutex,
		BlockProfileRate:     block,
	}, nil
}

// checkConfig runs every mapper so a reload that would fail at apply time
// is rejected before it is committed.
func checkConfig(cfg *config.Config, sec config.Secrets) error {
	if _, err := mapStorageConfig(cfg, sec); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetention(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMailConfig(cfg, sec); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapOpsConfig(cfg)
	return err
}
