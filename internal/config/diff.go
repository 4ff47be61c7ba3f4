package config

import (
	"reflect"
	"sort"
	"strings"

	logx "letterbox/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Secrets never live in Config, so nothing here can leak one.
// Sections marked restart-only are reported in the third return value.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	var restart []string

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.poll_interval", newCfg.Engine.PollInterval),
			logx.String("engine.lease", newCfg.Engine.Lease),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.max_attempts", newCfg.Delivery.MaxAttempts),
			logx.String("delivery.backoff_base", newCfg.Delivery.BackoffBase),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		restart = append(restart, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.batch_size", newCfg.Broadcast.BatchSize),
			logx.String("broadcast.batch_pause", newCfg.Broadcast.BatchPause),
			logx.Int("broadcast.test_recipients", len(newCfg.Broadcast.TestRecipients)),
		)
	}

	if oldCfg.Mail != newCfg.Mail {
		changed = append(changed, "mail")
		restart = append(restart, "mail")
		attrs = append(attrs,
			logx.String("mail.transport", newCfg.Mail.Transport),
			logx.Bool("mail.host_set", strings.TrimSpace(newCfg.Mail.Host) != ""),
		)
	}

	defN := DefaultNotifier()
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &defN
	}
	if newN == nil {
		newN = &defN
	}
	if *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}
