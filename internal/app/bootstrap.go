package app

import (
	"context"
	"errors"
	"fmt"

	"letterbox/internal/alert"
	"letterbox/internal/broadcast"
	"letterbox/internal/config"
	"letterbox/internal/delivery"
	"letterbox/internal/envelope"
	"letterbox/internal/eventbus"
	"letterbox/internal/letter"
	"letterbox/internal/mailer"
	"letterbox/internal/notifier"
	"letterbox/internal/storage"
	"letterbox/internal/task/engine"
	"letterbox/internal/task/scheduler"
	logx "letterbox/pkg/logx"
)

// Core is the component graph shared by serve and the one-shot commands.
// Nothing in it runs until App.Start; the one-shot commands only use the
// synchronous paths (store, scheduler enqueue, letter service).
type Core struct {
	Config  *config.Config
	Secrets config.Secrets

	Log  logx.Logger
	Logs *logx.Service
	Bus  eventbus.Bus

	Store  *storage.DB
	Cipher *envelope.Cipher

	Engine     *engine.Service
	Sched      *scheduler.Service
	Notifier   *notifier.Service
	Mailer     *mailer.Mailer
	Letters    *letter.Service
	Delivery   *delivery.Worker
	Broadcasts *broadcast.Service
}

// Build wires every component from cfg and sec. The caller owns Close.
func Build(ctx context.Context, cfg *config.Config, sec config.Secrets) (*Core, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := checkConfig(cfg, sec); err != nil {
		return nil, err
	}

	// Alerts stay off until the sender is installed, so Apply never warns
	// about a missing sender.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logs, root := logx.New(bootCfg)
	if ac, ok := mapAlertConfig(cfg, sec); ok {
		tg, err := alert.New(ac, root.With(logx.String("comp", "alert")))
		if err != nil {
			root.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			logs.SetAlertSender(tg)
		}
	} else if logCfg.Alert.Enabled {
		root.Warn("logging.alert enabled but LETTERBOX_TELEGRAM_TOKEN or chat_id is missing; alerts disabled")
		logCfg.Alert.Enabled = false
	}
	logs.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	c := &Core{Config: cfg, Secrets: sec, Log: log, Logs: logs, Bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	cipher, err := envelope.New(sec.EncryptionKey)
	if err != nil {
		return nil, err
	}
	c.Cipher = cipher

	sc, _ := mapStorageConfig(cfg, sec)
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	c.Store = store

	engCfg, _ := mapEngineConfig(cfg)
	c.Engine = engine.New(engCfg, store.Jobs(), root.With(logx.String("comp", "engine")), c.Bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	c.Sched = scheduler.New(schedCfg, c.Engine, root.With(logx.String("comp", "scheduler")), c.Bus)

	ncfg, _ := mapNotifierConfig(cfg)
	c.Notifier = notifier.New(ncfg, store, root.With(logx.String("comp", "notifier")), c.Bus)

	mcfg, _ := mapMailConfig(cfg, sec)
	m, err := mailer.Open(mcfg, root.With(logx.String("comp", "mailer")))
	if err != nil {
		return nil, err
	}
	c.Mailer = m

	c.Letters = letter.NewService(letter.Deps{
		Store:     store,
		Owners:    store,
		Cipher:    cipher,
		Scheduler: c.Sched,
		Notifier:  c.Notifier,
		Log:       root.With(logx.String("comp", "letters")),
		Bus:       c.Bus,
	})

	dcfg, _ := mapDeliveryConfig(cfg)
	c.Delivery = delivery.New(dcfg, delivery.Deps{
		Store:    store,
		Cipher:   cipher,
		Sender:   m,
		Notifier: c.Notifier,
		Log:      root.With(logx.String("comp", "delivery")),
		Bus:      c.Bus,
	})
	c.Delivery.Register(c.Engine)

	bcfg, _ := mapBroadcastConfig(cfg)
	c.Broadcasts = broadcast.New(bcfg, broadcast.Deps{
		Store:     store,
		Audiences: store,
		Scheduler: c.Sched,
		Sender:    m,
		Progress:  store,
		Log:       root.With(logx.String("comp", "broadcast")),
		Bus:       c.Bus,
	})
	c.Broadcasts.Register(c.Engine)

	ok = true
	return c, nil
}

// Close releases the database and flushes the log sinks.
func (c *Core) Close() error {
	var err error
	if c.Store != nil {
		err = c.Store.Close()
		c.Store = nil
	}
	if c.Logs != nil {
		_ = c.Logs.Close()
	}
	return err
}
