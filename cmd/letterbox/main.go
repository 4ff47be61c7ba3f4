package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/modfin/henry/slicez"
	"github.com/urfave/cli/v2"

	"letterbox/internal/app"
	"letterbox/internal/config"
	"letterbox/internal/letter"
)

func main() {
	cliApp := &cli.App{
		Name:  "letterbox",
		Usage: "time-delayed letter and broadcast delivery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./letterbox.yaml",
				EnvVars: []string{"LETTERBOX_CONFIG"},
				Usage:   "path to the yaml or json config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the delivery engine, scheduler and ops server",
				Action: serve,
			},
			{
				Name:   "fix-encryption",
				Usage:  "rewrite letter fields so each carries exactly one encryption layer",
				Action: fixEncryption,
			},
			{
				Name:  "reschedule",
				Usage: "move a letter to a new delivery date and reset it to SCHEDULED",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true, Usage: "letter id"},
					&cli.StringFlag{Name: "at", Required: true, Usage: "new delivery date, RFC 3339 or YYYY-MM-DD"},
					&cli.BoolFlag{Name: "public", Usage: "set visibility; omit to keep it"},
				},
				Action: reschedule,
			},
			{
				Name:   "queue-stats",
				Usage:  "print job counts per kind",
				Action: queueStats,
			},
		},
		Action: serve,
	}

	if err := cliApp.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	a, err := app.New(ctx, c.String("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// no-op outside systemd
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}

// withCore builds the component graph without starting it, runs fn and
// closes the database.
func withCore(c *cli.Context, fn func(ctx context.Context, core *app.Core) error) error {
	cfgm := config.NewConfigManager(c.String("config"))
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	sec, err := config.LoadSecrets()
	if err != nil {
		return err
	}
	// one-shot commands stay quiet unless something goes wrong
	cfg.Logging.Console = true
	cfg.Logging.Level = "warn"
	cfg.Logging.Alert.Enabled = false

	core, err := app.Build(c.Context, cfg, sec)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()
	return fn(c.Context, core)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fixEncryption(c *cli.Context) error {
	return withCore(c, func(ctx context.Context, core *app.Core) error {
		rep, err := core.Letters.FixEncryptionLayering(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

func reschedule(c *cli.Context) error {
	at, err := letter.ParseDeliveryDate(c.String("at"), time.Now())
	if err != nil {
		return err
	}
	var public *bool
	if c.IsSet("public") {
		v := c.Bool("public")
		public = &v
	}
	return withCore(c, func(ctx context.Context, core *app.Core) error {
		l, err := core.Letters.Reschedule(ctx, c.String("id"), at, public)
		if errors.Is(err, letter.ErrNotFound) {
			return fmt.Errorf("letter %s not found", c.String("id"))
		}
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"id":         l.ID,
			"status":     l.Status,
			"deliveryAt": l.DeliveryAt,
			"isPublic":   l.IsPublic,
			"jobId":      l.JobID,
		})
	})
}

func queueStats(c *cli.Context) error {
	return withCore(c, func(ctx context.Context, core *app.Core) error {
		stats, err := core.Sched.QueueStats(ctx)
		if err != nil {
			return err
		}
		kinds := make([]string, 0, len(stats))
		for k := range stats {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "KIND\tWAITING\tDELAYED\tACTIVE\tCOMPLETED\tFAILED")
		rows := slicez.Map(kinds, func(k string) string {
			s := stats[k]
			return fmt.Sprintf("%s\t%d\t%d\t%d\t%d\t%d", k, s.Waiting, s.Delayed, s.Active, s.Completed, s.Failed)
		})
		for _, r := range rows {
			_, _ = fmt.Fprintln(tw, r)
		}
		return tw.Flush()
	})
}
