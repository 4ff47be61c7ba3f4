package scheduler

import (
	"context"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"letterbox/internal/eventbus"
	logx "letterbox/pkg/logx"
)

func New(cfg Config, q Enqueuer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		q:           q,
		parser:      cronParser,
		repeats:     map[RepeatKey]*repeatDef{},
		lastEnqWarn: map[string]time.Time{},
		now:         time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A timezone change restarts the cron loop; toggling
// Enabled starts or stops it.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	wasEnabled := s.cfg.Enabled
	s.cfg = cfg

	if s.ctx == nil {
		return
	}
	switch {
	case wasEnabled && !cfg.Enabled:
		s.stopCronLocked()
		s.log.Info("cron stopped by config")
	case !wasEnabled && cfg.Enabled:
		s.startCronLocked()
	case s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone):
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins cron triggering. Repeats installed before Start are
// registered now.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx = ctx
	if !s.cfg.Enabled {
		s.log.Info("cron disabled; recurring broadcasts will not fire")
		return
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.repeats {
		s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("cron started", logx.String("tz", loc.String()), logx.Int("repeats", len(s.repeats)))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// Running firings finish on their own; waiting here under s.mu would
	// deadlock with fire.
	s.c.Stop()
	s.c = nil
	for _, d := range s.repeats {
		d.entryID = 0
	}
}

// Stop stops triggering and waits for running firings until ctx is done.
// Installed repeats are kept.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ctx = nil
	for _, d := range s.repeats {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}
