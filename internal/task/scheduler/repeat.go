package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"

	"letterbox/internal/eventbus"
	logx "letterbox/pkg/logx"
)

const (
	fireTimeout  = 30 * time.Second
	fireLookback = time.Minute
)

// InstallRepeat registers fire under key. Installing an existing key
// replaces its FireFunc.
func (s *Service) InstallRepeat(key RepeatKey, fire FireFunc) error {
	if key.ScheduleID == "" || fire == nil {
		return fmt.Errorf("install repeat: schedule id and fire func required")
	}
	sched, err := parseRepeat(key.Cron)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.repeats[key]; old != nil {
		s.removeCronLocked(old)
	}
	d := &repeatDef{key: key, sched: sched, fire: fire}
	s.repeats[key] = d
	if s.c != nil {
		s.addCronLocked(d)
	}
	s.log.Info("repeat installed", logx.String("schedule", key.ScheduleID), logx.String("cron", key.Cron))
	return nil
}

// RemoveRepeat unregisters key. It reports whether key was installed.
func (s *Service) RemoveRepeat(key RepeatKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.repeats[key]
	if d == nil {
		return false
	}
	s.removeCronLocked(d)
	delete(s.repeats, key)
	s.log.Info("repeat removed", logx.String("schedule", key.ScheduleID), logx.String("cron", key.Cron))
	return true
}

// RemoveSchedule unregisters every repeat of scheduleID and returns how
// many were removed.
func (s *Service) RemoveSchedule(scheduleID string) int {
	s.mu.Lock()
	var keys []RepeatKey
	for k := range s.repeats {
		if k.ScheduleID == scheduleID {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		if s.RemoveRepeat(k) {
			n++
		}
	}
	return n
}

func (s *Service) addCronLocked(d *repeatDef) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() { s.fire(d) }))
}

func (s *Service) removeCronLocked(d *repeatDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (s *Service) fire(d *repeatDef) {
	s.mu.Lock()
	ctx := s.ctx
	loc := s.loc
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if loc == nil {
		loc = time.UTC
	}

	at := scheduledInstant(d.sched, s.now().In(loc)).UTC()
	fctx, cancel := context.WithTimeout(ctx, fireTimeout)
	defer cancel()
	if err := d.fire(fctx, d.key, at); err != nil {
		s.reportFireError(d.key, err)
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.BroadcastFired, Time: at, Data: RepeatInfo{ScheduleID: d.key.ScheduleID, Cron: d.key.Cron, Prev: at}})
	s.log.Debug("repeat fired", logx.String("schedule", d.key.ScheduleID), logx.Time("at", at))
}

// scheduledInstant recovers the trigger time the cron loop fired for, so
// every process firing the same entry derives the same instant.
func scheduledInstant(sched cron.Schedule, now time.Time) time.Time {
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return now.Truncate(time.Second)
	}
	var last time.Time
	t := now.Add(-fireLookback)
	for i := 0; i < 128; i++ {
		n := sched.Next(t)
		if n.IsZero() || n.After(now) {
			break
		}
		last, t = n, n
	}
	if last.IsZero() {
		return now.Truncate(time.Second)
	}
	return last
}

// RepeatJobID is the job id of one firing: repeat:<schedule>:<cron hash>:<unix>.
func RepeatJobID(key RepeatKey, at time.Time) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.Cron))
	return fmt.Sprintf("repeat:%s:%08x:%d", key.ScheduleID, h.Sum32(), at.Unix())
}
