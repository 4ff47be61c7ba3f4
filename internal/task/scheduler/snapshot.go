package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := s.cfg.Timezone
	if s.loc != nil {
		tz = s.loc.String()
	}
	if tz == "" {
		tz = "UTC"
	}
	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: tz,
		Repeats:  s.repeatsLocked(),
	}
}

// Repeats lists installed repeats with their next and previous trigger
// times. Times are zero while the cron loop is not running.
func (s *Service) Repeats() []RepeatInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeatsLocked()
}

func (s *Service) repeatsLocked() []RepeatInfo {
	out := make([]RepeatInfo, 0, len(s.repeats))
	loc := s.loc
	if loc == nil {
		loc = time.UTC
	}
	for _, d := range s.repeats {
		it := RepeatInfo{ScheduleID: d.key.ScheduleID, Cron: d.key.Cron}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
			// entries added right before Start get Next on the first tick
			if it.Next.IsZero() {
				it.Next = d.sched.Next(s.now().In(loc))
			}
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduleID != out[j].ScheduleID {
			return out[i].ScheduleID < out[j].ScheduleID
		}
		return out[i].Cron < out[j].Cron
	})
	return out
}
