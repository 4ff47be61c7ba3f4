package scheduler

import (
	"time"

	logx "letterbox/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportFireError logs a failed repeat firing, at most once per throttle
// window and schedule.
func (s *Service) reportFireError(key RepeatKey, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key.ScheduleID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key.ScheduleID] = now
	s.enqMu.Unlock()

	s.log.Warn("repeat failed to enqueue", logx.String("schedule", key.ScheduleID), logx.String("cron", key.Cron), logx.Err(err))
}
