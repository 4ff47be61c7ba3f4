package broadcast

import (
	"sort"
	"time"
)

const (
	defaultStatusMax = 200
	defaultStatusTTL = 24 * time.Hour
	maxFailures      = 200
)

// JobStatus is the fan-out progress of one broadcast.send job.
type JobStatus struct {
	ID         string    `json:"id"`
	Type       Audience  `json:"type"`
	Subject    string    `json:"subject"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	Total      int       `json:"total"`
	Sent       int       `json:"sent"`
	Resumed    int       `json:"resumed,omitempty"`
	Failed     int       `json:"failed"`
	Failures   []string  `json:"failures,omitempty"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	DoneAt     time.Time `json:"doneAt,omitzero"`
	Running    bool      `json:"running"`
}

// Status returns a copy of the fan-out status of jobID.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[jobID]
	if !ok || st == nil {
		return JobStatus{}, false
	}
	cp := *st
	cp.Failures = append([]string(nil), st.Failures...)
	return cp, true
}

func (s *Service) startStatus(st *JobStatus) {
	s.pruneStatus(st.StartedAt)
	s.statusMu.Lock()
	s.status[st.ID] = st
	s.statusMu.Unlock()
}

func (s *Service) markSent(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Sent++
	}
}

func (s *Service) markFail(id, email string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Failed++
		if len(st.Failures) < maxFailures {
			st.Failures = append(st.Failures, email)
		}
	}
}

func (s *Service) finishStatus(id string, now time.Time) JobStatus {
	s.statusMu.Lock()
	var out JobStatus
	if st := s.status[id]; st != nil {
		st.DoneAt = now
		st.Running = false
		out = *st
	}
	s.statusMu.Unlock()
	s.pruneStatus(now)
	return out
}

// pruneStatus drops finished entries older than the TTL, then the oldest
// entries beyond statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	for id, st := range s.status {
		ref := st.DoneAt
		if ref.IsZero() {
			ref = st.StartedAt
		}
		if now.Sub(ref) > s.statusTTL {
			delete(s.status, id)
		}
	}
	if len(s.status) <= s.statusMax {
		return
	}

	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		t := st.DoneAt
		if t.IsZero() {
			t = st.StartedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - s.statusMax
	for i := 0; i < excess; i++ {
		delete(s.status, items[i].id)
	}
}
