package broadcast

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Progress remembers which addresses a broadcast job already mailed, so a
// rerun of an interrupted job skips them.
type Progress interface {
	BroadcastSentTo(ctx context.Context, jobID string) ([]string, error)
	MarkBroadcastSent(ctx context.Context, jobID, email string, at time.Time) error
}

type memProgress struct {
	mu   sync.Mutex
	sent map[string]map[string]struct{}
}

func newMemProgress() *memProgress {
	return &memProgress{sent: map[string]map[string]struct{}{}}
}

func (m *memProgress) BroadcastSentTo(_ context.Context, jobID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent[jobID]))
	for e := range m.sent[jobID] {
		out = append(out, e)
	}
	slices.Sort(out)
	return out, nil
}

func (m *memProgress) MarkBroadcastSent(_ context.Context, jobID, email string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sent[jobID]
	if set == nil {
		set = map[string]struct{}{}
		m.sent[jobID] = set
	}
	set[addrKey(email)] = struct{}{}
	return nil
}
