package broadcast

import (
	"context"
	"time"
)

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetSleep(sleep func(ctx context.Context, d time.Duration) error) { s.sleep = sleep }
