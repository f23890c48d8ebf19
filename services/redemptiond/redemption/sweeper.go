package redemption

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for lapsed sessions.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically expires sessions whose TTL elapsed without action.
// Expiry is also enforced lazily on every transition, so the sweeper only
// keeps stored status close to effective status.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a sweeper for svc.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{service: svc, interval: interval, logger: svc.logger}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.service == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.service.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "session sweep failed", slog.Any("error", err))
			}
		}
	}
}
