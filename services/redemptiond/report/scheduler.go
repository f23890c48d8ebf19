package report

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily report scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Window     time.Duration
	RunHour    int
	RunMinute  int
	Location   *time.Location
	Logger     *slog.Logger
}

// Scheduler executes reconciliation once a day.
type Scheduler struct {
	reconciler *Reconciler
	window     time.Duration
	runHour    int
	runMinute  int
	location   *time.Location
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	window := cfg.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		window:     window,
		runHour:    clampHour(cfg.RunHour),
		runMinute:  clampMinute(cfg.RunMinute),
		location:   loc,
		logger:     logger,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := time.Now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			opts := RunOptions{Start: next.Add(-s.window), End: next}
			if _, err := s.reconciler.Run(ctx, opts); err != nil {
				s.logger.ErrorContext(ctx, "report scheduler run failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

// PreviousDay returns the [start, end) window of the calendar day before now.
func PreviousDay(now time.Time) (time.Time, time.Time) {
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return end.AddDate(0, 0, -1), end
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
