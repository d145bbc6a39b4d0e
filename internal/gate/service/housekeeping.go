package service

import (
	"log/slog"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
	"github.com/aussiebroadwan/opsgate/pkg/fixedwindow"
)

// HousekeepingService periodically prunes elapsed in-memory windows so
// one-off subjects and providers don't accumulate state forever. Durable
// MFA records are deliberately untouched; enrollments and challenges are
// kept for audit.
type HousekeepingService struct {
	Throttle *fixedwindow.Counter
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
	Interval time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(throttle *fixedwindow.Counter, limiter *ratelimit.Limiter, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Throttle: throttle,
		Limiter:  limiter,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop() to shut it
// down gracefully.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the background worker. Blocks until any
// in-progress sweep has finished.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *HousekeepingService) sweep() {
	pruned := s.Throttle.PruneIdle() + s.Limiter.PruneIdle()
	if pruned > 0 {
		s.Logger.Debug("pruned idle limiter windows", "count", pruned)
	}
}
