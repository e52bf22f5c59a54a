package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often stale sessions and idle devices are swept
const DefaultSweepInterval = 15 * time.Second

// DeviceSweeper is the part of the device registry the sweeper maintains.
type DeviceSweeper interface {
	DeactivateIdle(ctx context.Context, now time.Time) (int, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// Sweeper periodically expires sessions that stopped heartbeating and retires idle devices
type Sweeper struct {
	coordinator *Coordinator
	devices     DeviceSweeper
	interval    time.Duration
	logger      zerolog.Logger
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// NewSweeper creates a new sweeper
func NewSweeper(coordinator *Coordinator, devices DeviceSweeper, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		coordinator: coordinator,
		devices:     devices,
		interval:    interval,
		logger:      logger.With().Str("component", "sweeper").Logger(),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("heartbeat_timeout", s.coordinator.HeartbeatTimeout()).
		Msg("Session sweeper started")
}

// Stop stops the sweep loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info().Msg("Session sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			s.Sweep(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// Sweep runs one pass of session expiry and device maintenance
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.coordinator.ExpireStale(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to expire stale sessions")
	} else if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("Expired stale sessions")
	}

	if s.devices == nil {
		return
	}

	now := s.coordinator.clock.Now()
	if _, err := s.devices.DeactivateIdle(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("Failed to deactivate idle devices")
	}
	if _, err := s.devices.Prune(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune devices")
	}
}
