package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig configures the heartbeat sweeper.
type SweeperConfig struct {
	// Interval is the time between sweeps.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// StaleAfter is how long an agent may go without a heartbeat before
	// it is marked Unavailable.
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
}

// DefaultSweeperConfig returns a SweeperConfig with sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   30 * time.Second,
		StaleAfter: 90 * time.Second,
	}
}

// HeartbeatSweeper periodically marks agents with stale heartbeats as
// Unavailable. It never unregisters an agent; a fresh heartbeat restores
// availability.
type HeartbeatSweeper struct {
	config   SweeperConfig
	registry *Registry
	logger   *zap.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHeartbeatSweeper creates a sweeper over the given registry.
func NewHeartbeatSweeper(config SweeperConfig, registry *Registry, logger *zap.Logger) *HeartbeatSweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweeperConfig().Interval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultSweeperConfig().StaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatSweeper{
		config:   config,
		registry: registry,
		logger:   logger.With(zap.String("component", "heartbeat_sweeper")),
		done:     make(chan struct{}),
	}
}

// Start starts the sweep loop.
func (s *HeartbeatSweeper) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("heartbeat sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("stale_after", s.config.StaleAfter),
	)
	return nil
}

// Stop stops the sweep loop and waits for it to exit.
func (s *HeartbeatSweeper) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.logger.Info("heartbeat sweeper stopped")
	return nil
}

func (s *HeartbeatSweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep marks every agent whose heartbeat is older than StaleAfter as
// Unavailable. It is called on the sweep interval and may be called
// directly.
func (s *HeartbeatSweeper) Sweep() {
	cutoff := time.Now().Add(-s.config.StaleAfter)

	for _, info := range s.registry.GetAll() {
		if info.Status != StatusAvailable && info.Status != StatusBusy {
			continue
		}
		if info.LastHeartbeat.After(cutoff) {
			continue
		}

		s.registry.UpdateStatus(info.AgentID, StatusUnavailable)
		s.logger.Warn("agent heartbeat stale, marked unavailable",
			zap.String("agent_id", info.AgentID),
			zap.Time("last_heartbeat", info.LastHeartbeat),
		)
	}
}
