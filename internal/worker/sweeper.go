package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PresenceSweeper removes expired presence rows of every stream.
type PresenceSweeper interface {
	SweepAll(ctx context.Context) (int, error)
}

// SignalSweeper removes signaling messages past their retention.
type SignalSweeper interface {
	SweepExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper periodically cleans up presence and signaling rows so they expire even when no
// broadcaster is running its own sweep.
type Sweeper struct {
	presence  PresenceSweeper
	signals   SignalSweeper
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewSweeper creates a sweeper.
func NewSweeper(presence PresenceSweeper, signals SignalSweeper, interval, retention time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{
		presence:  presence,
		signals:   signals,
		interval:  interval,
		retention: retention,
		logger:    logger.With(zap.String("component", "sweeper")),
	}
}

// RunOnce sweeps both tables once.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.presence != nil {
		n, err := s.presence.SweepAll(ctx)
		if err != nil {
			s.logger.Warn("presence sweep failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("expired viewers removed", zap.Int("count", n))
		}
	}
	if s.signals != nil {
		if _, err := s.signals.SweepExpired(ctx, s.retention); err != nil {
			s.logger.Warn("signaling sweep failed", zap.Error(err))
		}
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}
