package worker

import (
	"context"
	"time"

	"evcharge/internal/service"
	"evcharge/internal/util"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepLockKey = "reservation-sweep"

// ReservationSweeper applies time-based reservation transitions
type ReservationSweeper interface {
	Sweep(ctx context.Context, now time.Time) (*service.SweepReport, error)
}

// Locker is a distributed lock so only one instance sweeps at a time
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// Sweeper runs the reservation sweep on a cron schedule
type Sweeper struct {
	reservations ReservationSweeper
	locker       Locker
	cron         *cron.Cron
	schedule     string
	lockTTL      time.Duration
	owner        string
	now          func() time.Time
	logger       *zap.Logger
}

// NewSweeper creates a sweeper. A nil locker runs every tick locally.
func NewSweeper(reservations ReservationSweeper, locker Locker, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		reservations: reservations,
		locker:       locker,
		cron:         cron.New(),
		schedule:     schedule,
		lockTTL:      time.Minute,
		owner:        uuid.New().String(),
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

// Start registers the job and starts the scheduler
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("Reservation sweep failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("Reservation sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// RunOnce sweeps if this instance wins the lock. It returns nil, nil when
// another instance holds it.
func (s *Sweeper) RunOnce(ctx context.Context) (*service.SweepReport, error) {
	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweepLockKey, s.owner, s.lockTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug("Sweep lock held elsewhere, skipping")
			return nil, nil
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), sweepLockKey, s.owner); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}
	return s.reservations.Sweep(ctx, s.now())
}

// Stop stops the scheduler and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Reservation sweeper stopped")
}
