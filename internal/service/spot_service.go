package service

import (
	"context"
	"errors"

	"evcharge/internal/models"
	"evcharge/internal/util"

	"go.uber.org/zap"
)

// SpotService handles operator actions on spots
type SpotService struct {
	deps     Deps
	sessions *SessionService
	logger   *zap.Logger
}

// NewSpotService creates a new spot service
func NewSpotService(deps Deps, sessions *SessionService) *SpotService {
	return &SpotService{
		deps:     deps.withDefaults(),
		sessions: sessions,
		logger:   util.GetLogger(),
	}
}

// GetSpot returns a spot by id
func (s *SpotService) GetSpot(ctx context.Context, spotID int64) (*models.ChargingSpot, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	spot, err := s.deps.Store.GetSpot(pctx, spotID)
	if err != nil {
		return nil, wrapStore("SpotService.GetSpot", err)
	}
	return spot, nil
}

// HoldForMaintenance takes a free spot into MAINTENANCE at once. A busy spot is
// flagged and lands in MAINTENANCE when its current use ends.
func (s *SpotService) HoldForMaintenance(ctx context.Context, spotID int64) (*models.ChargingSpot, error) {
	const op = "SpotService.HoldForMaintenance"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	var changed bool
	spot, err := s.inSpot(ctx, spotID, func(tx Tx, spot *models.ChargingSpot) error {
		switch spot.Status {
		case models.SpotStatusAvailable:
			changed = true
			return tx.TryAcquire(spotID, models.SpotStatusMaintenance, models.SpotStatusAvailable)
		case models.SpotStatusOccupied, models.SpotStatusReserved:
			return tx.SetMaintenancePending(spotID, true)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Info("Spot held for maintenance",
		zap.Int64("spot_id", spot.ID),
		zap.String("status", string(spot.Status)),
		zap.Bool("deferred", spot.MaintenancePending))
	if changed {
		s.deps.Notifier.Emit(spotTransition(spot, 0))
	}
	return spot, nil
}

// ReleaseMaintenance returns a spot under maintenance or out of order to service
func (s *SpotService) ReleaseMaintenance(ctx context.Context, spotID int64) (*models.ChargingSpot, error) {
	const op = "SpotService.ReleaseMaintenance"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	var changed bool
	spot, err := s.inSpot(ctx, spotID, func(tx Tx, spot *models.ChargingSpot) error {
		if spot.MaintenancePending {
			if err := tx.SetMaintenancePending(spotID, false); err != nil {
				return err
			}
		}
		switch spot.Status {
		case models.SpotStatusMaintenance, models.SpotStatusOutOfOrder:
			changed = true
			return tx.TryAcquire(spotID, models.SpotStatusAvailable, spot.Status)
		}
		if !spot.MaintenancePending {
			return newError(KindInvalidTransition, op, "spot %d is %s, nothing to release", spotID, spot.Status)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	s.logger.Info("Spot released from maintenance", zap.Int64("spot_id", spot.ID))
	if changed {
		s.deps.Notifier.Emit(spotTransition(spot, 0))
	}
	return spot, nil
}

// ReportOutOfOrder takes a spot out of service. A running session on it is failed.
func (s *SpotService) ReportOutOfOrder(ctx context.Context, spotID int64, reason string) (*models.ChargingSpot, error) {
	const op = "SpotService.ReportOutOfOrder"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	var (
		running *models.ChargingSession
		changed bool
	)
	spot, err := s.inSpot(ctx, spotID, func(tx Tx, spot *models.ChargingSpot) error {
		active, err := tx.ActiveSessionForSpot(spotID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if active != nil {
			running = active
			return nil
		}
		if spot.Status == models.SpotStatusOutOfOrder {
			return nil
		}
		changed = true
		return tx.TryAcquire(spotID, models.SpotStatusOutOfOrder,
			models.SpotStatusAvailable, models.SpotStatusReserved, models.SpotStatusMaintenance, models.SpotStatusOccupied)
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	if running != nil && s.sessions != nil {
		if _, err := s.sessions.FailSession(ctx, running.ID, &FailSessionRequest{Reason: reason, OutOfOrder: true}); err != nil {
			return nil, err
		}
		return s.GetSpot(ctx, spotID)
	}

	s.logger.Warn("Spot reported out of order",
		zap.Int64("spot_id", spotID),
		zap.String("reason", reason))
	if changed {
		s.deps.Notifier.Emit(spotTransition(spot, 0))
	}
	return spot, nil
}

// inSpot runs fn under the spot's unit of work and returns the spot as committed
func (s *SpotService) inSpot(ctx context.Context, spotID int64, fn func(tx Tx, spot *models.ChargingSpot) error) (*models.ChargingSpot, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	var result *models.ChargingSpot
	err := s.deps.Store.WithSpotLock(pctx, spotID, func(tx Tx) error {
		spot, err := tx.GetSpot(spotID)
		if err != nil {
			return err
		}
		if err := fn(tx, spot); err != nil {
			return err
		}
		result, err = tx.GetSpot(spotID)
		return err
	})
	return result, err
}

// releaseSpotIf frees the spot when its status is one of from. A pending
// maintenance hold turns the release into MAINTENANCE.
func releaseSpotIf(tx Tx, spotID int64, from ...models.SpotStatus) (*models.ChargingSpot, error) {
	spot, err := tx.GetSpot(spotID)
	if err != nil {
		return nil, err
	}
	matched := false
	for _, st := range from {
		if spot.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return nil, nil
	}

	target := models.SpotStatusAvailable
	if spot.MaintenancePending {
		target = models.SpotStatusMaintenance
		if err := tx.SetMaintenancePending(spotID, false); err != nil {
			return nil, err
		}
	}
	if err := tx.TryAcquire(spotID, target, spot.Status); err != nil {
		return nil, err
	}
	return tx.GetSpot(spotID)
}
