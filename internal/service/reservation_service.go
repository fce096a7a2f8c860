package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const codeAttempts = 5

// ReservationConfig holds the business windows of the reservation lifecycle
type ReservationConfig struct {
	MaxDuration time.Duration
	// HoldLead is how long before its start a confirmed reservation takes the spot
	HoldLead time.Duration
	// NoShowGrace enables the automatic no-show when positive
	NoShowGrace time.Duration
}

// ReservationService coordinates reservations against spot availability
type ReservationService struct {
	deps   Deps
	cfg    ReservationConfig
	logger *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(deps Deps, cfg ReservationConfig) *ReservationService {
	return &ReservationService{
		deps:   deps.withDefaults(),
		cfg:    cfg,
		logger: util.GetLogger(),
	}
}

// CreateReservationRequest represents a request to reserve a spot
type CreateReservationRequest struct {
	UserID             int64     `json:"user_id" binding:"required"`
	SpotID             int64     `json:"spot_id" binding:"required"`
	VehicleID          *int64    `json:"vehicle_id,omitempty"`
	StartTime          time.Time `json:"start_time" binding:"required"`
	EndTime            time.Time `json:"end_time" binding:"required"`
	EstimatedEnergyKWh float64   `json:"estimated_energy_kwh"`
	EstimatedCost      *int64    `json:"estimated_cost,omitempty"`
	IsPrepaid          bool      `json:"is_prepaid"`
	IdempotencyKey     string    `json:"-"`
}

// SweepReport counts what one sweep changed. Completed counts checked-in
// reservations whose window closed without a session.
type SweepReport struct {
	Held      int `json:"held"`
	NoShows   int `json:"no_shows"`
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CreateReservation validates the window and records a PENDING reservation
func (s *ReservationService) CreateReservation(ctx context.Context, req *CreateReservationRequest) (*models.Reservation, error) {
	const op = "ReservationService.CreateReservation"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	if err := s.validateCreate(op, req); err != nil {
		util.ReservationsRejectedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	key := idempotencyKey("reservation", req.IdempotencyKey)
	existing, owned, err := s.deps.claimKey(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if !owned {
		s.logger.Info("Duplicate reservation request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("reservation_id", existing))
		return s.GetReservation(ctx, existing)
	}

	r, err := s.createReservation(ctx, op, req)
	var id int64
	if r != nil {
		id = r.ID
	}
	s.deps.completeKey(ctx, key, id, err)
	if err != nil {
		reason := "db_error"
		switch KindOf(err) {
		case KindSpotUnavailable:
			reason = "spot_unavailable"
		case KindValidation:
			reason = "invalid"
		case KindNotFound:
			reason = "unknown_spot"
		}
		util.ReservationsRejectedTotal.WithLabelValues(reason).Inc()
		return nil, err
	}

	util.ReservationsCreatedTotal.Inc()
	s.logger.Info("Reservation created",
		zap.Int64("reservation_id", r.ID),
		zap.Int64("spot_id", r.SpotID),
		zap.String("confirmation_code", r.ConfirmationCode))
	s.deps.Notifier.Emit(reservationTransition(r, models.EventTypeReservationCreated, false))
	return r, nil
}

func (s *ReservationService) validateCreate(op string, req *CreateReservationRequest) error {
	now := s.deps.Clock()
	switch {
	case req.UserID <= 0:
		return newError(KindValidation, op, "user_id is required")
	case req.SpotID <= 0:
		return newError(KindValidation, op, "spot_id is required")
	case !req.EndTime.After(req.StartTime):
		return newError(KindValidation, op, "end_time must be after start_time")
	case !req.EndTime.After(now):
		return newError(KindValidation, op, "reservation window is in the past")
	case s.cfg.MaxDuration > 0 && req.EndTime.Sub(req.StartTime) > s.cfg.MaxDuration:
		return newError(KindValidation, op, "reservation longer than %s", s.cfg.MaxDuration)
	case req.EstimatedEnergyKWh < 0:
		return newError(KindValidation, op, "estimated_energy_kwh must not be negative")
	case req.EstimatedCost != nil && *req.EstimatedCost < 0:
		return newError(KindValidation, op, "estimated_cost must not be negative")
	}
	return nil
}

func (s *ReservationService) createReservation(ctx context.Context, op string, req *CreateReservationRequest) (*models.Reservation, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.uniqueCode(pctx)
		if err != nil {
			return nil, wrapStore(op, err)
		}

		var created *models.Reservation
		err = s.deps.Store.WithSpotLock(pctx, req.SpotID, func(tx Tx) error {
			spot, err := tx.GetSpot(req.SpotID)
			if err != nil {
				return err
			}
			if !spot.IsOnline || spot.Status == models.SpotStatusOutOfOrder {
				return newError(KindSpotUnavailable, op, "spot %d is not accepting reservations", spot.ID)
			}

			overlapping, err := tx.FindOverlappingReservations(req.SpotID, req.StartTime, req.EndTime)
			if err != nil {
				return err
			}
			if len(overlapping) > 0 {
				return newError(KindSpotUnavailable, op, "window overlaps reservation %d", overlapping[0].ID)
			}

			mine, err := tx.FindUserOverlappingReservations(req.UserID, req.StartTime, req.EndTime)
			if err != nil {
				return err
			}
			if len(mine) > 0 {
				return newError(KindValidation, op, "user already holds reservation %d in this window", mine[0].ID)
			}

			cost := int64(math.Round(req.EstimatedEnergyKWh * float64(spot.PricePerKWh)))
			if req.EstimatedCost != nil {
				cost = *req.EstimatedCost
			}
			r := &models.Reservation{
				UserID:             req.UserID,
				SpotID:             spot.ID,
				StationID:          spot.StationID,
				VehicleID:          req.VehicleID,
				StartTime:          req.StartTime,
				EndTime:            req.EndTime,
				Status:             models.ReservationStatusPending,
				ConfirmationCode:   code,
				IsPrepaid:          req.IsPrepaid,
				EstimatedEnergyKWh: req.EstimatedEnergyKWh,
				EstimatedCost:      cost,
			}
			if err := tx.CreateReservation(r); err != nil {
				return err
			}
			created = r
			return nil
		})
		if errors.Is(err, models.ErrDuplicateCode) {
			s.logger.Warn("Confirmation code collision, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, wrapStore(op, err)
		}
		return created, nil
	}
	return nil, newError(KindInternal, op, "could not allocate a unique confirmation code")
}

// uniqueCode returns an EV-XXXXXXXX code not yet present in the store
func (s *ReservationService) uniqueCode(ctx context.Context) (string, error) {
	var code string
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code = newConfirmationCode()
		exists, err := s.deps.Store.ConfirmationCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return code, nil
}

func newConfirmationCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "EV-" + strings.ToUpper(raw[:8])
}

// ConfirmReservation moves a PENDING reservation to CONFIRMED
func (s *ReservationService) ConfirmReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	const op = "ReservationService.ConfirmReservation"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	r, _, err := s.mutate(ctx, op, id, func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error) {
		if r.Status != models.ReservationStatusPending {
			return nil, invalidReservationTransition(op, r, models.ReservationStatusConfirmed)
		}
		if !s.deps.Clock().Before(r.EndTime) {
			return nil, newError(KindInvalidTransition, op, "reservation %d window has ended", r.ID)
		}
		r.Status = models.ReservationStatusConfirmed
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reservation confirmed", zap.Int64("reservation_id", r.ID))
	s.emit(r, models.EventTypeReservationConfirmed, nil)
	return r, nil
}

// CheckIn takes the spot for the reservation with the given confirmation code
func (s *ReservationService) CheckIn(ctx context.Context, code string) (*models.Reservation, error) {
	const op = "ReservationService.CheckIn"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	code = strings.TrimSpace(code)
	if code == "" {
		return nil, newError(KindValidation, op, "confirmation code is required")
	}

	pctx, cancel := s.deps.persist(ctx)
	found, err := s.deps.Store.GetReservationByCode(pctx, code)
	cancel()
	if err != nil {
		return nil, wrapStore(op, err)
	}

	r, spot, err := s.mutate(ctx, op, found.ID, func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error) {
		if r.Status != models.ReservationStatusConfirmed {
			return nil, invalidReservationTransition(op, r, models.ReservationStatusCheckedIn)
		}
		now := s.deps.Clock()
		if !now.Before(r.EndTime) {
			return nil, newError(KindInvalidTransition, op, "reservation %d window has ended", r.ID)
		}
		if now.Before(r.StartTime.Add(-s.cfg.HoldLead)) {
			return nil, newError(KindValidation, op, "check-in opens at %s", r.StartTime.Add(-s.cfg.HoldLead).Format(time.RFC3339))
		}
		if other, err := liveWindowOwner(tx, r, now); err != nil {
			return nil, err
		} else if other != nil {
			return nil, newError(KindSpotUnavailable, op, "spot %d is booked by reservation %d until %s",
				r.SpotID, other.ID, other.EndTime.Format(time.RFC3339))
		}
		// A RESERVED spot may only be taken by the reservation it is held for
		expected := []models.SpotStatus{models.SpotStatusAvailable}
		if r.SpotHeld {
			expected = append(expected, models.SpotStatusReserved)
		}
		if err := tx.TryAcquire(r.SpotID, models.SpotStatusOccupied, expected...); err != nil {
			if errors.Is(err, models.ErrSpotConflict) {
				util.SpotAcquireConflictsTotal.WithLabelValues("check_in").Inc()
				return nil, &Error{Kind: KindSpotUnavailable, Op: op, Msg: fmt.Sprintf("spot %d is not free", r.SpotID), Err: err}
			}
			return nil, err
		}
		r.Status = models.ReservationStatusCheckedIn
		r.CheckedInAt = &now
		r.SpotHeld = false
		return tx.GetSpot(r.SpotID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reservation checked in",
		zap.Int64("reservation_id", r.ID),
		zap.Int64("spot_id", r.SpotID))
	s.emit(r, models.EventTypeReservationCheckedIn, spot)
	return r, nil
}

// CancelReservation cancels a non-terminal reservation and frees a spot it holds
func (s *ReservationService) CancelReservation(ctx context.Context, id int64, actor, reason string) (*models.Reservation, error) {
	const op = "ReservationService.CancelReservation"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	r, spot, err := s.mutate(ctx, op, id, func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error) {
		if !r.Status.CanTransitionTo(models.ReservationStatusCancelled) {
			return nil, invalidReservationTransition(op, r, models.ReservationStatusCancelled)
		}

		var spot *models.ChargingSpot
		switch {
		case r.Status == models.ReservationStatusCheckedIn:
			active, err := tx.ActiveSessionForSpot(r.SpotID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			if active != nil {
				return nil, newError(KindInvalidTransition, op, "session %d is running, end it first", active.ID)
			}
			if spot, err = releaseSpotIf(tx, r.SpotID, models.SpotStatusOccupied); err != nil {
				return nil, err
			}
		case r.SpotHeld:
			var err error
			if spot, err = releaseSpotIf(tx, r.SpotID, models.SpotStatusReserved); err != nil {
				return nil, err
			}
		}

		r.Status = models.ReservationStatusCancelled
		r.CancelledBy = actor
		r.CancelReason = reason
		r.SpotHeld = false
		return spot, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reservation cancelled",
		zap.Int64("reservation_id", r.ID),
		zap.String("cancelled_by", actor))
	s.emit(r, models.EventTypeReservationCancelled, spot)
	return r, nil
}

// MarkNoShow records that the user of a CONFIRMED reservation did not arrive
func (s *ReservationService) MarkNoShow(ctx context.Context, id int64) (*models.Reservation, error) {
	const op = "ReservationService.MarkNoShow"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	r, spot, err := s.mutate(ctx, op, id, func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error) {
		if r.Status != models.ReservationStatusConfirmed {
			return nil, invalidReservationTransition(op, r, models.ReservationStatusNoShow)
		}
		if s.deps.Clock().Before(r.StartTime) {
			return nil, newError(KindValidation, op, "reservation %d has not started yet", r.ID)
		}
		return s.closeOpen(tx, r, models.ReservationStatusNoShow)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Reservation marked no-show", zap.Int64("reservation_id", r.ID))
	s.emit(r, models.EventTypeReservationNoShow, spot)
	return r, nil
}

// GetReservation returns a reservation by id
func (s *ReservationService) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	r, err := s.deps.Store.GetReservation(pctx, id)
	if err != nil {
		return nil, wrapStore("ReservationService.GetReservation", err)
	}
	return r, nil
}

var errSweepSkip = errors.New("reservation no longer eligible")

// Sweep applies time-based transitions: spot holds, no-shows and expiry.
// Running it again over the same instant changes nothing.
func (s *ReservationService) Sweep(ctx context.Context, now time.Time) (*SweepReport, error) {
	const op = "ReservationService.Sweep"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	pctx, cancel := s.deps.persist(ctx)
	open, err := s.deps.Store.ListOpenReservations(pctx, now.Add(s.cfg.HoldLead).Add(time.Nanosecond))
	cancel()
	if err != nil {
		return nil, wrapStore(op, err)
	}

	report := &SweepReport{}
	for i := range open {
		action, err := s.sweepOne(ctx, op, open[i].ID, now)
		if errors.Is(err, errSweepSkip) {
			continue
		}
		if err != nil {
			report.Failed++
			s.logger.Error("Sweep failed for reservation",
				zap.Int64("reservation_id", open[i].ID),
				zap.Error(err))
			continue
		}
		util.SweepActionsTotal.WithLabelValues(action).Inc()
		switch action {
		case "hold":
			report.Held++
		case "no_show":
			report.NoShows++
		case "expire":
			report.Expired++
		case "complete":
			report.Completed++
		}
	}

	if report.Held+report.NoShows+report.Expired+report.Completed+report.Failed > 0 {
		s.logger.Info("Reservation sweep finished",
			zap.Int("held", report.Held),
			zap.Int("no_shows", report.NoShows),
			zap.Int("expired", report.Expired),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

func (s *ReservationService) sweepOne(ctx context.Context, op string, id int64, now time.Time) (string, error) {
	var action string
	r, spot, err := s.mutate(ctx, op, id, func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error) {
		if r.Status == models.ReservationStatusCheckedIn {
			if now.Before(r.EndTime) {
				return nil, errSweepSkip
			}
			active, err := tx.ActiveSessionForSpot(r.SpotID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			if active != nil {
				return nil, errSweepSkip
			}
			spot, err := releaseSpotIf(tx, r.SpotID, models.SpotStatusOccupied)
			if err != nil {
				return nil, err
			}
			action = "complete"
			r.Status = models.ReservationStatusCompleted
			return spot, nil
		}

		open := r.Status == models.ReservationStatusPending || r.Status == models.ReservationStatusConfirmed
		switch {
		case !open:
			return nil, errSweepSkip
		case !now.Before(r.EndTime):
			action = "expire"
			return s.closeOpen(tx, r, models.ReservationStatusExpired)
		case r.Status != models.ReservationStatusConfirmed:
			return nil, errSweepSkip
		case s.cfg.NoShowGrace > 0 && !now.Before(r.StartTime.Add(s.cfg.NoShowGrace)):
			action = "no_show"
			return s.closeOpen(tx, r, models.ReservationStatusNoShow)
		case !r.SpotHeld && !now.Before(r.StartTime.Add(-s.cfg.HoldLead)):
			if other, err := liveWindowOwner(tx, r, now); err != nil {
				return nil, err
			} else if other != nil {
				return nil, errSweepSkip
			}
			if err := tx.TryAcquire(r.SpotID, models.SpotStatusReserved, models.SpotStatusAvailable); err != nil {
				if errors.Is(err, models.ErrSpotConflict) {
					return nil, errSweepSkip
				}
				return nil, err
			}
			action = "hold"
			r.SpotHeld = true
			return tx.GetSpot(r.SpotID)
		}
		return nil, errSweepSkip
	})
	if err != nil {
		if errors.Is(err, errSweepSkip) {
			return "", errSweepSkip
		}
		return "", err
	}

	switch action {
	case "expire":
		s.emit(r, models.EventTypeReservationExpired, spot)
	case "no_show":
		s.emit(r, models.EventTypeReservationNoShow, spot)
	case "hold":
		s.deps.Notifier.Emit(spotTransition(spot, r.UserID))
	case "complete":
		s.emit(r, models.EventTypeReservationCompleted, spot)
	}
	return action, nil
}

// liveWindowOwner returns another active reservation on r's spot whose window contains now
func liveWindowOwner(tx Tx, r *models.Reservation, now time.Time) (*models.Reservation, error) {
	others, err := tx.FindOverlappingReservations(r.SpotID, now, now.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}
	for i := range others {
		if others[i].ID != r.ID {
			return &others[i], nil
		}
	}
	return nil, nil
}

// closeOpen ends a PENDING or CONFIRMED reservation and releases a spot held for it
func (s *ReservationService) closeOpen(tx Tx, r *models.Reservation, status models.ReservationStatus) (*models.ChargingSpot, error) {
	var spot *models.ChargingSpot
	if r.SpotHeld {
		var err error
		if spot, err = releaseSpotIf(tx, r.SpotID, models.SpotStatusReserved); err != nil {
			return nil, err
		}
	}
	r.Status = status
	r.SpotHeld = false
	return spot, nil
}

// mutate re-reads the reservation inside its spot's unit of work, applies fn and saves it
func (s *ReservationService) mutate(ctx context.Context, op string, id int64, fn func(tx Tx, r *models.Reservation) (*models.ChargingSpot, error)) (*models.Reservation, *models.ChargingSpot, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	current, err := s.deps.Store.GetReservation(pctx, id)
	if err != nil {
		return nil, nil, wrapStore(op, err)
	}

	var (
		r    *models.Reservation
		spot *models.ChargingSpot
	)
	err = s.deps.Store.WithSpotLock(pctx, current.SpotID, func(tx Tx) error {
		var err error
		if r, err = tx.GetReservation(id); err != nil {
			return err
		}
		if spot, err = fn(tx, r); err != nil {
			return err
		}
		return tx.UpdateReservation(r)
	})
	if err != nil {
		if errors.Is(err, errSweepSkip) {
			return nil, nil, err
		}
		return nil, nil, wrapStore(op, err)
	}
	util.ReservationTransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	return r, spot, nil
}

func (s *ReservationService) emit(r *models.Reservation, eventType string, spot *models.ChargingSpot) {
	s.deps.Notifier.Emit(reservationTransition(r, eventType, spot != nil))
	if spot != nil {
		s.deps.Notifier.Emit(spotTransition(spot, r.UserID))
	}
}

func invalidReservationTransition(op string, r *models.Reservation, to models.ReservationStatus) *Error {
	return newError(KindInvalidTransition, op, "reservation %d cannot move from %s to %s", r.ID, r.Status, to)
}
