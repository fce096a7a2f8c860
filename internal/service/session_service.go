package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/util"

	"go.uber.org/zap"
)

// SessionService manages charging sessions and the spot occupancy they imply
type SessionService struct {
	deps    Deps
	settler Settler
	logger  *zap.Logger
}

// NewSessionService creates a new session service. settler may be nil, in
// which case completed sessions are left for the client to pay explicitly.
func NewSessionService(deps Deps, settler Settler) *SessionService {
	return &SessionService{
		deps:    deps.withDefaults(),
		settler: settler,
		logger:  util.GetLogger(),
	}
}

// StartSessionRequest represents a request to begin charging on a spot
type StartSessionRequest struct {
	UserID        int64                `json:"user_id" binding:"required"`
	SpotID        int64                `json:"spot_id" binding:"required"`
	ReservationID *int64               `json:"reservation_id,omitempty"`
	VehicleID     *int64               `json:"vehicle_id,omitempty"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// ProgressRequest is one telemetry point reported by the charger
type ProgressRequest struct {
	SOCPercent float64   `json:"soc_percent"`
	PowerKW    float64   `json:"power_kw"`
	EnergyKWh  float64   `json:"energy_kwh"`
	ETAMinutes int       `json:"eta_minutes"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CompleteSessionRequest closes a session with the metered energy. Cost overrides
// the energy times price computation when present.
type CompleteSessionRequest struct {
	EnergyKWh float64 `json:"energy_kwh"`
	Cost      *int64  `json:"cost,omitempty"`
}

// FailSessionRequest closes a session abnormally
type FailSessionRequest struct {
	Reason     string `json:"reason"`
	OutOfOrder bool   `json:"out_of_order"`
}

// CompleteSessionResponse carries the finished session and the payment intent created for it
type CompleteSessionResponse struct {
	Session *models.ChargingSession `json:"session"`
	Intent  *IntentResponse         `json:"payment_intent,omitempty"`
}

// SessionProgressView is the progress series with derived figures
type SessionProgressView struct {
	Session          *models.ChargingSession  `json:"session"`
	Points           []models.SessionProgress `json:"points"`
	ElapsedMinutes   float64                  `json:"elapsed_minutes"`
	LatestSOCPercent float64                  `json:"latest_soc_percent"`
	LatestETAMinutes int                      `json:"latest_eta_minutes"`
}

// StartSession occupies the spot and opens an IN_PROGRESS session
func (s *SessionService) StartSession(ctx context.Context, req *StartSessionRequest) (*models.ChargingSession, error) {
	const op = "SessionService.StartSession"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	if req.UserID <= 0 || req.SpotID <= 0 {
		return nil, newError(KindValidation, op, "user_id and spot_id are required")
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodCash
	}
	if !req.PaymentMethod.Valid() {
		return nil, newError(KindValidation, op, "unsupported payment method %q", req.PaymentMethod)
	}

	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	var (
		session     *models.ChargingSession
		spot        *models.ChargingSpot
		spotChanged bool
	)
	err := s.deps.Store.WithSpotLock(pctx, req.SpotID, func(tx Tx) error {
		current, err := tx.GetSpot(req.SpotID)
		if err != nil {
			return err
		}
		active, err := tx.ActiveSessionForSpot(req.SpotID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if active != nil {
			return newError(KindSpotUnavailable, op, "spot %d already has session %d", req.SpotID, active.ID)
		}

		expected := []models.SpotStatus{models.SpotStatusAvailable}
		if req.ReservationID != nil {
			r, err := tx.GetReservation(*req.ReservationID)
			if err != nil {
				return err
			}
			if r.SpotID != req.SpotID || r.UserID != req.UserID {
				return newError(KindValidation, op, "reservation %d is not for this user and spot", r.ID)
			}
			if r.Status != models.ReservationStatusCheckedIn {
				return newError(KindInvalidTransition, op, "reservation %d is %s, check in first", r.ID, r.Status)
			}
			expected = []models.SpotStatus{models.SpotStatusReserved, models.SpotStatusOccupied}
		}
		if err := tx.TryAcquire(req.SpotID, models.SpotStatusOccupied, expected...); err != nil {
			if errors.Is(err, models.ErrSpotConflict) {
				util.SpotAcquireConflictsTotal.WithLabelValues("start_session").Inc()
				return &Error{Kind: KindSpotUnavailable, Op: op, Msg: fmt.Sprintf("spot %d is %s", req.SpotID, current.Status), Err: err}
			}
			return err
		}

		now := s.deps.Clock()
		sess := &models.ChargingSession{
			ReservationID: req.ReservationID,
			UserID:        req.UserID,
			SpotID:        current.ID,
			StationID:     current.StationID,
			VehicleID:     req.VehicleID,
			StartedAt:     now,
			PricePerKWh:   current.PricePerKWh,
			PaymentMethod: req.PaymentMethod,
			Status:        models.SessionStatusPending,
		}
		// PENDING and IN_PROGRESS are committed together
		sess.Status = models.SessionStatusInProgress
		if err := tx.CreateSession(sess); err != nil {
			return err
		}
		session = sess
		spotChanged = current.Status != models.SpotStatusOccupied
		spot, err = tx.GetSpot(req.SpotID)
		return err
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	util.SessionsStartedTotal.Inc()
	s.logger.Info("Charging session started",
		zap.Int64("session_id", session.ID),
		zap.Int64("spot_id", session.SpotID),
		zap.Int64("user_id", session.UserID))

	s.deps.Notifier.Emit(sessionTransition(session, models.EventTypeSessionStarted))
	if spotChanged {
		s.deps.Notifier.Emit(spotTransition(spot, session.UserID))
	}
	return session, nil
}

// RecordProgress appends a telemetry point to an IN_PROGRESS session
func (s *SessionService) RecordProgress(ctx context.Context, sessionID int64, req *ProgressRequest) (*models.SessionProgress, error) {
	const op = "SessionService.RecordProgress"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	switch {
	case req.SOCPercent < 0 || req.SOCPercent > 100:
		return nil, s.rejectProgress(newError(KindValidation, op, "soc_percent must be within 0..100"))
	case req.PowerKW < 0 || req.EnergyKWh < 0 || req.ETAMinutes < 0:
		return nil, s.rejectProgress(newError(KindValidation, op, "power, energy and eta must not be negative"))
	}
	if req.RecordedAt.IsZero() {
		req.RecordedAt = s.deps.Clock()
	}

	var (
		point   *models.SessionProgress
		session *models.ChargingSession
	)
	err := s.inSession(ctx, sessionID, func(tx Tx, sess *models.ChargingSession) error {
		if sess.Status != models.SessionStatusInProgress {
			return newError(KindInvalidTransition, op, "session %d is %s", sess.ID, sess.Status)
		}
		last, err := tx.LastProgress(sess.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if last != nil && req.RecordedAt.Before(last.RecordedAt) {
			return newError(KindStaleProgress, op, "point at %s is older than %s",
				req.RecordedAt.Format(time.RFC3339), last.RecordedAt.Format(time.RFC3339))
		}

		p := &models.SessionProgress{
			SessionID:  sess.ID,
			SOCPercent: req.SOCPercent,
			PowerKW:    req.PowerKW,
			EnergyKWh:  req.EnergyKWh,
			ETAMinutes: req.ETAMinutes,
			RecordedAt: req.RecordedAt,
		}
		if err := tx.AppendProgress(p); err != nil {
			return err
		}
		sess.EnergyKWh = req.EnergyKWh
		if err := tx.UpdateSession(sess); err != nil {
			return err
		}
		point, session = p, sess
		return nil
	})
	if err != nil {
		return nil, s.rejectProgress(wrapStore(op, err))
	}

	s.deps.Notifier.Emit(models.Transition{
		EntityType: models.EntitySession,
		EntityID:   session.ID,
		EventType:  models.EventTypeSessionProgress,
		NewStatus:  string(session.Status),
		UserID:     session.UserID,
		StationID:  session.StationID,
		SpotID:     session.SpotID,
		SessionID:  session.ID,
		Data: models.ProgressData{
			SessionID:  session.ID,
			SOCPercent: point.SOCPercent,
			PowerKW:    point.PowerKW,
			EnergyKWh:  point.EnergyKWh,
			ETAMinutes: point.ETAMinutes,
			RecordedAt: point.RecordedAt,
		},
	})
	return point, nil
}

func (s *SessionService) rejectProgress(err error) error {
	if k := KindOf(err); k == KindValidation || k == KindStaleProgress {
		util.SessionProgressRejectedTotal.Inc()
	}
	return err
}

// GetSessionProgress returns the progress series ordered by recorded-at
func (s *SessionService) GetSessionProgress(ctx context.Context, sessionID int64) (*SessionProgressView, error) {
	const op = "SessionService.GetSessionProgress"

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := s.deps.persist(ctx)
	defer cancel()
	points, err := s.deps.Store.ListProgress(pctx, sessionID)
	if err != nil {
		return nil, wrapStore(op, err)
	}

	view := &SessionProgressView{Session: sess, Points: points}
	if points == nil {
		view.Points = []models.SessionProgress{}
	}
	if n := len(points); n > 0 {
		last := points[n-1]
		view.ElapsedMinutes = last.RecordedAt.Sub(sess.StartedAt).Minutes()
		view.LatestSOCPercent = last.SOCPercent
		view.LatestETAMinutes = last.ETAMinutes
	}
	return view, nil
}

// CompleteSession finishes an IN_PROGRESS session, frees the spot and requests payment
func (s *SessionService) CompleteSession(ctx context.Context, sessionID int64, req *CompleteSessionRequest) (*CompleteSessionResponse, error) {
	const op = "SessionService.CompleteSession"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	if req.EnergyKWh < 0 {
		return nil, newError(KindValidation, op, "energy_kwh must not be negative")
	}
	if req.Cost != nil && *req.Cost < 0 {
		return nil, newError(KindValidation, op, "cost must not be negative")
	}

	var (
		session     *models.ChargingSession
		spot        *models.ChargingSpot
		reservation *models.Reservation
		prepaid     bool
	)
	err := s.inSession(ctx, sessionID, func(tx Tx, sess *models.ChargingSession) error {
		if !sess.Status.CanTransitionTo(models.SessionStatusCompleted) {
			return newError(KindInvalidTransition, op, "session %d is %s", sess.ID, sess.Status)
		}

		now := s.deps.Clock()
		sess.Status = models.SessionStatusCompleted
		sess.EndedAt = &now
		sess.EnergyKWh = req.EnergyKWh
		sess.TotalAmount = int64(math.Round(req.EnergyKWh * float64(sess.PricePerKWh)))
		if req.Cost != nil {
			sess.TotalAmount = *req.Cost
		}
		if err := tx.UpdateSession(sess); err != nil {
			return err
		}

		var err error
		if spot, err = releaseSpotIf(tx, sess.SpotID, models.SpotStatusOccupied); err != nil {
			return err
		}
		r, changed, err := finishReservation(tx, sess)
		if err != nil {
			return err
		}
		if changed {
			reservation = r
		}
		prepaid = r != nil && r.IsPrepaid
		session = sess
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	util.SessionsFinishedTotal.WithLabelValues(string(session.Status)).Inc()
	s.logger.Info("Charging session completed",
		zap.Int64("session_id", session.ID),
		zap.Float64("energy_kwh", session.EnergyKWh),
		zap.Int64("total_amount", session.TotalAmount))
	s.emitFinished(session, models.EventTypeSessionCompleted, spot, reservation)

	resp := &CompleteSessionResponse{Session: session}
	if prepaid || session.TotalAmount <= 0 || s.settler == nil {
		return resp, nil
	}
	intent, err := s.settler.CreateIntent(ctx, &CreateIntentRequest{
		UserID:    session.UserID,
		SessionID: &session.ID,
		Amount:    session.TotalAmount,
		Method:    session.PaymentMethod,
	})
	if err != nil {
		s.logger.Error("Failed to create payment intent for session",
			zap.Int64("session_id", session.ID),
			zap.Error(err))
		return resp, nil
	}
	resp.Intent = intent
	return resp, nil
}

// FailSession ends a session abnormally. A hardware fault takes the spot out of order.
func (s *SessionService) FailSession(ctx context.Context, sessionID int64, req *FailSessionRequest) (*models.ChargingSession, error) {
	const op = "SessionService.FailSession"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	var (
		session     *models.ChargingSession
		spot        *models.ChargingSpot
		reservation *models.Reservation
	)
	err := s.inSession(ctx, sessionID, func(tx Tx, sess *models.ChargingSession) error {
		if !sess.Status.CanTransitionTo(models.SessionStatusFailed) {
			return newError(KindInvalidTransition, op, "session %d is %s", sess.ID, sess.Status)
		}

		now := s.deps.Clock()
		sess.Status = models.SessionStatusFailed
		sess.EndedAt = &now
		sess.FailureReason = req.Reason
		if err := tx.UpdateSession(sess); err != nil {
			return err
		}

		var err error
		if req.OutOfOrder {
			if err = tx.TryAcquire(sess.SpotID, models.SpotStatusOutOfOrder, models.SpotStatusOccupied); err != nil && !errors.Is(err, models.ErrSpotConflict) {
				return err
			}
			if err == nil {
				if spot, err = tx.GetSpot(sess.SpotID); err != nil {
					return err
				}
			}
		} else if spot, err = releaseSpotIf(tx, sess.SpotID, models.SpotStatusOccupied); err != nil {
			return err
		}
		r, changed, err := finishReservation(tx, sess)
		if err != nil {
			return err
		}
		if changed {
			reservation = r
		}
		session = sess
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}

	util.SessionsFinishedTotal.WithLabelValues(string(session.Status)).Inc()
	s.logger.Warn("Charging session failed",
		zap.Int64("session_id", session.ID),
		zap.String("reason", req.Reason),
		zap.Bool("out_of_order", req.OutOfOrder))
	s.emitFinished(session, models.EventTypeSessionFailed, spot, reservation)
	return session, nil
}

// GetSession returns a session by id
func (s *SessionService) GetSession(ctx context.Context, sessionID int64) (*models.ChargingSession, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	sess, err := s.deps.Store.GetSession(pctx, sessionID)
	if err != nil {
		return nil, wrapStore("SessionService.GetSession", err)
	}
	return sess, nil
}

// inSession runs fn on a fresh copy of the session inside its spot's unit of work
func (s *SessionService) inSession(ctx context.Context, sessionID int64, fn func(tx Tx, sess *models.ChargingSession) error) error {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	current, err := s.deps.Store.GetSession(pctx, sessionID)
	if err != nil {
		return err
	}
	return s.deps.Store.WithSpotLock(pctx, current.SpotID, func(tx Tx) error {
		sess, err := tx.GetSession(sessionID)
		if err != nil {
			return err
		}
		return fn(tx, sess)
	})
}

// finishReservation completes the checked-in reservation behind sess, if any
func finishReservation(tx Tx, sess *models.ChargingSession) (r *models.Reservation, changed bool, err error) {
	if sess.ReservationID == nil {
		return nil, false, nil
	}
	if r, err = tx.GetReservation(*sess.ReservationID); err != nil {
		return nil, false, err
	}
	if !r.Status.CanTransitionTo(models.ReservationStatusCompleted) {
		return r, false, nil
	}
	r.Status = models.ReservationStatusCompleted
	if err := tx.UpdateReservation(r); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *SessionService) emitFinished(sess *models.ChargingSession, eventType string, spot *models.ChargingSpot, r *models.Reservation) {
	s.deps.Notifier.Emit(sessionTransition(sess, eventType))
	if r != nil {
		s.deps.Notifier.Emit(reservationTransition(r, models.EventTypeReservationCompleted, false))
	}
	if spot != nil {
		s.deps.Notifier.Emit(spotTransition(spot, sess.UserID))
	}
}
