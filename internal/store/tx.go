package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"evcharge/internal/models"
)

// tx implements service.Tx on top of an open transaction
type tx struct {
	ctx context.Context
	q   querier
}

func (t *tx) GetSpot(spotID int64) (*models.ChargingSpot, error) {
	return getSpot(t.ctx, t.q, spotID)
}

func (t *tx) TryAcquire(spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error {
	return tryAcquire(t.ctx, t.q, spotID, intended, expected)
}

func (t *tx) SetMaintenancePending(spotID int64, pending bool) error {
	return t.execOne(
		"UPDATE charging_spots SET maintenance_pending = $1, updated_at = NOW() WHERE id = $2",
		pending, spotID)
}

func (t *tx) GetReservation(id int64) (*models.Reservation, error) {
	return getReservation(t.ctx, t.q, "SELECT * FROM reservations WHERE id = $1", id)
}

func (t *tx) FindOverlappingReservations(spotID int64, start, end time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	err := t.q.SelectContext(t.ctx, &out, `
		SELECT * FROM reservations
		WHERE spot_id = $1 AND status IN ('PENDING', 'CONFIRMED', 'CHECKED_IN')
		AND start_time < $3 AND $2 < end_time
		ORDER BY id`, spotID, start, end)
	return out, err
}

func (t *tx) FindUserOverlappingReservations(userID int64, start, end time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	err := t.q.SelectContext(t.ctx, &out, `
		SELECT * FROM reservations
		WHERE user_id = $1 AND status IN ('PENDING', 'CONFIRMED', 'CHECKED_IN')
		AND start_time < $3 AND $2 < end_time
		ORDER BY id`, userID, start, end)
	return out, err
}

func (t *tx) CreateReservation(r *models.Reservation) error {
	query := `
		INSERT INTO reservations (user_id, spot_id, station_id, vehicle_id, start_time, end_time, status,
			confirmation_code, is_prepaid, estimated_energy_kwh, estimated_cost)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := t.q.GetContext(t.ctx, r, query,
		r.UserID, r.SpotID, r.StationID, r.VehicleID, r.StartTime, r.EndTime, r.Status,
		r.ConfirmationCode, r.IsPrepaid, r.EstimatedEnergyKWh, r.EstimatedCost)
	return mapError(err)
}

func (t *tx) UpdateReservation(r *models.Reservation) error {
	query := `
		UPDATE reservations SET status = $1, spot_held = $2, checked_in_at = $3,
			cancelled_by = $4, cancel_reason = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`

	err := t.q.GetContext(t.ctx, &r.UpdatedAt, query,
		r.Status, r.SpotHeld, r.CheckedInAt, r.CancelledBy, r.CancelReason, r.ID)
	return notFound(mapError(err))
}

func (t *tx) MarkReservationSettled(reservationID, paymentID int64) error {
	return t.settle(`
		UPDATE reservations SET cost_settled = TRUE, settlement_payment_id = $2, updated_at = NOW()
		WHERE id = $1 AND (settlement_payment_id IS NULL OR settlement_payment_id = $2)`,
		"SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)",
		reservationID, paymentID)
}

func (t *tx) UnsettleReservation(reservationID, paymentID int64) error {
	_, err := t.q.ExecContext(t.ctx, `
		UPDATE reservations SET cost_settled = FALSE, settlement_payment_id = NULL, updated_at = NOW()
		WHERE id = $1 AND settlement_payment_id = $2`, reservationID, paymentID)
	return err
}

func (t *tx) GetSession(id int64) (*models.ChargingSession, error) {
	return getSession(t.ctx, t.q, "SELECT * FROM charging_sessions WHERE id = $1", id)
}

func (t *tx) ActiveSessionForSpot(spotID int64) (*models.ChargingSession, error) {
	return getSession(t.ctx, t.q,
		"SELECT * FROM charging_sessions WHERE spot_id = $1 AND status IN ('PENDING', 'IN_PROGRESS') LIMIT 1", spotID)
}

func (t *tx) CreateSession(s *models.ChargingSession) error {
	query := `
		INSERT INTO charging_sessions (reservation_id, user_id, spot_id, station_id, vehicle_id, started_at,
			price_per_kwh, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := t.q.GetContext(t.ctx, s, query,
		s.ReservationID, s.UserID, s.SpotID, s.StationID, s.VehicleID, s.StartedAt,
		s.PricePerKWh, s.PaymentMethod, s.Status)
	return mapError(err)
}

func (t *tx) UpdateSession(s *models.ChargingSession) error {
	query := `
		UPDATE charging_sessions SET status = $1, ended_at = $2, energy_kwh = $3, total_amount = $4,
			failure_reason = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`

	err := t.q.GetContext(t.ctx, &s.UpdatedAt, query,
		s.Status, s.EndedAt, s.EnergyKWh, s.TotalAmount, s.FailureReason, s.ID)
	return notFound(mapError(err))
}

func (t *tx) MarkSessionSettled(sessionID, paymentID int64) error {
	return t.settle(`
		UPDATE charging_sessions SET payment_settled = TRUE, settlement_payment_id = $2, updated_at = NOW()
		WHERE id = $1 AND (settlement_payment_id IS NULL OR settlement_payment_id = $2)`,
		"SELECT EXISTS (SELECT 1 FROM charging_sessions WHERE id = $1)",
		sessionID, paymentID)
}

func (t *tx) UnsettleSession(sessionID, paymentID int64) error {
	_, err := t.q.ExecContext(t.ctx, `
		UPDATE charging_sessions SET payment_settled = FALSE, settlement_payment_id = NULL, updated_at = NOW()
		WHERE id = $1 AND settlement_payment_id = $2`, sessionID, paymentID)
	return err
}

func (t *tx) LastProgress(sessionID int64) (*models.SessionProgress, error) {
	var p models.SessionProgress
	err := t.q.GetContext(t.ctx, &p,
		"SELECT * FROM session_progress WHERE session_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT 1", sessionID)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *tx) AppendProgress(p *models.SessionProgress) error {
	query := `
		INSERT INTO session_progress (session_id, soc_percent, power_kw, energy_kwh, eta_minutes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return t.q.GetContext(t.ctx, &p.ID, query,
		p.SessionID, p.SOCPercent, p.PowerKW, p.EnergyKWh, p.ETAMinutes, p.RecordedAt)
}

func (t *tx) GetPayment(id int64) (*models.PaymentTransaction, error) {
	return getPayment(t.ctx, t.q, "SELECT * FROM payment_transactions WHERE id = $1", id)
}

func (t *tx) UpdatePayment(p *models.PaymentTransaction) error {
	query := `
		UPDATE payment_transactions SET status = $1, provider_tx_id = $2, failure_reason = $3,
			processed_at = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`

	err := t.q.GetContext(t.ctx, &p.UpdatedAt, query,
		p.Status, p.ProviderTxID, p.FailureReason, p.ProcessedAt, p.ID)
	return notFound(mapError(err))
}

// settle runs a guarded settlement UPDATE; zero affected rows means the
// target is missing or already settled by another payment
func (t *tx) settle(update, exists string, targetID, paymentID int64) error {
	res, err := t.q.ExecContext(t.ctx, update, targetID, paymentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var found bool
	if err := t.q.GetContext(t.ctx, &found, exists, targetID); err != nil {
		return err
	}
	if !found {
		return models.ErrNotFound
	}
	return models.ErrDuplicateSettlement
}

func (t *tx) execOne(query string, args ...interface{}) error {
	res, err := t.q.ExecContext(t.ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}
