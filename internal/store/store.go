package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/service"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Store is the Postgres implementation of service.Store
type Store struct {
	db *sqlx.DB
}

var _ service.Store = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSpot inserts a charging spot
func (s *Store) CreateSpot(ctx context.Context, spot *models.ChargingSpot) error {
	if spot.Status == "" {
		spot.Status = models.SpotStatusAvailable
	}
	query := `
		INSERT INTO charging_spots (station_id, status, power_kw, price_per_kwh, is_online)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, updated_at`

	return s.db.GetContext(ctx, spot, query,
		spot.StationID, spot.Status, spot.PowerKW, spot.PricePerKWh, spot.IsOnline)
}

// GetSpot retrieves a spot by ID
func (s *Store) GetSpot(ctx context.Context, spotID int64) (*models.ChargingSpot, error) {
	return getSpot(ctx, s.db, spotID)
}

// GetStatus returns the current status of a spot
func (s *Store) GetStatus(ctx context.Context, spotID int64) (models.SpotStatus, error) {
	var status models.SpotStatus
	err := s.db.GetContext(ctx, &status, "SELECT status FROM charging_spots WHERE id = $1", spotID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	return status, err
}

// TryAcquire moves a spot to intended when its status is one of expected.
// The conditional UPDATE is the compare-and-set.
func (s *Store) TryAcquire(ctx context.Context, spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error {
	return tryAcquire(ctx, s.db, spotID, intended, expected)
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	return getReservation(ctx, s.db, "SELECT * FROM reservations WHERE id = $1", id)
}

// GetReservationByCode retrieves a reservation by confirmation code, ignoring case
func (s *Store) GetReservationByCode(ctx context.Context, code string) (*models.Reservation, error) {
	return getReservation(ctx, s.db, "SELECT * FROM reservations WHERE UPPER(confirmation_code) = UPPER($1)", code)
}

// ConfirmationCodeExists reports whether code is taken
func (s *Store) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM reservations WHERE UPPER(confirmation_code) = UPPER($1))", code)
	return exists, err
}

// ListOpenReservations returns PENDING, CONFIRMED and CHECKED_IN reservations starting before until
func (s *Store) ListOpenReservations(ctx context.Context, until time.Time) ([]models.Reservation, error) {
	var out []models.Reservation
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM reservations
		WHERE status IN ('PENDING', 'CONFIRMED', 'CHECKED_IN') AND start_time < $1
		ORDER BY start_time, id`, until)
	return out, err
}

// GetSession retrieves a charging session by ID
func (s *Store) GetSession(ctx context.Context, id int64) (*models.ChargingSession, error) {
	return getSession(ctx, s.db, "SELECT * FROM charging_sessions WHERE id = $1", id)
}

// ListProgress returns the telemetry series of a session in recording order
func (s *Store) ListProgress(ctx context.Context, sessionID int64) ([]models.SessionProgress, error) {
	var out []models.SessionProgress
	err := s.db.SelectContext(ctx, &out,
		"SELECT * FROM session_progress WHERE session_id = $1 ORDER BY recorded_at, id", sessionID)
	return out, err
}

// CreatePayment inserts a payment transaction
func (s *Store) CreatePayment(ctx context.Context, p *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (user_id, reservation_id, session_id, amount, currency, method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := s.db.GetContext(ctx, p, query,
		p.UserID, p.ReservationID, p.SessionID, p.Amount, p.Currency, p.Method, p.Status)
	return mapError(err)
}

// GetPayment retrieves a payment transaction by ID
func (s *Store) GetPayment(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	return getPayment(ctx, s.db, "SELECT * FROM payment_transactions WHERE id = $1", id)
}

// WithSpotLock runs fn in a transaction holding the spot row lock (FOR UPDATE)
func (s *Store) WithSpotLock(ctx context.Context, spotID int64, fn func(tx service.Tx) error) error {
	return s.inTx(ctx, "SELECT id FROM charging_spots WHERE id = $1 FOR UPDATE", spotID, fn)
}

// WithPaymentLock runs fn in a transaction holding the payment row lock (FOR UPDATE)
func (s *Store) WithPaymentLock(ctx context.Context, paymentID int64, fn func(tx service.Tx) error) error {
	return s.inTx(ctx, "SELECT id FROM payment_transactions WHERE id = $1 FOR UPDATE", paymentID, fn)
}

func (s *Store) inTx(ctx context.Context, lockQuery string, id int64, fn func(tx service.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	var locked int64
	err = sqlTx.GetContext(ctx, &locked, lockQuery, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock row %d: %w", id, err)
	}

	if err := fn(&tx{ctx: ctx, q: sqlTx}); err != nil {
		return err
	}
	return mapError(sqlTx.Commit())
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx
type querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func getSpot(ctx context.Context, q querier, id int64) (*models.ChargingSpot, error) {
	var spot models.ChargingSpot
	err := q.GetContext(ctx, &spot, "SELECT * FROM charging_spots WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &spot, nil
}

func getReservation(ctx context.Context, q querier, query string, args ...interface{}) (*models.Reservation, error) {
	var r models.Reservation
	err := q.GetContext(ctx, &r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func getSession(ctx context.Context, q querier, query string, args ...interface{}) (*models.ChargingSession, error) {
	var sess models.ChargingSession
	err := q.GetContext(ctx, &sess, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func getPayment(ctx context.Context, q querier, query string, args ...interface{}) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	err := q.GetContext(ctx, &p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func tryAcquire(ctx context.Context, q querier, spotID int64, intended models.SpotStatus, expected []models.SpotStatus) error {
	statuses := make([]string, len(expected))
	for i, e := range expected {
		statuses[i] = string(e)
	}

	res, err := q.ExecContext(ctx,
		"UPDATE charging_spots SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		intended, spotID, pq.Array(statuses))
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

	var exists bool
	if err := q.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM charging_spots WHERE id = $1)", spotID); err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrSpotConflict
}

const (
	pqUniqueViolation    = "23505"
	pqExclusionViolation = "23P01"
)

// mapError turns constraint violations into the shared store sentinels
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case pqExclusionViolation:
		return fmt.Errorf("%w: %s", models.ErrSpotConflict, pqErr.Constraint)
	case pqUniqueViolation:
		switch pqErr.Constraint {
		case "reservations_confirmation_code_key":
			return models.ErrDuplicateCode
		case "charging_sessions_one_active_per_spot":
			return models.ErrActiveSessionExists
		case "payment_one_success_per_session", "payment_one_success_per_reservation":
			return models.ErrDuplicateSettlement
		}
	}
	return err
}
