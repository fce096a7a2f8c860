package service

import (
	"context"
	"time"

	"evcharge/internal/models"
)

// SpotStore is the single source of truth for spot status
type SpotStore interface {
	GetSpot(ctx context.Context, spotID int64) (*models.ChargingSpot, error)
	GetStatus(ctx context.Context, spotID int64) (models.SpotStatus, error)
	// TryAcquire sets the spot to intended only if its current status is one of expected.
	// It returns models.ErrSpotConflict otherwise.
	TryAcquire(ctx context.Context, spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error
}

// Store is the persistence collaborator of the coordinator
type Store interface {
	SpotStore

	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	GetReservationByCode(ctx context.Context, code string) (*models.Reservation, error)
	ConfirmationCodeExists(ctx context.Context, code string) (bool, error)
	// ListOpenReservations returns PENDING, CONFIRMED and CHECKED_IN reservations starting before until
	ListOpenReservations(ctx context.Context, until time.Time) ([]models.Reservation, error)

	GetSession(ctx context.Context, id int64) (*models.ChargingSession, error)
	ListProgress(ctx context.Context, sessionID int64) ([]models.SessionProgress, error)

	CreatePayment(ctx context.Context, p *models.PaymentTransaction) error
	GetPayment(ctx context.Context, id int64) (*models.PaymentTransaction, error)

	// WithSpotLock runs fn in a unit of work that excludes every other
	// status-affecting operation on the same spot. Returning an error rolls back.
	WithSpotLock(ctx context.Context, spotID int64, fn func(tx Tx) error) error
	// WithPaymentLock runs fn in a unit of work serialized per payment transaction id.
	WithPaymentLock(ctx context.Context, paymentID int64, fn func(tx Tx) error) error
}

// Tx exposes reads and writes inside a unit of work
type Tx interface {
	GetSpot(spotID int64) (*models.ChargingSpot, error)
	TryAcquire(spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error
	SetMaintenancePending(spotID int64, pending bool) error

	GetReservation(id int64) (*models.Reservation, error)
	FindOverlappingReservations(spotID int64, start, end time.Time) ([]models.Reservation, error)
	FindUserOverlappingReservations(userID int64, start, end time.Time) ([]models.Reservation, error)
	CreateReservation(r *models.Reservation) error
	UpdateReservation(r *models.Reservation) error
	MarkReservationSettled(reservationID, paymentID int64) error
	UnsettleReservation(reservationID, paymentID int64) error

	GetSession(id int64) (*models.ChargingSession, error)
	ActiveSessionForSpot(spotID int64) (*models.ChargingSession, error)
	CreateSession(s *models.ChargingSession) error
	UpdateSession(s *models.ChargingSession) error
	MarkSessionSettled(sessionID, paymentID int64) error
	UnsettleSession(sessionID, paymentID int64) error
	LastProgress(sessionID int64) (*models.SessionProgress, error)
	AppendProgress(p *models.SessionProgress) error

	GetPayment(id int64) (*models.PaymentTransaction, error)
	UpdatePayment(p *models.PaymentTransaction) error
}

// Notifier receives committed transitions
type Notifier interface {
	Emit(t models.Transition)
}

// IdempotencyStore remembers the entity created for a client supplied key
type IdempotencyStore interface {
	// Remember stores value under key unless present; it returns the stored value and
	// whether this call stored it.
	Remember(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error)
	Replace(ctx context.Context, key, value string, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Settler creates payment intents for finished sessions
type Settler interface {
	CreateIntent(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error)
}

// Clock returns the current time
type Clock func() time.Time
