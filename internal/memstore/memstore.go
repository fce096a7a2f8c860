// Package memstore is an in-process implementation of the coordinator's
// persistence contract. Units of work are serialized by one mutex and rolled
// back by restoring a snapshot, which keeps it simple enough for tests and
// local development.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/service"
)

var _ service.Store = (*Store)(nil)

type state struct {
	spots        map[int64]models.ChargingSpot
	reservations map[int64]models.Reservation
	sessions     map[int64]models.ChargingSession
	progress     map[int64][]models.SessionProgress
	payments     map[int64]models.PaymentTransaction
}

func newState() state {
	return state{
		spots:        make(map[int64]models.ChargingSpot),
		reservations: make(map[int64]models.Reservation),
		sessions:     make(map[int64]models.ChargingSession),
		progress:     make(map[int64][]models.SessionProgress),
		payments:     make(map[int64]models.PaymentTransaction),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.spots {
		c.spots[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.progress {
		c.progress[k] = append([]models.SessionProgress(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// Store keeps all entities in memory
type Store struct {
	mu     sync.Mutex
	data   state
	nextID int64
	now    func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{data: newState(), now: time.Now}
}

// AddSpot registers a spot; a zero ID is assigned automatically
func (s *Store) AddSpot(spot models.ChargingSpot) models.ChargingSpot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spot.ID == 0 {
		spot.ID = s.id()
	} else if spot.ID > s.nextID {
		s.nextID = spot.ID
	}
	if spot.Status == "" {
		spot.Status = models.SpotStatusAvailable
	}
	spot.UpdatedAt = s.now()
	s.data.spots[spot.ID] = spot
	return spot
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// GetSpot returns a snapshot of a spot
func (s *Store) GetSpot(ctx context.Context, spotID int64) (*models.ChargingSpot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{s: s}).GetSpot(spotID)
}

// GetStatus returns the committed status of a spot
func (s *Store) GetStatus(ctx context.Context, spotID int64) (models.SpotStatus, error) {
	spot, err := s.GetSpot(ctx, spotID)
	if err != nil {
		return "", err
	}
	return spot.Status, nil
}

// TryAcquire is the standalone compare-and-swap on spot status
func (s *Store) TryAcquire(ctx context.Context, spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{s: s}).TryAcquire(spotID, intended, expected...)
}

// GetReservation returns a reservation by id
func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{s: s}).GetReservation(id)
}

// GetReservationByCode returns a reservation by confirmation code
func (s *Store) GetReservationByCode(ctx context.Context, code string) (*models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.data.reservations {
		if strings.EqualFold(r.ConfirmationCode, code) {
			found := r
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

// ConfirmationCodeExists reports whether a code is already taken
func (s *Store) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := s.GetReservationByCode(ctx, code)
	if err == models.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// ListOpenReservations returns active reservations starting before until
func (s *Store) ListOpenReservations(ctx context.Context, until time.Time) ([]models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reservation
	for _, r := range s.data.reservations {
		if r.Status.IsActive() && r.StartTime.Before(until) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// GetSession returns a session by id
func (s *Store) GetSession(ctx context.Context, id int64) (*models.ChargingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{s: s}).GetSession(id)
}

// ListProgress returns the progress series of a session ordered by recorded-at
func (s *Store) ListProgress(ctx context.Context, sessionID int64) ([]models.SessionProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionProgress(nil), s.data.progress[sessionID]...), nil
}

// CreatePayment persists a new payment transaction
func (s *Store) CreatePayment(ctx context.Context, p *models.PaymentTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p.ID = s.id()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.data.payments[p.ID] = *p
	return nil
}

// GetPayment returns a payment by id
func (s *Store) GetPayment(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{s: s}).GetPayment(id)
}

// WithSpotLock runs fn exclusively; the spot must exist
func (s *Store) WithSpotLock(ctx context.Context, spotID int64, fn func(tx service.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error {
		if _, ok := s.data.spots[spotID]; !ok {
			return models.ErrNotFound
		}
		return fn(t)
	})
}

// WithPaymentLock runs fn exclusively; the payment must exist
func (s *Store) WithPaymentLock(ctx context.Context, paymentID int64, fn func(tx service.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error {
		if _, ok := s.data.payments[paymentID]; !ok {
			return models.ErrNotFound
		}
		return fn(t)
	})
}

func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	nextID := s.nextID
	err := fn(&tx{s: s})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.data = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}
