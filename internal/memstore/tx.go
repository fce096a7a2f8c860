package memstore

import (
	"sort"
	"strings"
	"time"

	"evcharge/internal/models"
)

// tx operates on the live maps while the store mutex is held
type tx struct {
	s *Store
}

func (t *tx) GetSpot(spotID int64) (*models.ChargingSpot, error) {
	spot, ok := t.s.data.spots[spotID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &spot, nil
}

func (t *tx) TryAcquire(spotID int64, intended models.SpotStatus, expected ...models.SpotStatus) error {
	spot, ok := t.s.data.spots[spotID]
	if !ok {
		return models.ErrNotFound
	}
	matched := false
	for _, e := range expected {
		if spot.Status == e {
			matched = true
			break
		}
	}
	if !matched {
		return models.ErrSpotConflict
	}
	spot.Status = intended
	spot.UpdatedAt = t.s.now()
	t.s.data.spots[spotID] = spot
	return nil
}

func (t *tx) SetMaintenancePending(spotID int64, pending bool) error {
	spot, ok := t.s.data.spots[spotID]
	if !ok {
		return models.ErrNotFound
	}
	spot.MaintenancePending = pending
	spot.UpdatedAt = t.s.now()
	t.s.data.spots[spotID] = spot
	return nil
}

func (t *tx) GetReservation(id int64) (*models.Reservation, error) {
	r, ok := t.s.data.reservations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &r, nil
}

func (t *tx) FindOverlappingReservations(spotID int64, start, end time.Time) ([]models.Reservation, error) {
	return t.overlapping(func(r models.Reservation) bool { return r.SpotID == spotID }, start, end), nil
}

func (t *tx) FindUserOverlappingReservations(userID int64, start, end time.Time) ([]models.Reservation, error) {
	return t.overlapping(func(r models.Reservation) bool { return r.UserID == userID }, start, end), nil
}

func (t *tx) overlapping(match func(models.Reservation) bool, start, end time.Time) []models.Reservation {
	var out []models.Reservation
	for _, r := range t.s.data.reservations {
		if match(r) && r.Status.IsActive() && r.Overlaps(start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tx) CreateReservation(r *models.Reservation) error {
	for _, existing := range t.s.data.reservations {
		if strings.EqualFold(existing.ConfirmationCode, r.ConfirmationCode) {
			return models.ErrDuplicateCode
		}
	}
	now := t.s.now()
	r.ID = t.s.id()
	r.CreatedAt = now
	r.UpdatedAt = now
	t.s.data.reservations[r.ID] = *r
	return nil
}

func (t *tx) UpdateReservation(r *models.Reservation) error {
	if _, ok := t.s.data.reservations[r.ID]; !ok {
		return models.ErrNotFound
	}
	r.UpdatedAt = t.s.now()
	t.s.data.reservations[r.ID] = *r
	return nil
}

func (t *tx) MarkReservationSettled(reservationID, paymentID int64) error {
	r, ok := t.s.data.reservations[reservationID]
	if !ok {
		return models.ErrNotFound
	}
	if r.CostSettled && (r.SettlementPaymentID == nil || *r.SettlementPaymentID != paymentID) {
		return models.ErrDuplicateSettlement
	}
	r.CostSettled = true
	r.SettlementPaymentID = &paymentID
	r.UpdatedAt = t.s.now()
	t.s.data.reservations[reservationID] = r
	return nil
}

func (t *tx) UnsettleReservation(reservationID, paymentID int64) error {
	r, ok := t.s.data.reservations[reservationID]
	if !ok {
		return models.ErrNotFound
	}
	if r.SettlementPaymentID != nil && *r.SettlementPaymentID == paymentID {
		r.CostSettled = false
		r.SettlementPaymentID = nil
		r.UpdatedAt = t.s.now()
		t.s.data.reservations[reservationID] = r
	}
	return nil
}

func (t *tx) GetSession(id int64) (*models.ChargingSession, error) {
	s, ok := t.s.data.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (t *tx) ActiveSessionForSpot(spotID int64) (*models.ChargingSession, error) {
	for _, s := range t.s.data.sessions {
		if s.SpotID == spotID && s.Status.IsActive() {
			found := s
			return &found, nil
		}
	}
	return nil, models.ErrNotFound
}

func (t *tx) CreateSession(s *models.ChargingSession) error {
	if s.Status.IsActive() {
		if _, err := t.ActiveSessionForSpot(s.SpotID); err == nil {
			return models.ErrActiveSessionExists
		}
	}
	now := t.s.now()
	s.ID = t.s.id()
	s.CreatedAt = now
	s.UpdatedAt = now
	t.s.data.sessions[s.ID] = *s
	return nil
}

func (t *tx) UpdateSession(s *models.ChargingSession) error {
	if _, ok := t.s.data.sessions[s.ID]; !ok {
		return models.ErrNotFound
	}
	if s.Status.IsActive() {
		if active, err := t.ActiveSessionForSpot(s.SpotID); err == nil && active.ID != s.ID {
			return models.ErrActiveSessionExists
		}
	}
	s.UpdatedAt = t.s.now()
	t.s.data.sessions[s.ID] = *s
	return nil
}

func (t *tx) MarkSessionSettled(sessionID, paymentID int64) error {
	s, ok := t.s.data.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}
	if s.PaymentSettled && (s.SettlementPaymentID == nil || *s.SettlementPaymentID != paymentID) {
		return models.ErrDuplicateSettlement
	}
	s.PaymentSettled = true
	s.SettlementPaymentID = &paymentID
	s.UpdatedAt = t.s.now()
	t.s.data.sessions[sessionID] = s
	return nil
}

func (t *tx) UnsettleSession(sessionID, paymentID int64) error {
	s, ok := t.s.data.sessions[sessionID]
	if !ok {
		return models.ErrNotFound
	}
	if s.SettlementPaymentID != nil && *s.SettlementPaymentID == paymentID {
		s.PaymentSettled = false
		s.SettlementPaymentID = nil
		s.UpdatedAt = t.s.now()
		t.s.data.sessions[sessionID] = s
	}
	return nil
}

func (t *tx) LastProgress(sessionID int64) (*models.SessionProgress, error) {
	series := t.s.data.progress[sessionID]
	if len(series) == 0 {
		return nil, models.ErrNotFound
	}
	last := series[len(series)-1]
	return &last, nil
}

func (t *tx) AppendProgress(p *models.SessionProgress) error {
	if _, ok := t.s.data.sessions[p.SessionID]; !ok {
		return models.ErrNotFound
	}
	p.ID = t.s.id()
	t.s.data.progress[p.SessionID] = append(t.s.data.progress[p.SessionID], *p)
	return nil
}

func (t *tx) GetPayment(id int64) (*models.PaymentTransaction, error) {
	p, ok := t.s.data.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (t *tx) UpdatePayment(p *models.PaymentTransaction) error {
	if _, ok := t.s.data.payments[p.ID]; !ok {
		return models.ErrNotFound
	}
	if p.Status == models.PaymentStatusSucceeded {
		for _, other := range t.s.data.payments {
			if other.ID == p.ID || other.Status != models.PaymentStatusSucceeded {
				continue
			}
			if sameTarget(other.SessionID, p.SessionID) || sameTarget(other.ReservationID, p.ReservationID) {
				return models.ErrDuplicateSettlement
			}
		}
	}
	p.UpdatedAt = t.s.now()
	t.s.data.payments[p.ID] = *p
	return nil
}

func sameTarget(a, b *int64) bool {
	return a != nil && b != nil && *a == *b
}
