package service

import (
	"context"
	"strconv"
	"time"

	"evcharge/internal/models"
)

const defaultPersistTimeout = 5 * time.Second

// Deps are the collaborators shared by the coordinator services
type Deps struct {
	Store          Store
	Notifier       Notifier
	Idempotency    IdempotencyStore
	Clock          Clock
	PersistTimeout time.Duration
	IdempotencyTTL time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = discard{}
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = defaultPersistTimeout
	}
	if d.IdempotencyTTL <= 0 {
		d.IdempotencyTTL = 24 * time.Hour
	}
	return d
}

// persist bounds a persistence call by the configured timeout
func (d Deps) persist(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.PersistTimeout)
}

type discard struct{}

func (discard) Emit(models.Transition) {}

const idempotencyPending = "pending"

func idempotencyKey(scope, clientKey string) string {
	if clientKey == "" {
		return ""
	}
	return "idem:" + scope + ":" + clientKey
}

// claimKey reserves key for the caller. It returns the entity id recorded by an
// earlier request, or owned=true when the caller should create the entity and
// then call completeKey.
func (d Deps) claimKey(ctx context.Context, op, key string) (existing int64, owned bool, err error) {
	if d.Idempotency == nil || key == "" {
		return 0, true, nil
	}
	value, stored, err := d.Idempotency.Remember(ctx, key, idempotencyPending, d.IdempotencyTTL)
	if err != nil {
		return 0, false, &Error{Kind: KindInternal, Op: op, Err: err}
	}
	if stored {
		return 0, true, nil
	}
	if value == idempotencyPending {
		return 0, false, newError(KindConflictingOutcome, op, "request with this idempotency key is still in progress")
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, &Error{Kind: KindInternal, Op: op, Err: err}
	}
	return id, false, nil
}

func (d Deps) completeKey(ctx context.Context, key string, id int64, err error) {
	if d.Idempotency == nil || key == "" {
		return
	}
	if err != nil {
		_ = d.Idempotency.Forget(ctx, key)
		return
	}
	_ = d.Idempotency.Replace(ctx, key, strconv.FormatInt(id, 10), d.IdempotencyTTL)
}

func spotTransition(spot *models.ChargingSpot, userID int64) models.Transition {
	return models.Transition{
		EntityType:  models.EntitySpot,
		EntityID:    spot.ID,
		EventType:   models.EventTypeSpotStatusChanged,
		NewStatus:   string(spot.Status),
		UserID:      userID,
		StationID:   spot.StationID,
		SpotID:      spot.ID,
		SpotVisible: true,
		Data: models.SpotStatusData{
			SpotID:    spot.ID,
			StationID: spot.StationID,
			Status:    spot.Status,
		},
	}
}

func reservationTransition(r *models.Reservation, eventType string, spotVisible bool) models.Transition {
	return models.Transition{
		EntityType:  models.EntityReservation,
		EntityID:    r.ID,
		EventType:   eventType,
		NewStatus:   string(r.Status),
		UserID:      r.UserID,
		StationID:   r.StationID,
		SpotID:      r.SpotID,
		SpotVisible: spotVisible,
		Data:        *r,
	}
}

func sessionTransition(s *models.ChargingSession, eventType string) models.Transition {
	return models.Transition{
		EntityType:  models.EntitySession,
		EntityID:    s.ID,
		EventType:   eventType,
		NewStatus:   string(s.Status),
		UserID:      s.UserID,
		StationID:   s.StationID,
		SpotID:      s.SpotID,
		SessionID:   s.ID,
		SpotVisible: true,
		Data:        *s,
	}
}
