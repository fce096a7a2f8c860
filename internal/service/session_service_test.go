package service_test

import (
	"sync"
	"testing"
	"time"

	"evcharge/internal/models"
	"evcharge/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartWalkUpSession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(4)

	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	assert.Equal(t, models.SessionStatusInProgress, sess.Status)
	assert.Equal(t, price, sess.PricePerKWh)
	assert.Equal(t, int64(4), sess.StationID)
	assert.Equal(t, models.SpotStatusOccupied, f.spotStatus(t, spot.ID))

	started := f.rec.Transitions(models.EventTypeSessionStarted)
	require.Len(t, started, 1)
	assert.True(t, started[0].SpotVisible)

	_, err := f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 2, SpotID: spot.ID})
	assert.ErrorIs(t, err, service.ErrSpotUnavailable)
}

func TestStartSessionRejectsBadInput(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)

	_, err := f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 1, SpotID: spot.ID, PaymentMethod: "BITCOIN"})
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 1, SpotID: 404})
	assert.ErrorIs(t, err, service.ErrNotFound)

	r := f.confirmed(t, 1, spot.ID, base, base.Add(time.Hour))
	_, err = f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 1, SpotID: spot.ID, ReservationID: &r.ID})
	assert.ErrorIs(t, err, service.ErrInvalidTransition, "reservation not checked in")
}

func TestWalkUpOnReservedSpot(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	f.confirmed(t, 1, spot.ID, base.Add(10*time.Minute), base.Add(time.Hour))
	_, err := f.reservations.Sweep(f.ctx, base)
	require.NoError(t, err)

	_, err = f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 2, SpotID: spot.ID})
	assert.ErrorIs(t, err, service.ErrSpotUnavailable)
}

func TestConcurrentWalkUps(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			_, err := f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: user, SpotID: spot.ID})
			if err == nil {
				mu.Lock()
				started++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, service.ErrSpotUnavailable)
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, started)
}

func TestRecordProgress(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	p, err := f.sessions.RecordProgress(f.ctx, sess.ID, &service.ProgressRequest{
		SOCPercent: 40, PowerKW: 48, EnergyKWh: 5, ETAMinutes: 30, RecordedAt: base.Add(10 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, p.SessionID)

	_, err = f.sessions.RecordProgress(f.ctx, sess.ID, &service.ProgressRequest{
		SOCPercent: 55, EnergyKWh: 9, ETAMinutes: 20, RecordedAt: base.Add(20 * time.Minute),
	})
	require.NoError(t, err)

	_, err = f.sessions.RecordProgress(f.ctx, sess.ID, &service.ProgressRequest{
		SOCPercent: 50, RecordedAt: base.Add(15 * time.Minute),
	})
	assert.ErrorIs(t, err, service.ErrStaleProgress)

	_, err = f.sessions.RecordProgress(f.ctx, sess.ID, &service.ProgressRequest{SOCPercent: 101})
	assert.ErrorIs(t, err, service.ErrValidation)

	view, err := f.sessions.GetSessionProgress(f.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, view.Points, 2)
	assert.Equal(t, 55.0, view.LatestSOCPercent)
	assert.Equal(t, 20, view.LatestETAMinutes)
	assert.Equal(t, 20.0, view.ElapsedMinutes)

	progress := f.rec.Transitions(models.EventTypeSessionProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, sess.ID, progress[0].SessionID)
}

func TestRecordProgressAfterCompletion(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)
	_, err := f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 10})
	require.NoError(t, err)

	_, err = f.sessions.RecordProgress(f.ctx, sess.ID, &service.ProgressRequest{SOCPercent: 90})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestCompleteSessionComputesTotal(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	f.now = base.Add(40 * time.Minute)
	resp, err := f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 12.5})
	require.NoError(t, err)

	assert.Equal(t, models.SessionStatusCompleted, resp.Session.Status)
	assert.Equal(t, int64(43750), resp.Session.TotalAmount)
	require.NotNil(t, resp.Session.EndedAt)
	assert.Equal(t, models.SpotStatusAvailable, f.spotStatus(t, spot.ID))

	require.NotNil(t, resp.Intent)
	assert.Equal(t, models.PaymentMethodCash, resp.Intent.Payment.Method)
	assert.Equal(t, int64(43750), resp.Intent.Payment.Amount)
	assert.Empty(t, resp.Intent.RedirectURL)

	_, err = f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 1})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestCompleteSessionExplicitCostWins(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodVNPay)

	resp, err := f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 10, Cost: int64p(30000)})
	require.NoError(t, err)
	assert.Equal(t, int64(30000), resp.Session.TotalAmount)
	require.NotNil(t, resp.Intent)
	assert.Contains(t, resp.Intent.RedirectURL, "vnp_SecureHash=")
}

func TestCompleteSessionZeroTotalSkipsIntent(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	resp, err := f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 0})
	require.NoError(t, err)
	assert.Nil(t, resp.Intent)
}

func TestCompleteSessionHonoursMaintenanceHold(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	held, err := f.spots.HoldForMaintenance(f.ctx, spot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SpotStatusOccupied, held.Status)
	assert.True(t, held.MaintenancePending)

	_, err = f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 5})
	require.NoError(t, err)

	after, err := f.spots.GetSpot(f.ctx, spot.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SpotStatusMaintenance, after.Status)
	assert.False(t, after.MaintenancePending)
}

func TestFailSession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	failed, err := f.sessions.FailSession(f.ctx, sess.ID, &service.FailSessionRequest{Reason: "connector fault", OutOfOrder: true})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, failed.Status)
	assert.Equal(t, "connector fault", failed.FailureReason)
	assert.Equal(t, models.SpotStatusOutOfOrder, f.spotStatus(t, spot.ID))

	_, err = f.sessions.FailSession(f.ctx, sess.ID, &service.FailSessionRequest{Reason: "again"})
	assert.ErrorIs(t, err, service.ErrInvalidTransition)
}

func TestFailSessionCompletesReservation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	r := f.confirmed(t, 1, spot.ID, base, base.Add(time.Hour))
	_, err := f.reservations.CheckIn(f.ctx, r.ConfirmationCode)
	require.NoError(t, err)
	sess, err := f.sessions.StartSession(f.ctx, &service.StartSessionRequest{UserID: 1, SpotID: spot.ID, ReservationID: &r.ID})
	require.NoError(t, err)

	_, err = f.sessions.FailSession(f.ctx, sess.ID, &service.FailSessionRequest{Reason: "vehicle error"})
	require.NoError(t, err)

	got, err := f.reservations.GetReservation(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusCompleted, got.Status)
	assert.Equal(t, models.SpotStatusAvailable, f.spotStatus(t, spot.ID))
}
