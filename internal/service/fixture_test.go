package service_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"evcharge/internal/gateway"
	"evcharge/internal/memstore"
	"evcharge/internal/models"
	"evcharge/internal/notify"
	"evcharge/internal/service"

	"github.com/stretchr/testify/require"
)

const (
	vnpaySecret = "VNPAYTESTSECRET"
	momoSecret  = "MOMOTESTSECRET"
	price       = int64(3500)
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx          context.Context
	store        *memstore.Store
	kv           *memstore.KV
	rec          *notify.Recorder
	now          time.Time
	reservations *service.ReservationService
	sessions     *service.SessionService
	payments     *service.PaymentService
	spots        *service.SpotService
}

func newFixture(t *testing.T, cfg service.ReservationConfig) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: memstore.New(),
		kv:    memstore.NewKV(),
		rec:   notify.NewRecorder(),
		now:   base,
	}
	deps := service.Deps{
		Store:       f.store,
		Notifier:    f.rec,
		Idempotency: f.kv,
		Clock:       func() time.Time { return f.now },
	}
	registry := gateway.NewRegistry(
		gateway.NewVNPay(gateway.VNPayConfig{
			TmnCode:    "EVTEST01",
			HashSecret: vnpaySecret,
			PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
			ReturnURL:  "https://ev.example.com/api/v1/payments/return/vnpay",
		}),
		gateway.NewMoMo(gateway.MoMoConfig{
			PartnerCode: "MOMOEV01",
			AccessKey:   "access",
			SecretKey:   momoSecret,
			Endpoint:    "https://test-payment.momo.vn/v2/gateway/pay",
		}),
	)
	f.payments = service.NewPaymentService(deps, registry, "VND")
	f.sessions = service.NewSessionService(deps, f.payments)
	f.reservations = service.NewReservationService(deps, cfg)
	f.spots = service.NewSpotService(deps, f.sessions)
	return f
}

func defaultConfig() service.ReservationConfig {
	return service.ReservationConfig{MaxDuration: 4 * time.Hour, HoldLead: 15 * time.Minute}
}

func (f *fixture) addSpot(stationID int64) models.ChargingSpot {
	return f.store.AddSpot(models.ChargingSpot{
		StationID:   stationID,
		PowerKW:     50,
		PricePerKWh: price,
		IsOnline:    true,
	})
}

func (f *fixture) spotStatus(t *testing.T, spotID int64) models.SpotStatus {
	t.Helper()
	status, err := f.store.GetStatus(f.ctx, spotID)
	require.NoError(t, err)
	return status
}

func (f *fixture) reserve(t *testing.T, userID, spotID int64, start, end time.Time) *models.Reservation {
	t.Helper()
	r, err := f.reservations.CreateReservation(f.ctx, &service.CreateReservationRequest{
		UserID:             userID,
		SpotID:             spotID,
		StartTime:          start,
		EndTime:            end,
		EstimatedEnergyKWh: 20,
	})
	require.NoError(t, err)
	return r
}

func (f *fixture) confirmed(t *testing.T, userID, spotID int64, start, end time.Time) *models.Reservation {
	t.Helper()
	r := f.reserve(t, userID, spotID, start, end)
	r, err := f.reservations.ConfirmReservation(f.ctx, r.ID)
	require.NoError(t, err)
	return r
}

func (f *fixture) walkUp(t *testing.T, userID, spotID int64, method models.PaymentMethod) *models.ChargingSession {
	t.Helper()
	sess, err := f.sessions.StartSession(f.ctx, &service.StartSessionRequest{
		UserID:        userID,
		SpotID:        spotID,
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return sess
}

func vnpayCallback(paymentID, amount int64, code, txNo string) map[string]string {
	params := map[string]string{
		"vnp_TmnCode":           "EVTEST01",
		"vnp_TxnRef":            strconv.FormatInt(paymentID, 10),
		"vnp_Amount":            strconv.FormatInt(amount*100, 10),
		"vnp_ResponseCode":      code,
		"vnp_TransactionStatus": code,
		"vnp_TransactionNo":     txNo,
		"vnp_OrderInfo":         "Charging session",
		"vnp_SecureHashType":    "HmacSHA512",
	}
	params["vnp_SecureHash"] = gateway.Sign(vnpaySecret, gateway.Canonical(params, "vnp_SecureHash", "vnp_SecureHashType"))
	return params
}

func int64p(v int64) *int64 { return &v }
