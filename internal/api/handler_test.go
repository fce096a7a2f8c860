package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"evcharge/internal/gateway"
	"evcharge/internal/memstore"
	"evcharge/internal/models"
	"evcharge/internal/notify"
	"evcharge/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "APITESTSECRET"

type testServer struct {
	router *gin.Engine
	store  *memstore.Store
	rec    *notify.Recorder
	queue  *fakeQueue
}

type fakeQueue struct {
	refs []string
}

func (q *fakeQueue) PublishCallback(ctx context.Context, provider, paymentRef string, params map[string]string) error {
	q.refs = append(q.refs, paymentRef)
	return nil
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

func newTestServer(t *testing.T, async bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{store: memstore.New(), rec: notify.NewRecorder(), queue: &fakeQueue{}}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	deps := service.Deps{
		Store:       ts.store,
		Notifier:    ts.rec,
		Idempotency: memstore.NewKV(),
		Clock:       func() time.Time { return now },
	}
	registry := gateway.NewRegistry(gateway.NewVNPay(gateway.VNPayConfig{
		TmnCode:    "EVTEST01",
		HashSecret: testSecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
	}))
	payments := service.NewPaymentService(deps, registry, "VND")
	sessions := service.NewSessionService(deps, payments)

	opts := Options{
		Reservations: service.NewReservationService(deps, service.ReservationConfig{HoldLead: 15 * time.Minute}),
		Sessions:     sessions,
		Payments:     payments,
		Spots:        service.NewSpotService(deps, sessions),
	}
	if async {
		opts.Callbacks = ts.queue
	}

	ts.router = gin.New()
	NewHandler(opts).SetupRoutes(ts.router)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst))
}

func (ts *testServer) addSpot() models.ChargingSpot {
	return ts.store.AddSpot(models.ChargingSpot{StationID: 3, PricePerKWh: 4000, IsOnline: true})
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadinessReportsFailedDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(Options{Readiness: map[string]Pinger{"redis": failingPinger{}}}).SetupRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestReservationRoutes(t *testing.T) {
	ts := newTestServer(t, false)
	spot := ts.addSpot()

	body := gin.H{
		"user_id":    1,
		"spot_id":    spot.ID,
		"start_time": "2026-03-01T10:00:00Z",
		"end_time":   "2026-03-01T11:00:00Z",
	}
	w := ts.do(t, http.MethodPost, "/api/v1/reservations", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var r models.Reservation
	decode(t, w, &r)
	assert.Equal(t, models.ReservationStatusPending, r.Status)

	body["user_id"] = 2
	w = ts.do(t, http.MethodPost, "/api/v1/reservations", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	var httpErr HTTPError
	decode(t, w, &httpErr)
	assert.Equal(t, string(service.KindSpotUnavailable), httpErr.Kind)

	w = ts.do(t, http.MethodPost, "/api/v1/reservations/"+strconv.FormatInt(r.ID, 10)+"/confirm", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/reservations/check-in", gin.H{"confirmation_code": "EV-NOPE"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/reservations/"+strconv.FormatInt(r.ID, 10)+"/cancel", gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &r)
	assert.Equal(t, models.ReservationStatusCancelled, r.Status)
	assert.Equal(t, "user", r.CancelledBy)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, http.MethodGet, "/api/v1/reservations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/sessions/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/reservations", gin.H{"user_id": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func (ts *testServer) pendingVNPayPayment(t *testing.T) *models.PaymentTransaction {
	t.Helper()
	spot := ts.addSpot()

	w := ts.do(t, http.MethodPost, "/api/v1/sessions", gin.H{"user_id": 1, "spot_id": spot.ID, "payment_method": "VNPAY"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sess models.ChargingSession
	decode(t, w, &sess)

	w = ts.do(t, http.MethodPost, "/api/v1/sessions/"+strconv.FormatInt(sess.ID, 10)+"/complete", gin.H{"energy_kwh": 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp service.CompleteSessionResponse
	decode(t, w, &resp)
	require.NotNil(t, resp.Intent)
	assert.Equal(t, int64(40000), resp.Intent.Payment.Amount)
	return resp.Intent.Payment
}

func signedQuery(paymentID, amount int64, code string) url.Values {
	params := map[string]string{
		"vnp_TmnCode":       "EVTEST01",
		"vnp_TxnRef":        strconv.FormatInt(paymentID, 10),
		"vnp_Amount":        strconv.FormatInt(amount*100, 10),
		"vnp_ResponseCode":  code,
		"vnp_TransactionNo": "14001234",
	}
	params["vnp_SecureHash"] = gateway.Sign(testSecret, gateway.Canonical(params))
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return q
}

func TestPaymentCallbackAppliesOutcome(t *testing.T) {
	ts := newTestServer(t, false)
	payment := ts.pendingVNPayPayment(t)
	q := signedQuery(payment.ID, payment.Amount, "00")

	w := ts.do(t, http.MethodGet, "/api/v1/payments/return/vnpay?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ret service.ReturnResult
	decode(t, w, &ret)
	assert.Equal(t, models.PaymentStatusSucceeded, ret.GatewayStatus)
	assert.Equal(t, models.PaymentStatusPending, ret.Payment.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/payments/callback/vnpay?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"RspCode":"00","Message":"Confirm Success"}`, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/payments/"+strconv.FormatInt(payment.ID, 10), nil)
	var got models.PaymentTransaction
	decode(t, w, &got)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)

	failed := signedQuery(payment.ID, payment.Amount, "24")
	w = ts.do(t, http.MethodGet, "/api/v1/payments/callback/vnpay?"+failed.Encode(), nil)
	assert.Contains(t, w.Body.String(), `"RspCode":"02"`)
}

func TestPaymentCallbackRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t, false)
	payment := ts.pendingVNPayPayment(t)
	q := signedQuery(payment.ID, payment.Amount, "00")
	q.Set("vnp_Amount", "100")

	w := ts.do(t, http.MethodGet, "/api/v1/payments/callback/vnpay?"+q.Encode(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"RspCode":"97"`)

	w = ts.do(t, http.MethodGet, "/api/v1/payments/return/vnpay?"+q.Encode(), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentCallbackQueuedWhenAsync(t *testing.T) {
	ts := newTestServer(t, true)
	payment := ts.pendingVNPayPayment(t)
	q := signedQuery(payment.ID, payment.Amount, "00")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/callback/vnpay", bytes.NewBufferString(q.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), `"RspCode":"00"`)
	assert.Equal(t, []string{strconv.FormatInt(payment.ID, 10)}, ts.queue.refs)

	got, err := ts.store.GetPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.Status, "applied later by the worker")
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&service.Error{Kind: service.KindValidation}, http.StatusBadRequest},
		{&service.Error{Kind: service.KindInvalidTransition}, http.StatusConflict},
		{&service.Error{Kind: service.KindSpotUnavailable}, http.StatusConflict},
		{&service.Error{Kind: service.KindSignatureMismatch}, http.StatusUnauthorized},
		{&service.Error{Kind: service.KindConflictingOutcome}, http.StatusConflict},
		{&service.Error{Kind: service.KindStaleProgress}, http.StatusConflict},
		{&service.Error{Kind: service.KindNotFound}, http.StatusNotFound},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got := toHTTPError(tt.err)
		assert.Equal(t, tt.code, got.Code, tt.err.Error())
	}
	assert.Equal(t, "internal error", toHTTPError(errors.New("secret dsn leaked")).Message)
}
