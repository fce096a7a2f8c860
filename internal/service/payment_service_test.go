package service_test

import (
	"net/url"
	"sync"
	"testing"

	"evcharge/internal/gateway"
	"evcharge/internal/models"
	"evcharge/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completedSession returns a finished walk-up session and the intent created for it
func completedSession(t *testing.T, f *fixture, method models.PaymentMethod) (*models.ChargingSession, *models.PaymentTransaction) {
	t.Helper()
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, method)
	resp, err := f.sessions.CompleteSession(f.ctx, sess.ID, &service.CompleteSessionRequest{EnergyKWh: 10})
	require.NoError(t, err)
	require.NotNil(t, resp.Intent)
	return resp.Session, resp.Intent.Payment
}

func TestCreateIntentValidation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	spot := f.addSpot(1)
	sess := f.walkUp(t, 1, spot.ID, models.PaymentMethodCash)

	tests := []struct {
		name string
		req  service.CreateIntentRequest
		want error
	}{
		{"no target", service.CreateIntentRequest{UserID: 1, Amount: 100, Method: models.PaymentMethodCash}, service.ErrValidation},
		{"both targets", service.CreateIntentRequest{UserID: 1, SessionID: &sess.ID, ReservationID: int64p(1), Amount: 100, Method: models.PaymentMethodCash}, service.ErrValidation},
		{"zero amount", service.CreateIntentRequest{UserID: 1, SessionID: &sess.ID, Method: models.PaymentMethodCash}, service.ErrValidation},
		{"bad method", service.CreateIntentRequest{UserID: 1, SessionID: &sess.ID, Amount: 100, Method: "CARD"}, service.ErrValidation},
		{"other user", service.CreateIntentRequest{UserID: 2, SessionID: &sess.ID, Amount: 100, Method: models.PaymentMethodCash}, service.ErrValidation},
		{"unknown session", service.CreateIntentRequest{UserID: 1, SessionID: int64p(999), Amount: 100, Method: models.PaymentMethodCash}, service.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			_, err := f.payments.CreateIntent(f.ctx, &req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateIntentGatewayRedirect(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodVNPay)

	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.Equal(t, "VND", payment.Currency)
	assert.Equal(t, sess.TotalAmount, payment.Amount)

	again, err := f.payments.CreateIntent(f.ctx, &service.CreateIntentRequest{
		UserID: 1, SessionID: &sess.ID, Amount: sess.TotalAmount, Method: models.PaymentMethodMoMo, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	u, err := url.Parse(again.RedirectURL)
	require.NoError(t, err)
	q := u.Query()
	params := map[string]string{}
	for k := range q {
		params[k] = q.Get(k)
	}
	gw := gateway.NewMoMo(gateway.MoMoConfig{SecretKey: momoSecret})
	assert.True(t, gw.Verify(params))

	dup, err := f.payments.CreateIntent(f.ctx, &service.CreateIntentRequest{
		UserID: 1, SessionID: &sess.ID, Amount: sess.TotalAmount, Method: models.PaymentMethodMoMo, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, again.Payment.ID, dup.Payment.ID)
}

func TestHandleCallbackSucceeds(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodVNPay)

	updated, err := f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount, "00", "14000001"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, updated.Status)
	assert.Equal(t, "14000001", updated.ProviderTxID)
	require.NotNil(t, updated.ProcessedAt)

	got, err := f.sessions.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.PaymentSettled)
	require.NotNil(t, got.SettlementPaymentID)
	assert.Equal(t, payment.ID, *got.SettlementPaymentID)

	assert.Len(t, f.rec.Transitions(models.EventTypePaymentSucceeded), 1)
}

func TestHandleCallbackRejectsTampering(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, payment := completedSession(t, f, models.PaymentMethodVNPay)

	params := vnpayCallback(payment.ID, payment.Amount, "00", "14000001")
	params["vnp_TransactionNo"] = "14000002"

	_, err := f.payments.HandleCallback(f.ctx, "vnpay", params)
	assert.ErrorIs(t, err, service.ErrSignatureMismatch)

	got, err := f.payments.GetPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.Status, "state untouched")
	assert.Empty(t, f.rec.Transitions(models.EventTypePaymentSucceeded))
}

func TestHandleCallbackAmountMismatch(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, payment := completedSession(t, f, models.PaymentMethodVNPay)

	_, err := f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount+1, "00", "1"))
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestHandleCallbackWrongProvider(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, payment := completedSession(t, f, models.PaymentMethodCash)

	_, err := f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount, "00", "1"))
	assert.ErrorIs(t, err, service.ErrValidation)

	_, err = f.payments.HandleCallback(f.ctx, "paypal", map[string]string{})
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestDuplicateAndConflictingCallbacks(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodVNPay)
	success := vnpayCallback(payment.ID, payment.Amount, "00", "14000001")

	_, err := f.payments.HandleCallback(f.ctx, "vnpay", success)
	require.NoError(t, err)

	again, err := f.payments.HandleCallback(f.ctx, "vnpay", success)
	require.NoError(t, err, "same outcome is accepted")
	assert.Equal(t, models.PaymentStatusSucceeded, again.Status)
	assert.Len(t, f.rec.Transitions(models.EventTypePaymentSucceeded), 1, "no second notification")

	_, err = f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount, "24", ""))
	assert.ErrorIs(t, err, service.ErrConflictingOutcome)

	got, err := f.payments.GetPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)

	s, err := f.sessions.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, s.PaymentSettled)
}

func TestConcurrentDuplicateCallbacks(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodVNPay)
	success := vnpayCallback(payment.ID, payment.Amount, "00", "14000001")

	const n = 8
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.payments.HandleCallback(f.ctx, "vnpay", success)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, f.rec.Transitions(models.EventTypePaymentSucceeded), 1, "one transition for n deliveries")

	got, err := f.payments.GetPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, got.Status)

	s, err := f.sessions.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, s.PaymentSettled)
	require.NotNil(t, s.SettlementPaymentID)
	assert.Equal(t, payment.ID, *s.SettlementPaymentID)
}

func TestSecondSuccessfulPaymentForSameSession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, first := completedSession(t, f, models.PaymentMethodVNPay)

	second, err := f.payments.CreateIntent(f.ctx, &service.CreateIntentRequest{
		UserID: 1, SessionID: &sess.ID, Amount: sess.TotalAmount, Method: models.PaymentMethodVNPay,
	})
	require.NoError(t, err)

	_, err = f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(first.ID, first.Amount, "00", "1"))
	require.NoError(t, err)

	_, err = f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(second.Payment.ID, second.Payment.Amount, "00", "2"))
	assert.ErrorIs(t, err, service.ErrConflictingOutcome)

	got, err := f.payments.GetPayment(f.ctx, second.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.Status, "rolled back")
}

func TestFailedCallback(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodVNPay)

	updated, err := f.payments.HandleCallback(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount, "24", ""))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, updated.Status)

	s, err := f.sessions.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, s.PaymentSettled)
	assert.Len(t, f.rec.Transitions(models.EventTypePaymentFailed), 1)
}

func TestVerifyReturnDoesNotMutate(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, payment := completedSession(t, f, models.PaymentMethodVNPay)

	res, err := f.payments.VerifyReturn(f.ctx, "vnpay", vnpayCallback(payment.ID, payment.Amount, "00", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, res.GatewayStatus)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)

	got, err := f.payments.GetPayment(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, got.Status)
}

func TestConfirmCashAndRefund(t *testing.T) {
	f := newFixture(t, defaultConfig())
	sess, payment := completedSession(t, f, models.PaymentMethodCash)

	paid, err := f.payments.ConfirmCash(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSucceeded, paid.Status)
	assert.Contains(t, paid.ProviderTxID, "CASH-")

	again, err := f.payments.ConfirmCash(f.ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, paid.ProviderTxID, again.ProviderTxID)

	refunded, err := f.payments.Refund(f.ctx, payment.ID, "charger overbilled")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)

	s, err := f.sessions.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, s.PaymentSettled)
	assert.Nil(t, s.SettlementPaymentID)

	_, err = f.payments.Refund(f.ctx, payment.ID, "")
	assert.NoError(t, err)
}

func TestRefundPendingPayment(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, payment := completedSession(t, f, models.PaymentMethodVNPay)

	_, err := f.payments.Refund(f.ctx, payment.ID, "")
	assert.ErrorIs(t, err, service.ErrInvalidTransition)

	_, err = f.payments.ConfirmCash(f.ctx, payment.ID)
	assert.ErrorIs(t, err, service.ErrValidation, "not a cash payment")
}
