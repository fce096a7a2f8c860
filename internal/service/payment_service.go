package service

import (
	"context"
	"fmt"
	"time"

	"evcharge/internal/gateway"
	"evcharge/internal/models"
	"evcharge/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService creates payment intents and applies gateway outcomes
type PaymentService struct {
	deps     Deps
	gateways *gateway.Registry
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(deps Deps, gateways *gateway.Registry, currency string) *PaymentService {
	if currency == "" {
		currency = "VND"
	}
	if gateways == nil {
		gateways = gateway.NewRegistry()
	}
	return &PaymentService{
		deps:     deps.withDefaults(),
		gateways: gateways,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// CreateIntentRequest represents a request to collect money for a session or a reservation
type CreateIntentRequest struct {
	UserID         int64                `json:"user_id" binding:"required"`
	ReservationID  *int64               `json:"reservation_id,omitempty"`
	SessionID      *int64               `json:"session_id,omitempty"`
	Amount         int64                `json:"amount" binding:"required"`
	Currency       string               `json:"currency,omitempty"`
	Method         models.PaymentMethod `json:"method" binding:"required"`
	OrderInfo      string               `json:"order_info,omitempty"`
	IdempotencyKey string               `json:"-"`
}

// IntentResponse carries the pending transaction and, for gateway methods, where to send the payer
type IntentResponse struct {
	Payment     *models.PaymentTransaction `json:"payment"`
	RedirectURL string                     `json:"redirect_url,omitempty"`
}

// ReturnResult is what a browser return URL reports
type ReturnResult struct {
	PaymentID     int64                      `json:"payment_id"`
	GatewayStatus models.PaymentStatus       `json:"gateway_status"`
	Code          string                     `json:"code"`
	Payment       *models.PaymentTransaction `json:"payment"`
}

// CreateIntent persists a PENDING payment and signs the gateway redirect
func (s *PaymentService) CreateIntent(ctx context.Context, req *CreateIntentRequest) (*IntentResponse, error) {
	const op = "PaymentService.CreateIntent"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	if err := s.validateIntent(op, req); err != nil {
		return nil, err
	}

	key := idempotencyKey("payment", req.IdempotencyKey)
	existing, owned, err := s.deps.claimKey(ctx, op, key)
	if err != nil {
		return nil, err
	}
	if !owned {
		s.logger.Info("Duplicate payment intent request detected",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int64("payment_id", existing))
		return s.intentFor(ctx, op, existing, req.OrderInfo)
	}

	resp, err := s.createIntent(ctx, op, req)
	var id int64
	if resp != nil {
		id = resp.Payment.ID
	}
	s.deps.completeKey(ctx, key, id, err)
	return resp, err
}

func (s *PaymentService) validateIntent(op string, req *CreateIntentRequest) error {
	if req.UserID <= 0 {
		return newError(KindValidation, op, "user_id is required")
	}
	if (req.ReservationID == nil) == (req.SessionID == nil) {
		return newError(KindValidation, op, "exactly one of reservation_id or session_id is required")
	}
	if req.Amount <= 0 {
		return newError(KindValidation, op, "amount must be positive")
	}
	if !req.Method.Valid() {
		return newError(KindValidation, op, "unsupported payment method %q", req.Method)
	}
	return nil
}

func (s *PaymentService) createIntent(ctx context.Context, op string, req *CreateIntentRequest) (*IntentResponse, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	if err := s.checkTarget(pctx, op, req); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	payment := &models.PaymentTransaction{
		UserID:        req.UserID,
		ReservationID: req.ReservationID,
		SessionID:     req.SessionID,
		Amount:        req.Amount,
		Currency:      currency,
		Method:        req.Method,
		Status:        models.PaymentStatusPending,
	}
	if err := s.deps.Store.CreatePayment(pctx, payment); err != nil {
		return nil, wrapStore(op, err)
	}

	util.PaymentIntentsTotal.WithLabelValues(string(payment.Method)).Inc()
	s.logger.Info("Payment intent created",
		zap.Int64("payment_id", payment.ID),
		zap.String("method", string(payment.Method)),
		zap.Int64("amount", payment.Amount))

	s.deps.Notifier.Emit(paymentTransition(payment, models.EventTypePaymentCreated))

	return s.redirect(op, payment, req.OrderInfo)
}

func (s *PaymentService) checkTarget(ctx context.Context, op string, req *CreateIntentRequest) error {
	if req.SessionID != nil {
		sess, err := s.deps.Store.GetSession(ctx, *req.SessionID)
		if err != nil {
			return wrapStore(op, err)
		}
		if sess.UserID != req.UserID {
			return newError(KindValidation, op, "session %d belongs to another user", sess.ID)
		}
		if sess.PaymentSettled {
			return newError(KindInvalidTransition, op, "session %d is already paid", sess.ID)
		}
		return nil
	}
	res, err := s.deps.Store.GetReservation(ctx, *req.ReservationID)
	if err != nil {
		return wrapStore(op, err)
	}
	if res.UserID != req.UserID {
		return newError(KindValidation, op, "reservation %d belongs to another user", res.ID)
	}
	if res.CostSettled {
		return newError(KindInvalidTransition, op, "reservation %d is already paid", res.ID)
	}
	return nil
}

func (s *PaymentService) intentFor(ctx context.Context, op string, paymentID int64, orderInfo string) (*IntentResponse, error) {
	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentStatusPending {
		return &IntentResponse{Payment: payment}, nil
	}
	return s.redirect(op, payment, orderInfo)
}

func (s *PaymentService) redirect(op string, payment *models.PaymentTransaction, orderInfo string) (*IntentResponse, error) {
	resp := &IntentResponse{Payment: payment}
	if !payment.Method.IsGateway() {
		return resp, nil
	}
	gw, err := s.gateways.Get(string(payment.Method))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Msg: "gateway not configured", Err: err}
	}
	if orderInfo == "" {
		orderInfo = defaultOrderInfo(payment)
	}
	url, err := gw.BuildPaymentURL(payment, orderInfo, s.deps.Clock())
	if err != nil {
		return nil, &Error{Kind: KindInternal, Op: op, Err: err}
	}
	resp.RedirectURL = url
	return resp, nil
}

func defaultOrderInfo(p *models.PaymentTransaction) string {
	if p.SessionID != nil {
		return fmt.Sprintf("Charging session %d", *p.SessionID)
	}
	return fmt.Sprintf("Reservation %d", *p.ReservationID)
}

// VerifyCallback checks the gateway signature over params. It never touches state.
func (s *PaymentService) VerifyCallback(provider string, params map[string]string) error {
	const op = "PaymentService.VerifyCallback"

	gw, err := s.gateways.Get(provider)
	if err != nil {
		return &Error{Kind: KindValidation, Op: op, Msg: provider, Err: err}
	}
	if !gw.Verify(params) {
		util.PaymentCallbacksTotal.WithLabelValues(string(gw.Method()), "bad_signature").Inc()
		s.logger.Warn("Gateway signature mismatch",
			zap.Bool("security_event", true),
			zap.String("provider", string(gw.Method())),
			zap.Int("param_count", len(params)))
		return newError(KindSignatureMismatch, op, "invalid %s signature", gw.Method())
	}
	return nil
}

// PeekCallback verifies and parses a gateway notification without touching state
func (s *PaymentService) PeekCallback(provider string, params map[string]string) (*gateway.Result, error) {
	const op = "PaymentService.PeekCallback"

	if err := s.VerifyCallback(provider, params); err != nil {
		return nil, err
	}
	gw, _ := s.gateways.Get(provider)
	result, err := gw.ParseResult(params)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Err: err}
	}
	return result, nil
}

// HandleCallback verifies, parses and applies a gateway server-to-server notification
func (s *PaymentService) HandleCallback(ctx context.Context, provider string, params map[string]string) (*models.PaymentTransaction, error) {
	const op = "PaymentService.HandleCallback"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	result, payment, err := s.verifyAndParse(ctx, op, provider, params)
	if err != nil {
		return nil, err
	}
	if result.Amount != 0 && result.Amount != payment.Amount {
		util.PaymentCallbacksTotal.WithLabelValues(provider, "amount_mismatch").Inc()
		s.logger.Warn("Gateway amount mismatch",
			zap.Bool("security_event", true),
			zap.Int64("payment_id", payment.ID),
			zap.Int64("expected", payment.Amount),
			zap.Int64("reported", result.Amount))
		return nil, newError(KindValidation, op, "amount %d does not match payment amount %d", result.Amount, payment.Amount)
	}

	return s.ApplyCallbackResult(ctx, result.PaymentID, result.Status, result.ProviderTxID)
}

// VerifyReturn reports the outcome carried by a browser return URL without changing state
func (s *PaymentService) VerifyReturn(ctx context.Context, provider string, params map[string]string) (*ReturnResult, error) {
	const op = "PaymentService.VerifyReturn"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	result, payment, err := s.verifyAndParse(ctx, op, provider, params)
	if err != nil {
		return nil, err
	}
	return &ReturnResult{
		PaymentID:     payment.ID,
		GatewayStatus: result.Status,
		Code:          result.Code,
		Payment:       payment,
	}, nil
}

func (s *PaymentService) verifyAndParse(ctx context.Context, op, provider string, params map[string]string) (*gateway.Result, *models.PaymentTransaction, error) {
	result, err := s.PeekCallback(provider, params)
	if err != nil {
		return nil, nil, err
	}
	gw, _ := s.gateways.Get(provider)
	payment, err := s.GetPayment(ctx, result.PaymentID)
	if err != nil {
		return nil, nil, err
	}
	if payment.Method != gw.Method() {
		return nil, nil, newError(KindValidation, op, "payment %d was not issued for %s", payment.ID, gw.Method())
	}
	return result, payment, nil
}

// ApplyCallbackResult records a gateway outcome. Repeating the recorded outcome is a
// no-op; a contradicting outcome is rejected with ConflictingOutcome.
func (s *PaymentService) ApplyCallbackResult(ctx context.Context, paymentID int64, status models.PaymentStatus, providerTxID string) (*models.PaymentTransaction, error) {
	const op = "PaymentService.ApplyCallbackResult"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	if status != models.PaymentStatusSucceeded && status != models.PaymentStatusFailed {
		return nil, newError(KindValidation, op, "unsupported outcome %q", status)
	}

	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	var (
		updated   *models.PaymentTransaction
		duplicate bool
	)
	err := s.deps.Store.WithPaymentLock(pctx, paymentID, func(tx Tx) error {
		p, err := tx.GetPayment(paymentID)
		if err != nil {
			return err
		}
		if p.Status == status || (p.Status == models.PaymentStatusRefunded && status == models.PaymentStatusSucceeded) {
			duplicate = true
			updated = p
			return nil
		}
		if p.Status != models.PaymentStatusPending {
			return newError(KindConflictingOutcome, op, "payment %d already %s, gateway reports %s", p.ID, p.Status, status)
		}

		now := s.deps.Clock()
		p.Status = status
		p.ProviderTxID = providerTxID
		p.ProcessedAt = &now
		if status == models.PaymentStatusFailed {
			p.FailureReason = "declined by gateway"
		}
		if err := tx.UpdatePayment(p); err != nil {
			return err
		}
		if status == models.PaymentStatusSucceeded {
			if err := settleTarget(tx, p); err != nil {
				return err
			}
		}
		updated = p
		return nil
	})
	method := "unknown"
	if updated != nil {
		method = string(updated.Method)
	}
	if err != nil {
		err = wrapStore(op, err)
		if KindOf(err) == KindConflictingOutcome {
			util.PaymentCallbacksTotal.WithLabelValues(method, "conflict").Inc()
			s.logger.Warn("Conflicting payment outcome",
				zap.Int64("payment_id", paymentID),
				zap.String("reported", string(status)),
				zap.Error(err))
		}
		return nil, err
	}

	if duplicate {
		util.PaymentCallbacksTotal.WithLabelValues(method, "duplicate").Inc()
		s.logger.Info("Duplicate payment outcome ignored",
			zap.Int64("payment_id", paymentID),
			zap.String("status", string(status)))
		return updated, nil
	}

	util.PaymentCallbacksTotal.WithLabelValues(method, string(status)).Inc()
	s.logger.Info("Payment outcome applied",
		zap.Int64("payment_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.String("provider_tx_id", updated.ProviderTxID))

	eventType := models.EventTypePaymentSucceeded
	if status == models.PaymentStatusFailed {
		eventType = models.EventTypePaymentFailed
	}
	s.deps.Notifier.Emit(paymentTransition(updated, eventType))
	return updated, nil
}

func settleTarget(tx Tx, p *models.PaymentTransaction) error {
	if p.SessionID != nil {
		return tx.MarkSessionSettled(*p.SessionID, p.ID)
	}
	if p.ReservationID != nil {
		return tx.MarkReservationSettled(*p.ReservationID, p.ID)
	}
	return nil
}

// ConfirmCash settles a cash payment collected on site
func (s *PaymentService) ConfirmCash(ctx context.Context, paymentID int64) (*models.PaymentTransaction, error) {
	const op = "PaymentService.ConfirmCash"

	payment, err := s.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Method != models.PaymentMethodCash {
		return nil, newError(KindValidation, op, "payment %d is not a cash payment", paymentID)
	}
	if payment.Status == models.PaymentStatusSucceeded {
		return payment, nil
	}
	return s.ApplyCallbackResult(ctx, paymentID, models.PaymentStatusSucceeded, "CASH-"+uuid.New().String()[:8])
}

// Refund marks a succeeded payment as refunded and releases its settlement
func (s *PaymentService) Refund(ctx context.Context, paymentID int64, reason string) (*models.PaymentTransaction, error) {
	const op = "PaymentService.Refund"
	ctx, span := util.StartSpan(ctx, op)
	defer span.End()

	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	var (
		updated   *models.PaymentTransaction
		duplicate bool
	)
	err := s.deps.Store.WithPaymentLock(pctx, paymentID, func(tx Tx) error {
		p, err := tx.GetPayment(paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case models.PaymentStatusRefunded:
			duplicate = true
			updated = p
			return nil
		case models.PaymentStatusSucceeded:
		default:
			return newError(KindInvalidTransition, op, "payment %d is %s, only SUCCEEDED can be refunded", p.ID, p.Status)
		}

		p.Status = models.PaymentStatusRefunded
		p.FailureReason = reason
		if err := tx.UpdatePayment(p); err != nil {
			return err
		}
		if p.SessionID != nil {
			if err := tx.UnsettleSession(*p.SessionID, p.ID); err != nil {
				return err
			}
		}
		if p.ReservationID != nil {
			if err := tx.UnsettleReservation(*p.ReservationID, p.ID); err != nil {
				return err
			}
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, wrapStore(op, err)
	}
	if duplicate {
		return updated, nil
	}

	s.logger.Info("Payment refunded",
		zap.Int64("payment_id", updated.ID),
		zap.String("reason", reason))
	s.deps.Notifier.Emit(paymentTransition(updated, models.EventTypePaymentRefunded))
	return updated, nil
}

// GetPayment returns a payment transaction by id
func (s *PaymentService) GetPayment(ctx context.Context, paymentID int64) (*models.PaymentTransaction, error) {
	pctx, cancel := s.deps.persist(ctx)
	defer cancel()

	p, err := s.deps.Store.GetPayment(pctx, paymentID)
	if err != nil {
		return nil, wrapStore("PaymentService.GetPayment", err)
	}
	return p, nil
}

func paymentTransition(p *models.PaymentTransaction, eventType string) models.Transition {
	t := models.Transition{
		EntityType: models.EntityPayment,
		EntityID:   p.ID,
		EventType:  eventType,
		NewStatus:  string(p.Status),
		UserID:     p.UserID,
		Data: models.PaymentData{
			PaymentID:     p.ID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			ReservationID: p.ReservationID,
			SessionID:     p.SessionID,
			ProviderTxID:  p.ProviderTxID,
		},
	}
	if p.SessionID != nil {
		t.SessionID = *p.SessionID
	}
	return t
}
