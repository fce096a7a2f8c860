package gateway

import (
	"fmt"
	"strconv"
	"time"

	"evcharge/internal/models"
)

const (
	momoSignature   = "signature"
	momoSuccessCode = "0"
)

// MoMoConfig holds partner credentials for MoMo
type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	ReturnURL   string
	IPNURL      string
}

// MoMo implements Gateway for MoMo
type MoMo struct {
	cfg MoMoConfig
}

// NewMoMo creates a new MoMo gateway
func NewMoMo(cfg MoMoConfig) *MoMo {
	return &MoMo{cfg: cfg}
}

// Method returns the MOMO payment method
func (m *MoMo) Method() models.PaymentMethod { return models.PaymentMethodMoMo }

// SignatureFields lists the parameters left out of the signed string
func (m *MoMo) SignatureFields() []string { return []string{momoSignature} }

// BuildPaymentURL returns the signed MoMo redirect for p
func (m *MoMo) BuildPaymentURL(p *models.PaymentTransaction, orderInfo string, now time.Time) (string, error) {
	orderID := strconv.FormatInt(p.ID, 10)
	params := map[string]string{
		"partnerCode": m.cfg.PartnerCode,
		"accessKey":   m.cfg.AccessKey,
		"requestId":   fmt.Sprintf("%s-%d", orderID, now.UnixMilli()),
		"orderId":     orderID,
		"amount":      strconv.FormatInt(p.Amount, 10),
		"orderInfo":   orderInfo,
		"redirectUrl": m.cfg.ReturnURL,
		"ipnUrl":      m.cfg.IPNURL,
		"requestType": "captureWallet",
		"lang":        "vi",
	}
	params[momoSignature] = Sign(m.cfg.SecretKey, Canonical(params))
	return buildURL(m.cfg.Endpoint, params)
}

// Verify checks the signature field against the other parameters
func (m *MoMo) Verify(params map[string]string) bool {
	return VerifySignature(m.cfg.SecretKey, Canonical(params, m.SignatureFields()...), params[momoSignature])
}

// ParseResult reads the payment reference, outcome and amount of a MoMo callback
func (m *MoMo) ParseResult(params map[string]string) (*Result, error) {
	ref, ok := params["orderId"]
	if !ok {
		return nil, fmt.Errorf("%w: orderId", ErrMissingField)
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid orderId %q: %w", ref, err)
	}
	code, ok := params["resultCode"]
	if !ok {
		return nil, fmt.Errorf("%w: resultCode", ErrMissingField)
	}

	res := &Result{
		PaymentID:    id,
		ProviderTxID: params["transId"],
		Code:         code,
		Status:       models.PaymentStatusFailed,
	}
	if code == momoSuccessCode {
		res.Status = models.PaymentStatusSucceeded
	}
	if raw := params["amount"]; raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
		}
		res.Amount = amount
	}
	return res, nil
}
