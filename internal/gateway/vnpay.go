package gateway

import (
	"fmt"
	"strconv"
	"time"

	"evcharge/internal/models"
)

const (
	vnpSecureHash     = "vnp_SecureHash"
	vnpSecureHashType = "vnp_SecureHashType"
	vnpSuccessCode    = "00"
	vnpTimeLayout     = "20060102150405"
)

// VNPayConfig holds merchant credentials for VNPay
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	Locale     string
}

// VNPay implements Gateway for VNPay
type VNPay struct {
	cfg VNPayConfig
	loc *time.Location
}

// NewVNPay creates a new VNPay gateway
func NewVNPay(cfg VNPayConfig) *VNPay {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		loc = time.FixedZone("ICT", 7*60*60)
	}
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	return &VNPay{cfg: cfg, loc: loc}
}

// Method returns the VNPAY payment method
func (v *VNPay) Method() models.PaymentMethod { return models.PaymentMethodVNPay }

// SignatureFields lists the parameters left out of the signed string
func (v *VNPay) SignatureFields() []string { return []string{vnpSecureHash, vnpSecureHashType} }

// BuildPaymentURL returns the signed redirect for p. VNPay amounts are sent multiplied by 100.
func (v *VNPay) BuildPaymentURL(p *models.PaymentTransaction, orderInfo string, now time.Time) (string, error) {
	params := map[string]string{
		"vnp_Version":    "2.1.0",
		"vnp_Command":    "pay",
		"vnp_TmnCode":    v.cfg.TmnCode,
		"vnp_Amount":     strconv.FormatInt(p.Amount*100, 10),
		"vnp_CurrCode":   p.Currency,
		"vnp_TxnRef":     strconv.FormatInt(p.ID, 10),
		"vnp_OrderInfo":  orderInfo,
		"vnp_OrderType":  "other",
		"vnp_Locale":     v.cfg.Locale,
		"vnp_ReturnUrl":  v.cfg.ReturnURL,
		"vnp_CreateDate": now.In(v.loc).Format(vnpTimeLayout),
		"vnp_ExpireDate": now.Add(15 * time.Minute).In(v.loc).Format(vnpTimeLayout),
	}
	params[vnpSecureHash] = Sign(v.cfg.HashSecret, Canonical(params))
	return buildURL(v.cfg.PayURL, params)
}

// Verify checks vnp_SecureHash against the other parameters
func (v *VNPay) Verify(params map[string]string) bool {
	return VerifySignature(v.cfg.HashSecret, Canonical(params, v.SignatureFields()...), params[vnpSecureHash])
}

// ParseResult reads the payment reference, outcome and amount of a VNPay callback
func (v *VNPay) ParseResult(params map[string]string) (*Result, error) {
	ref, ok := params["vnp_TxnRef"]
	if !ok {
		return nil, fmt.Errorf("%w: vnp_TxnRef", ErrMissingField)
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid vnp_TxnRef %q: %w", ref, err)
	}

	res := &Result{
		PaymentID:    id,
		ProviderTxID: params["vnp_TransactionNo"],
		Code:         params["vnp_ResponseCode"],
		Status:       models.PaymentStatusFailed,
	}
	if res.Code == vnpSuccessCode && (params["vnp_TransactionStatus"] == "" || params["vnp_TransactionStatus"] == vnpSuccessCode) {
		res.Status = models.PaymentStatusSucceeded
	}
	if raw := params["vnp_Amount"]; raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vnp_Amount %q: %w", raw, err)
		}
		res.Amount = amount / 100
	}
	return res, nil
}
