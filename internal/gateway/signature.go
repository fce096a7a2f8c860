// Package gateway builds signed redirect URLs for the VNPay and MoMo payment
// gateways and verifies the parameters they send back.
package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"evcharge/internal/models"
)

var (
	ErrUnknownProvider = errors.New("unknown payment provider")
	ErrMissingField    = errors.New("missing callback field")
)

// Result is the outcome a gateway reports for one transaction
type Result struct {
	PaymentID    int64
	Status       models.PaymentStatus
	ProviderTxID string
	Amount       int64
	Code         string
}

// Gateway signs outgoing redirects and interprets callbacks of one provider
type Gateway interface {
	Method() models.PaymentMethod
	// SignatureFields are excluded from the canonical string
	SignatureFields() []string
	BuildPaymentURL(p *models.PaymentTransaction, orderInfo string, now time.Time) (string, error)
	Verify(params map[string]string) bool
	ParseResult(params map[string]string) (*Result, error)
}

// Canonical sorts the non-empty params by key, URL-encodes keys and values and
// joins them as k=v pairs with '&'. Keys listed in exclude are skipped.
func Canonical(params map[string]string, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}

	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" || skip[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA512 of data
func Sign(secret, data string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature against the expected HMAC of data.
// Hex case is ignored and the comparison is constant time.
func VerifySignature(secret, data, signature string) bool {
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return hmac.Equal(got, mac.Sum(nil))
}

// Registry looks up gateways by method
type Registry struct {
	gateways map[models.PaymentMethod]Gateway
}

// NewRegistry creates a registry of the given gateways
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentMethod]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

// Get returns the gateway for method, accepting any letter case
func (r *Registry) Get(method string) (Gateway, error) {
	g, ok := r.gateways[models.PaymentMethod(strings.ToUpper(method))]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return g, nil
}

func buildURL(base string, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
