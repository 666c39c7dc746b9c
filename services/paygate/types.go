package paygate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// X402Version is the protocol revision spoken by the gate.
const X402Version = 1

const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	SchemeExact = "exact"
)

var (
	ErrMissingPayment = errors.New("paygate: X-PAYMENT header is required")
	ErrMalformed      = errors.New("paygate: malformed payment header")
)

// Requirements is one accepted way of paying for a resource.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// RequiredResponse is the 402 body.
type RequiredResponse struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

// Payload is the client's signed payment, carried base64-encoded in X-PAYMENT.
// The scheme specific part is passed through to the facilitator untouched.
type Payload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// VerifyResponse is returned by the facilitator's /verify endpoint.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is returned by the facilitator's /settle endpoint and echoed
// to the client in X-PAYMENT-RESPONSE.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// DecodePayment parses an X-PAYMENT header value. It returns the payload and
// the decoded JSON bytes, which identify the payment for idempotency.
func DecodePayment(header string) (*Payload, []byte, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, nil, ErrMissingPayment
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(trimmed, "="))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: not base64", ErrMalformed)
		}
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.X402Version != X402Version {
		return nil, nil, fmt.Errorf("%w: unsupported x402Version %d", ErrMalformed, payload.X402Version)
	}
	if strings.TrimSpace(payload.Scheme) == "" || strings.TrimSpace(payload.Network) == "" {
		return nil, nil, fmt.Errorf("%w: scheme and network required", ErrMalformed)
	}
	if len(payload.Payload) == 0 || string(payload.Payload) == "null" {
		return nil, nil, fmt.Errorf("%w: payload required", ErrMalformed)
	}
	return &payload, raw, nil
}

// EncodePayment renders a payload as an X-PAYMENT header value.
func EncodePayment(p *Payload) (string, error) {
	if p == nil {
		return "", ErrMissingPayment
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSettlement renders a settlement as an X-PAYMENT-RESPONSE header value.
func EncodeSettlement(s *SettleResponse) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(header string) (*SettleResponse, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrMalformed)
	}
	var s SettleResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &s, nil
}
