package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Facilitator verifies and settles payments on behalf of the resource server.
type Facilitator interface {
	Verify(ctx context.Context, payment *Payload, req Requirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payment *Payload, req Requirements) (*SettleResponse, error)
}

// HTTPFacilitator talks to a remote facilitator over its JSON API.
type HTTPFacilitator struct {
	baseURL string
	http    *http.Client
}

type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

// NewHTTPFacilitator constructs a facilitator client. A nil client gets a
// 10 second timeout.
func NewHTTPFacilitator(baseURL string, client *http.Client) *HTTPFacilitator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
	}
}

func (f *HTTPFacilitator) Verify(ctx context.Context, payment *Payload, req Requirements) (*VerifyResponse, error) {
	var out VerifyResponse
	if err := f.post(ctx, "/verify", payment, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, payment *Payload, req Requirements) (*SettleResponse, error) {
	var out SettleResponse
	if err := f.post(ctx, "/settle", payment, req, &out); err != nil {
		return nil, err
	}
	if out.Network == "" {
		out.Network = req.Network
	}
	return &out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, payment *Payload, req Requirements, out interface{}) error {
	if f == nil || f.baseURL == "" {
		return fmt.Errorf("facilitator not configured")
	}
	buf, err := json.Marshal(facilitatorRequest{
		X402Version:         X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: req,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := f.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator %s: read body: %w", path, err)
	}
	// A 400 from /verify still carries a decision body.
	if resp.StatusCode >= 300 && !(resp.StatusCode == http.StatusBadRequest && json.Valid(body)) {
		return fmt.Errorf("facilitator %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("facilitator %s: decode: %w", path, err)
	}
	return nil
}
