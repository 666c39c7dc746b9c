package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"vaultescrow/observability"
	"vaultescrow/observability/logging"
)

const (
	decisionBypassed    = "bypassed"
	decisionRequired    = "required"
	decisionRejected    = "rejected"
	decisionDuplicate   = "duplicate"
	decisionSettled     = "settled"
	decisionUnsettled   = "unsettled"
	decisionFacilitator = "facilitator_error"
)

type payerKey struct{}

// PayerFromContext returns the payer address reported by the facilitator for
// a verified request.
func PayerFromContext(ctx context.Context) (string, bool) {
	payer, ok := ctx.Value(payerKey{}).(string)
	return payer, ok && payer != ""
}

// Gate requires an x402 payment before a wrapped handler runs. The handler
// executes after the facilitator verifies the payment and the payment is only
// settled when the handler answers with a non-error status.
type Gate struct {
	cfg         Config
	facilitator Facilitator
	store       SettlementStore
	logger      *slog.Logger
	metrics     *observability.PaymentGateMetrics
}

// New resolves the gate once from configuration. A disabled configuration
// yields a gate whose middleware passes every request through.
func New(cfg Config, facilitator Facilitator, store SettlementStore, logger *slog.Logger) (*Gate, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{cfg: cfg, logger: logger, metrics: observability.PaymentGate()}
	if !cfg.Enabled() {
		return g, nil
	}
	if facilitator == nil {
		facilitator = NewHTTPFacilitator(cfg.FacilitatorURL, nil)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	g.facilitator = facilitator
	g.store = store
	return g, nil
}

// Enabled reports whether the gate enforces payment.
func (g *Gate) Enabled() bool {
	return g != nil && g.cfg.Enabled()
}

// Config returns the resolved configuration.
func (g *Gate) Config() Config {
	return g.cfg
}

// Requirements builds the payment requirement advertised for r.
func (g *Gate) Requirements(r *http.Request) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           g.cfg.Network(),
		MaxAmountRequired: g.cfg.Price,
		Resource:          resourceURL(r),
		Description:       g.cfg.Description,
		MimeType:          "application/json",
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: int(g.cfg.MaxTimeout.Seconds()),
		Asset:             g.cfg.Asset,
		Extra: map[string]string{
			"name":    g.cfg.AssetName,
			"version": g.cfg.AssetVersion,
		},
	}
}

// Middleware wraps next with the payment check.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Enabled() {
			g.metrics.Record(decisionBypassed)
			next.ServeHTTP(w, r)
			return
		}
		req := g.Requirements(r)
		payment, raw, err := DecodePayment(r.Header.Get(HeaderPayment))
		if err != nil {
			decision := decisionRejected
			if errors.Is(err, ErrMissingPayment) {
				decision = decisionRequired
			}
			g.metrics.Record(decision)
			g.paymentRequired(w, req, err.Error())
			return
		}
		if payment.Scheme != req.Scheme || payment.Network != req.Network {
			g.metrics.Record(decisionRejected)
			g.paymentRequired(w, req, "payment scheme or network not accepted")
			return
		}

		key := PaymentKey(raw)
		state, err := g.store.Reserve(key)
		if err != nil {
			g.logger.Error("paygate: reserve payment", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "payment store unavailable")
			return
		}
		switch state {
		case SettlementSettled:
			g.metrics.Record(decisionDuplicate)
			g.paymentRequired(w, req, "payment already settled")
			return
		case SettlementPending:
			g.metrics.Record(decisionDuplicate)
			writeError(w, http.StatusConflict, "payment already in progress")
			return
		}
		settled := false
		defer func() {
			if settled {
				return
			}
			if err := g.store.Release(key); err != nil {
				g.logger.Warn("paygate: release reservation", slog.Any("error", err))
			}
		}()

		verdict, err := g.facilitator.Verify(r.Context(), payment, req)
		if err != nil {
			g.metrics.Record(decisionFacilitator)
			g.logger.Error("paygate: facilitator verify failed", slog.Any("error", err))
			writeError(w, http.StatusBadGateway, "payment facilitator unavailable")
			return
		}
		if !verdict.IsValid {
			g.metrics.Record(decisionRejected)
			reason := verdict.InvalidReason
			if reason == "" {
				reason = "payment rejected"
			}
			g.paymentRequired(w, req, reason)
			return
		}

		buf := newBufferedResponse()
		ctx := context.WithValue(r.Context(), payerKey{}, verdict.Payer)
		next.ServeHTTP(buf, r.WithContext(ctx))
		if buf.status >= http.StatusBadRequest {
			g.metrics.Record(decisionUnsettled)
			buf.flush(w)
			return
		}

		settlement, err := g.facilitator.Settle(r.Context(), payment, req)
		if err != nil {
			g.metrics.Record(decisionFacilitator)
			g.logger.Error("paygate: facilitator settle failed", slog.Any("error", err))
			writeError(w, http.StatusBadGateway, "payment settlement failed")
			return
		}
		if !settlement.Success {
			g.metrics.Record(decisionRejected)
			reason := settlement.ErrorReason
			if reason == "" {
				reason = "payment settlement rejected"
			}
			g.paymentRequired(w, req, reason)
			return
		}
		if err := g.store.MarkSettled(key); err != nil {
			g.logger.Error("paygate: mark settled", slog.Any("error", err))
		}
		settled = true
		g.metrics.Record(decisionSettled)
		g.logger.Info("paygate: payment settled",
			slog.String("transaction", settlement.Transaction),
			logging.MaskField("payer", settlement.Payer))

		if header, err := EncodeSettlement(settlement); err == nil {
			w.Header().Set(HeaderPaymentResponse, header)
		}
		buf.flush(w)
	})
}

func (g *Gate) paymentRequired(w http.ResponseWriter, req Requirements, reason string) {
	writeJSON(w, http.StatusPaymentRequired, RequiredResponse{
		X402Version: X402Version,
		Error:       reason,
		Accepts:     []Requirements{req},
	})
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// bufferedResponse holds the handler output until settlement decides whether
// it is released to the client.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range b.header {
		dst[k] = v
	}
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.body.Bytes())
}
