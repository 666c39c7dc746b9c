package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vaultescrow/gateway/middleware"
	"vaultescrow/native/escrow"
	"vaultescrow/observability/logging"
	"vaultescrow/services/paygate"
)

const (
	maxRequestBody  = 1 << 20
	paymentVerified = "verified via x402 protocol"
	rateGroupVerify = "verify"
)

// ServerConfig wires the HTTP surface.
type ServerConfig struct {
	Verifier       *Verifier
	Gate           *paygate.Gate
	Audit          *AuditStore
	ServiceName    string
	AllowedOrigins []string
	RateLimit      middleware.RateLimit
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server exposes the verification endpoints.
type Server struct {
	verifier *Verifier
	gate     *paygate.Gate
	audit    *AuditStore
	service  string
	timeout  time.Duration
	logger   *slog.Logger
	obs      *middleware.Observability
	router   chi.Router
	nowFn    func() time.Time
}

type verifyResponse struct {
	Result
	Timestamp   string              `json:"timestamp"`
	Service     string              `json:"service"`
	X402        bool                `json:"x402"`
	VerdictID   string              `json:"verdictId"`
	RequestID   string              `json:"requestId"`
	EscrowID    uint64              `json:"escrowId,omitempty"`
	Attestation *escrow.Attestation `json:"attestation,omitempty"`
	Payment     string              `json:"payment,omitempty"`
}

type discoveryResponse struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	X402      bool              `json:"x402"`
	Attestor  string            `json:"attestor,omitempty"`
	Endpoints map[string]string `json:"endpoints"`
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := cfg.Gate
	if gate == nil {
		var err error
		if gate, err = paygate.New(paygate.Config{}, nil, nil, logger); err != nil {
			return nil, err
		}
	}
	service := cfg.ServiceName
	if service == "" {
		service = DefaultServiceName
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	s := &Server{
		verifier: cfg.Verifier,
		gate:     gate,
		audit:    cfg.Audit,
		service:  service,
		timeout:  timeout,
		logger:   logger,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "verifierd",
			MetricsPrefix: "verifierd_http",
			Enabled:       true,
			LogRequests:   true,
		}, logger),
		nowFn: time.Now,
	}

	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{rateGroupVerify: cfg.RateLimit}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}))
	r.With(s.obs.Middleware("discovery")).Get("/", s.handleDiscovery)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	free := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleVerify(w, r, false) })
	paid := gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.handleVerify(w, r, true) }))
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(rateGroupVerify))
		for _, prefix := range []string{"", "/api"} {
			r.With(s.obs.Middleware("verify")).Post(prefix+"/verify", free)
			r.With(s.obs.Middleware("verify_paid")).Post(prefix+"/verify-paid", paid.ServeHTTP)
		}
	})
	r.With(s.obs.Middleware("verdict")).Get("/verdicts/{verdictID}", s.handleVerdict)
	r.With(s.obs.Middleware("escrow_verdicts")).Get("/escrows/{id}/verdicts", s.handleEscrowVerdicts)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	paidEndpoint := "POST /api/verify-paid"
	if s.gate.Enabled() {
		paidEndpoint += " (x402 gated)"
	}
	resp := discoveryResponse{
		Status:  "ok",
		Service: s.service,
		X402:    s.gate.Enabled(),
		Endpoints: map[string]string{
			"free": "POST /api/verify",
			"paid": paidEndpoint,
		},
	}
	if attestor := s.verifier.Attestor(); attestor != (common.Address{}) {
		resp.Attestor = attestor.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, paid bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := req.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, "Missing condition, proof, or context")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	verdictID := uuid.NewString()
	requestID := middleware.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = verdictID
	}
	verdict, err := s.verifier.Verify(ctx, req)
	if err != nil {
		s.logger.Error("verification failed",
			slog.String("requestId", requestID),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	gated := paid && s.gate.Enabled()
	payer, _ := paygate.PayerFromContext(r.Context())
	if s.audit != nil {
		if _, err := s.audit.Record(ctx, verdictID, requestID, req, verdict, gated, payer); err != nil {
			s.logger.Warn("audit write failed",
				slog.String("verdictId", verdictID),
				slog.String("requestId", requestID),
				slog.Any("error", err))
		}
	}
	s.logger.Info("verification complete",
		slog.String("verdictId", verdictID),
		slog.String("requestId", requestID),
		slog.Bool("passed", verdict.Passed),
		slog.Int("confidence", verdict.Confidence),
		logging.SizeField("proof", []byte(req.Proof)))

	resp := verifyResponse{
		Result:      verdict.Result,
		Timestamp:   s.nowFn().UTC().Format(time.RFC3339Nano),
		Service:     s.service,
		X402:        gated,
		VerdictID:   verdictID,
		RequestID:   requestID,
		EscrowID:    req.EscrowID,
		Attestation: verdict.Attestation,
	}
	if gated {
		resp.Payment = paymentVerified
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	rec, err := s.audit.Get(r.Context(), chi.URLParam(r, "verdictID"))
	if errors.Is(err, ErrAuditNotFound) {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, auditView(rec))
}

func (s *Server) handleEscrowVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, "audit store disabled")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.audit.ByEscrow(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, 0, len(recs))
	for i := range recs {
		out = append(out, auditView(&recs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escrowId": id, "verdicts": out})
}

func auditView(rec *AuditRecord) map[string]interface{} {
	view := map[string]interface{}{
		"verdictId":     rec.VerdictID,
		"conditionHash": rec.ConditionHash,
		"proofHash":     rec.ProofHash,
		"outcome":       rec.Outcome,
		"passed":        rec.Passed,
		"confidence":    rec.Confidence,
		"reason":        rec.Reason,
		"details":       rec.DetailList(),
		"paid":          rec.Paid,
		"attested":      rec.Attested,
		"createdAt":     rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.RequestID != "" {
		view["requestId"] = rec.RequestID
	}
	if rec.EscrowID != 0 {
		view["escrowId"] = rec.EscrowID
	}
	if rec.Raw != "" {
		view["raw"] = rec.Raw
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
