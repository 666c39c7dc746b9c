package vaultd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"vaultescrow/core/events"
	"vaultescrow/crypto/terms"
	gatewayauth "vaultescrow/gateway/auth"
	"vaultescrow/gateway/middleware"
	"vaultescrow/native/escrow"
	"vaultescrow/observability"
	"vaultescrow/observability/logging"
)

const maxRequestBody = gatewayauth.MaxBodyForSignature

// ServerConfig wires the ledger HTTP surface.
type ServerConfig struct {
	Ledger *escrow.Ledger
	// Signer authenticates callers of state-changing escrow routes.
	Signer *gatewayauth.Authenticator
	// Operator guards account funding. Nil disables the credit route.
	Operator       *middleware.Authenticator
	Indexer        *Indexer
	Feed           *events.Feed
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server exposes the escrow ledger over HTTP.
type Server struct {
	ledger        *escrow.Ledger
	signer        *gatewayauth.Authenticator
	indexer       *Indexer
	feed          *events.Feed
	streamOrigins []string
	logger        *slog.Logger
	metrics       *observability.LedgerMetrics
	router        chi.Router
}

type principalKey struct{}

type signedRequest struct {
	caller common.Address
	body   []byte
}

// EscrowJSON is the wire form of an escrow record.
type EscrowJSON struct {
	ID             uint64 `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	Amount         string `json:"amount"`
	Status         uint8  `json:"status"`
	StatusLabel    string `json:"statusLabel"`
	CreatedAt      int64  `json:"createdAt"`
	Timeout        uint64 `json:"timeout"`
	RefundAt       int64  `json:"refundAt"`
	ConditionHash  string `json:"conditionHash"`
	EncryptedTerms string `json:"encryptedTerms"`
	ReceiptURI     string `json:"receiptUri"`
	Decrypted      bool   `json:"decrypted"`
}

// CreateRequest is the body of POST /escrows. Either ConditionHash or
// Condition must be given; when both are present they must agree.
type CreateRequest struct {
	Seller         string `json:"seller"`
	Timeout        uint64 `json:"timeout"`
	ConditionHash  string `json:"conditionHash,omitempty"`
	Condition      string `json:"condition,omitempty"`
	EncryptedTerms string `json:"encryptedTerms"`
	Deposit        string `json:"deposit"`
}

// ReleaseRequest is the body of POST /escrows/{id}/release.
type ReleaseRequest struct {
	ReceiptURI  string              `json:"receiptUri"`
	Attestation *escrow.Attestation `json:"attestation,omitempty"`
}

// AmountRequest carries a decimal amount for decrypt and credit.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("vaultd: ledger required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("vaultd: request authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ledger:        cfg.Ledger,
		signer:        cfg.Signer,
		indexer:       cfg.Indexer,
		feed:          cfg.Feed,
		streamOrigins: streamOriginPatterns(cfg.AllowedOrigins),
		logger:        logger,
		metrics:       observability.Ledger(),
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "vaultd",
		MetricsPrefix: "vaultd_http",
		Enabled:       true,
		LogRequests:   true,
	}, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", obs.MetricsHandler())
	r.With(obs.Middleware("params")).Get("/params", s.handleParams)

	r.Route("/escrows", func(r chi.Router) {
		r.With(obs.Middleware("escrow_create"), s.requireSignature).Post("/", s.handleCreate)
		r.With(obs.Middleware("escrow_count")).Get("/count", s.handleCount)
		r.With(obs.Middleware("escrow_get")).Get("/{id}", s.handleGet)
		r.With(obs.Middleware("escrow_events")).Get("/{id}/events", s.handleEscrowEvents)
		r.With(obs.Middleware("escrow_release"), s.requireSignature).Post("/{id}/release", s.handleRelease)
		r.With(obs.Middleware("escrow_refund"), s.requireSignature).Post("/{id}/refund", s.handleRefund)
		r.With(obs.Middleware("escrow_dispute"), s.requireSignature).Post("/{id}/dispute", s.handleDispute)
		r.With(obs.Middleware("escrow_decrypt"), s.requireSignature).Post("/{id}/decrypt", s.handleDecrypt)
	})

	r.With(obs.Middleware("account_balance")).Get("/accounts/{address}", s.handleBalance)
	if cfg.Operator != nil {
		r.With(obs.Middleware("account_credit"), cfg.Operator.Middleware(middleware.ScopeLedgerCredit)).
			Post("/accounts/{address}/credit", s.handleCredit)
	} else {
		r.Post("/accounts/{address}/credit", func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusForbidden, "operator funding disabled", "")
		})
	}

	r.With(obs.Middleware("events")).Get("/events", s.handleEvents)
	r.Get("/events/stream", s.handleEventStream)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireSignature authenticates the caller and stashes the verified body so
// handlers decode exactly the bytes that were signed.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(maxRequestBody)))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		principal, err := s.signer.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("rejected signed request",
				slog.String("path", r.URL.Path),
				slog.String("requestId", middleware.RequestIDFromContext(r.Context())),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, err.Error(), "")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, &signedRequest{caller: principal.Address, body: body})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func signedFromContext(ctx context.Context) *signedRequest {
	req, _ := ctx.Value(principalKey{}).(*signedRequest)
	if req == nil {
		return &signedRequest{}
	}
	return req
}

func (s *Server) handleParams(w http.ResponseWriter, _ *http.Request) {
	attestor, minConfidence := s.ledger.Attestor()
	resp := map[string]interface{}{
		"minimumFee":  s.ledger.MinimumFee().String(),
		"feeTreasury": s.ledger.FeeTreasury().Hex(),
		"ledgerId":    s.ledger.LedgerID(),
	}
	if attestor != (common.Address{}) {
		resp["attestor"] = attestor.Hex()
		resp["minConfidence"] = minConfidence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	signed := signedFromContext(r.Context())
	var req CreateRequest
	if err := json.Unmarshal(signed.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
		return
	}
	seller, err := parseAddressField("seller", req.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), escrow.CodeInvalidSeller)
		return
	}
	conditionHash, err := resolveConditionHash(req.ConditionHash, req.Condition)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	encrypted, err := decodeHex(req.EncryptedTerms)
	if err != nil {
		writeError(w, http.StatusBadRequest, "encryptedTerms must be hex", "")
		return
	}
	if sealed, err := terms.ParseSealed(encrypted); err == nil && !sealed.Confidential() {
		s.logger.Warn("escrow terms submitted in plaintext fallback mode",
			slog.String("buyer", signed.caller.Hex()),
			logging.SizeField("terms", encrypted))
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), escrow.CodeInsufficientGasPayment)
		return
	}

	start := time.Now()
	id, err := s.ledger.Create(signed.caller, seller, req.Timeout, conditionHash, encrypted, deposit)
	s.metrics.Observe("create", escrow.Code(err), time.Since(start))
	if err != nil {
		s.writeLedgerError(w, "create", err)
		return
	}
	if count, err := s.ledger.EscrowCount(); err == nil {
		s.metrics.SetEscrowCount(count)
	}
	s.logger.Info("escrow created",
		slog.Uint64("id", id),
		slog.String("buyer", signed.caller.Hex()),
		slog.String("seller", seller.Hex()),
		slog.String("conditionHash", conditionHash.Hex()))
	esc, err := s.ledger.GetEscrow(id)
	if err != nil {
		s.writeLedgerError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "escrow": toEscrowJSON(esc)})
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	count, err := s.ledger.EscrowCount()
	if err != nil {
		s.writeLedgerError(w, "count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	esc, err := s.ledger.GetEscrow(id)
	if err != nil {
		s.writeLedgerError(w, "get", err)
		return
	}
	if !esc.Exists() {
		writeError(w, http.StatusNotFound, escrow.ErrEscrowNotFound.Error(), escrow.CodeEscrowNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowJSON(esc))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	signed := signedFromContext(r.Context())
	var req ReleaseRequest
	if len(signed.body) > 0 {
		if err := json.Unmarshal(signed.body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
			return
		}
	}
	s.transition(w, "release", id, signed.caller, func() error {
		if req.Attestation != nil {
			return s.ledger.ReleaseAttested(id, req.ReceiptURI, req.Attestation)
		}
		return s.ledger.Release(id, req.ReceiptURI)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	signed := signedFromContext(r.Context())
	s.transition(w, "refund", id, signed.caller, func() error { return s.ledger.ClaimRefund(id) })
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	signed := signedFromContext(r.Context())
	s.transition(w, "dispute", id, signed.caller, func() error { return s.ledger.Dispute(signed.caller, id) })
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	signed := signedFromContext(r.Context())
	var req AmountRequest
	if err := json.Unmarshal(signed.body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), escrow.CodeInvalidAmount)
		return
	}
	s.transition(w, "decrypt", id, signed.caller, func() error { return s.ledger.RecordDecryption(signed.caller, id, amount) })
}

// transition runs a state-changing ledger call and replies with the updated
// escrow.
func (s *Server) transition(w http.ResponseWriter, op string, id uint64, caller common.Address, fn func() error) {
	start := time.Now()
	err := fn()
	s.metrics.Observe(op, escrow.Code(err), time.Since(start))
	if err != nil {
		s.writeLedgerError(w, op, err)
		return
	}
	s.logger.Info("escrow "+op, slog.Uint64("id", id), slog.String("caller", caller.Hex()))
	esc, err := s.ledger.GetEscrow(id)
	if err != nil {
		s.writeLedgerError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowJSON(esc))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressField("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		s.writeLedgerError(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": balance.String()})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddressField("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(maxRequestBody))).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload", "")
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), escrow.CodeInvalidAmount)
		return
	}
	start := time.Now()
	balance, err := s.ledger.Credit(addr, amount)
	s.metrics.Observe("credit", escrow.Code(err), time.Since(start))
	if err != nil {
		s.writeLedgerError(w, "credit", err)
		return
	}
	s.logger.Info("account credited",
		slog.String("address", addr.Hex()),
		slog.String("amount", amount.String()),
		slog.String("operator", middleware.SubjectFromContext(r.Context())))
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": balance.String()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := EventQuery{Type: strings.TrimSpace(q.Get("type"))}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid after cursor", "")
			return
		}
		query.After = after
	}
	if raw := q.Get("escrow"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid escrow filter", "")
			return
		}
		query.EscrowID = id
	}
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	s.writeEvents(w, r, query)
}

func (s *Server) handleEscrowEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.writeEvents(w, r, EventQuery{EscrowID: id, Limit: limit})
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, query EventQuery) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "event index disabled", "")
		return
	}
	list, err := s.indexer.Query(r.Context(), query)
	if err != nil {
		s.logger.Error("query event index", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "event index unavailable", "")
		return
	}
	resp := map[string]interface{}{"events": list}
	if n := len(list); n > 0 {
		resp["next"] = list[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	status := LedgerStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("ledger operation failed", slog.String("operation", op), slog.Any("error", err))
		writeError(w, status, "internal ledger error", "")
		return
	}
	writeError(w, status, err.Error(), escrow.Code(err))
}

// LedgerStatus maps ledger errors onto HTTP status codes.
func LedgerStatus(err error) int {
	code := escrow.Code(err)
	switch code {
	case escrow.CodeNotActive, escrow.CodeTimeoutNotElapsed, escrow.CodeAlreadyDecrypted:
		return http.StatusConflict
	case escrow.CodeUnauthorized:
		return http.StatusForbidden
	case escrow.CodeEscrowNotFound:
		return http.StatusNotFound
	case escrow.CodeInsufficientFunds, escrow.CodeAmountMismatch,
		escrow.CodeAttestationRequired, escrow.CodeInvalidAttestation:
		return http.StatusBadRequest
	}
	if escrow.IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// toEscrowJSON converts a ledger record into its wire form.
func toEscrowJSON(e *escrow.Escrow) EscrowJSON {
	view := e.View()
	out := EscrowJSON{
		ID:            view.ID,
		Buyer:         view.Buyer.Hex(),
		Seller:        view.Seller.Hex(),
		Amount:        view.Amount.String(),
		Status:        uint8(view.Status),
		StatusLabel:   view.Status.String(),
		CreatedAt:     view.CreatedAt,
		Timeout:       view.Timeout,
		RefundAt:      view.RefundAt(),
		ConditionHash: view.ConditionHash.Hex(),
		ReceiptURI:    view.ReceiptURI,
		Decrypted:     view.Decrypted,
	}
	if len(view.EncryptedTerms) > 0 {
		out.EncryptedTerms = "0x" + hex.EncodeToString(view.EncryptedTerms)
	}
	return out
}

func escrowIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id", "")
		return 0, false
	}
	return id, true
}

func resolveConditionHash(rawHash, condition string) (common.Hash, error) {
	rawHash = strings.TrimSpace(rawHash)
	var fromText common.Hash
	if condition != "" {
		fromText = terms.HashCondition(condition)
	}
	if rawHash == "" {
		if condition == "" {
			return common.Hash{}, errors.New("conditionHash or condition required")
		}
		return fromText, nil
	}
	decoded, err := decodeHex(rawHash)
	if err != nil || len(decoded) != common.HashLength {
		return common.Hash{}, errors.New("conditionHash must be 32 hex bytes")
	}
	hash := common.BytesToHash(decoded)
	if condition != "" && hash != fromText {
		return common.Hash{}, errors.New("conditionHash does not match condition")
	}
	return hash, nil
}

func parseAddressField(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative decimal integer", field)
	}
	return value, nil
}

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	return hex.DecodeString(trimmed)
}

func streamOriginPatterns(allowed []string) []string {
	patterns := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	body := map[string]string{"error": msg}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
