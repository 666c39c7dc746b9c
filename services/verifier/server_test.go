package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"vaultescrow/crypto"
	"vaultescrow/gateway/middleware"
	"vaultescrow/services/paygate"
)

func setupAuditStore(t *testing.T) *AuditStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewAuditStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, backend Backend, gate *paygate.Gate) (*Server, *AuditStore) {
	t.Helper()
	audit := setupAuditStore(t)
	srv, err := NewServer(ServerConfig{
		Verifier:  New(backend, nil),
		Gate:      gate,
		Audit:     audit,
		RateLimit: middleware.RateLimit{RatePerSecond: 100, Burst: 100},
	})
	require.NoError(t, err)
	return srv, audit
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDiscovery(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{}, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body discoveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, DefaultServiceName, body.Service)
	require.False(t, body.X402)
	require.Equal(t, "POST /api/verify", body.Endpoints["free"])
	require.Equal(t, "POST /api/verify-paid", body.Endpoints["paid"])
}

func TestVerifyEndpoint(t *testing.T) {
	backend := &stubBackend{reply: `{"passed":true,"confidence":88,"reason":"all endpoints delivered","details":["login ok"]}`}
	srv, audit := newTestServer(t, backend, nil)

	for _, path := range []string{"/verify", "/api/verify"} {
		rec := postJSON(t, srv, path, newRequest())
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, true, body["passed"])
		require.EqualValues(t, 88, body["confidence"])
		require.Equal(t, "all endpoints delivered", body["reason"])
		require.Equal(t, []interface{}{"login ok"}, body["details"])
		require.Equal(t, DefaultServiceName, body["service"])
		require.Equal(t, false, body["x402"])
		require.NotEmpty(t, body["timestamp"])
		require.NotContains(t, body, "payment")

		requestID, _ := body["requestId"].(string)
		require.NotEmpty(t, requestID)
		require.Equal(t, requestID, rec.Header().Get(middleware.RequestIDHeader))
		verdictID, _ := body["verdictId"].(string)
		require.NotEmpty(t, verdictID)
		stored, err := audit.Get(context.Background(), verdictID)
		require.NoError(t, err)
		require.Equal(t, outcomePassed, stored.Outcome)
		require.Empty(t, stored.Raw)
	}
}

func TestVerifyEndpointMissingInput(t *testing.T) {
	backend := &stubBackend{}
	srv, _ := newTestServer(t, backend, nil)

	cases := []map[string]interface{}{
		{"proof": "p", "context": map[string]string{}},
		{"condition": "c", "context": map[string]string{}},
		{"condition": "c", "proof": "p"},
	}
	for _, body := range cases {
		rec := postJSON(t, srv, "/api/verify", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.JSONEq(t, `{"error":"Missing condition, proof, or context"}`, rec.Body.String())
	}
	require.Zero(t, backend.calls)
}

func TestVerifyEndpointBackendFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{err: errors.New("dial tcp: timeout")}, nil)
	rec := postJSON(t, srv, "/api/verify", newRequest())
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body["error"], "unavailable")
	require.NotContains(t, rec.Body.String(), "passed")
}

func TestVerifyEndpointUnparseableIsAudited(t *testing.T) {
	srv, audit := newTestServer(t, &stubBackend{reply: "not json at all"}, nil)
	rec := postJSON(t, srv, "/api/verify", newRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	var body verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Passed)
	require.Zero(t, body.Confidence)
	require.Equal(t, ParseFailureReason, body.Reason)
	require.Equal(t, []string{"not json at all"}, body.Details)

	stored, err := audit.Get(context.Background(), body.VerdictID)
	require.NoError(t, err)
	require.Equal(t, outcomeUnparsed, stored.Outcome)
	require.Equal(t, "not json at all", stored.Raw)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verdicts/"+body.VerdictID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "not json at all")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verdicts/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetriedRequestIDKeepsEveryVerdict(t *testing.T) {
	backend := &stubBackend{reply: `{"passed":true,"confidence":90,"reason":"first"}`}
	srv, audit := newTestServer(t, backend, nil)
	correlation := uuid.NewString()

	call := func() verifyResponse {
		raw, err := json.Marshal(newRequest())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/verify", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.RequestIDHeader, correlation)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var body verifyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	first := call()
	backend.reply = `{"passed":false,"confidence":20,"reason":"second"}`
	second := call()

	require.Equal(t, correlation, first.RequestID)
	require.Equal(t, correlation, second.RequestID)
	require.NotEqual(t, first.VerdictID, second.VerdictID)

	stored, err := audit.Get(context.Background(), second.VerdictID)
	require.NoError(t, err)
	require.Equal(t, "second", stored.Reason)
	require.Equal(t, correlation, stored.RequestID)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verdicts/"+second.VerdictID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "second", view["reason"])
	require.Equal(t, false, view["passed"])

	var rows int64
	require.NoError(t, audit.db.Model(&AuditRecord{}).Where("request_id = ?", correlation).Count(&rows).Error)
	require.EqualValues(t, 2, rows)
}

func TestPaidEndpointWithoutGateIsOpen(t *testing.T) {
	srv, _ := newTestServer(t, &stubBackend{reply: `{"passed":false,"confidence":30,"reason":"missing tests"}`}, nil)
	rec := postJSON(t, srv, "/api/verify-paid", newRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["x402"])
	require.NotContains(t, body, "payment")
}

func TestPaidEndpointRequiresPayment(t *testing.T) {
	gate, err := paygate.New(paygate.Config{
		PayTo:          "0x00000000000000000000000000000000000000b0",
		FacilitatorURL: "http://127.0.0.1:1",
	}, nil, nil, nil)
	require.NoError(t, err)
	backend := &stubBackend{reply: `{"passed":true}`}
	srv, _ := newTestServer(t, backend, gate)

	rec := postJSON(t, srv, "/api/verify-paid", newRequest())
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Zero(t, backend.calls)

	var body paygate.RequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, paygate.X402Version, body.X402Version)
	require.Len(t, body.Accepts, 1)

	// The free endpoint stays reachable.
	rec = postJSON(t, srv, "/api/verify", newRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var discovery discoveryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &discovery))
	require.True(t, discovery.X402)
	require.Equal(t, "POST /api/verify-paid (x402 gated)", discovery.Endpoints["paid"])
}

func TestEscrowVerdictsListsAttestedVerdicts(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	audit := setupAuditStore(t)
	v := New(&stubBackend{reply: `{"passed":true,"confidence":95,"reason":"ok"}`}, nil)
	v.SetSigner(key)
	srv, err := NewServer(ServerConfig{Verifier: v, Audit: audit, RateLimit: middleware.RateLimit{RatePerSecond: 100, Burst: 100}})
	require.NoError(t, err)

	req := newRequest()
	req.EscrowID = 3
	rec := postJSON(t, srv, "/api/verify", req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Attestation)
	require.EqualValues(t, 3, body.EscrowID)
	signer, err := body.Attestation.Signer()
	require.NoError(t, err)
	require.Equal(t, key.Address(), signer)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/escrows/3/verdicts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		EscrowID uint64                   `json:"escrowId"`
		Verdicts []map[string]interface{} `json:"verdicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Verdicts, 1)
	require.Equal(t, true, list.Verdicts[0]["attested"])

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Contains(t, rec.Body.String(), key.Address().Hex())
}
