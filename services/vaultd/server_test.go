package vaultd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"

	"vaultescrow/core/events"
	"vaultescrow/core/state"
	"vaultescrow/crypto"
	"vaultescrow/crypto/terms"
	gatewayauth "vaultescrow/gateway/auth"
	"vaultescrow/gateway/middleware"
	"vaultescrow/native/escrow"
	"vaultescrow/storage"
)

const (
	testFee       = 100
	testDeposit   = 1000
	testCustody   = testDeposit - testFee
	testFunding   = 10_000
	testCondition = "Deliver a working login page with tests"
	jwtSecret     = "operator-secret"
)

var signerClock = time.Unix(1_700_000_000, 0).UTC()

type testEnv struct {
	t         *testing.T
	srv       *Server
	ledger    *escrow.Ledger
	indexer   *Indexer
	feed      *events.Feed
	now       int64
	nonce     int
	buyer     *crypto.PrivateKey
	seller    *crypto.PrivateKey
	decryptor *crypto.PrivateKey
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newTestEnv(t *testing.T, withOperator bool) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		now:       1_700_000_000,
		buyer:     mustKey(t),
		seller:    mustKey(t),
		decryptor: mustKey(t),
	}
	env.feed = events.NewFeed(16)
	indexer, err := OpenIndexer(":memory:", env.feed, nil)
	if err != nil {
		t.Fatalf("open indexer: %v", err)
	}
	t.Cleanup(func() { _ = indexer.Close() })
	env.indexer = indexer

	env.ledger = escrow.NewLedger(state.NewManager(storage.NewMemDB()))
	env.ledger.SetNowFunc(func() int64 { return env.now })
	env.ledger.SetMinimumFee(big.NewInt(testFee))
	env.ledger.SetFeeTreasury(mustKey(t).Address())
	env.ledger.SetDecryptor(env.decryptor.Address())
	env.ledger.SetEmitter(indexer)
	if _, err := env.ledger.Credit(env.buyer.Address(), big.NewInt(testFunding)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}

	cfg := ServerConfig{
		Ledger:  env.ledger,
		Signer:  gatewayauth.NewAuthenticator(time.Minute, 5*time.Minute, 0, func() time.Time { return signerClock }, nil),
		Indexer: indexer,
		Feed:    env.feed,
	}
	if withOperator {
		cfg.Operator = middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: jwtSecret}, nil)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.srv = srv
	return env
}

func (e *testEnv) signed(key *crypto.PrivateKey, path string, payload interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	e.nonce++
	if err := gatewayauth.SignRequest(req, key, body, signerClock, fmt.Sprintf("nonce-%d", e.nonce)); err != nil {
		e.t.Fatalf("sign: %v", err)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (e *testEnv) createEscrow(timeout uint64) uint64 {
	e.t.Helper()
	rec := e.signed(e.buyer, "/escrows", CreateRequest{
		Seller:         e.seller.Address().Hex(),
		Timeout:        timeout,
		Condition:      testCondition,
		EncryptedTerms: "0x0102",
		Deposit:        fmt.Sprint(testDeposit),
	})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     uint64     `json:"id"`
		Escrow EscrowJSON `json:"escrow"`
	}
	decode(e.t, rec, &resp)
	return resp.ID
}

func (e *testEnv) balance(key *crypto.PrivateKey) string {
	e.t.Helper()
	bal, err := e.ledger.Balance(key.Address())
	if err != nil {
		e.t.Fatalf("balance: %v", err)
	}
	return bal.String()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d (%s)", status, rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("expected error message, got %s", rec.Body.String())
	}
	if body["code"] != code {
		t.Fatalf("expected code %q, got %q", code, body["code"])
	}
}

func TestCreateAndGetEscrow(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	if id != 1 {
		t.Fatalf("expected first escrow id 1, got %d", id)
	}

	rec := env.get("/escrows/1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var got EscrowJSON
	decode(t, rec, &got)
	if got.Status != 0 || got.StatusLabel != "Active" {
		t.Fatalf("unexpected status %d/%s", got.Status, got.StatusLabel)
	}
	if got.Buyer != env.buyer.Address().Hex() || got.Seller != env.seller.Address().Hex() {
		t.Fatalf("unexpected parties: %+v", got)
	}
	if got.Amount != "0" || got.Decrypted {
		t.Fatalf("amount must stay hidden before reveal: %+v", got)
	}
	if got.ConditionHash != terms.HashCondition(testCondition).Hex() {
		t.Fatalf("unexpected condition hash %s", got.ConditionHash)
	}
	if got.EncryptedTerms != "0x0102" || got.RefundAt != env.now+3600 {
		t.Fatalf("unexpected terms/refundAt: %+v", got)
	}
	if bal := env.balance(env.buyer); bal != fmt.Sprint(testFunding-testDeposit) {
		t.Fatalf("unexpected buyer balance %s", bal)
	}

	rec = env.get("/escrows/count")
	var count map[string]uint64
	decode(t, rec, &count)
	if count["count"] != 1 {
		t.Fatalf("unexpected count %v", count)
	}

	expectError(t, env.get("/escrows/99"), http.StatusNotFound, escrow.CodeEscrowNotFound)
	expectError(t, env.get("/escrows/abc"), http.StatusBadRequest, "")
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, false)
	base := func() CreateRequest {
		return CreateRequest{
			Seller:         env.seller.Address().Hex(),
			Timeout:        60,
			ConditionHash:  terms.HashCondition(testCondition).Hex(),
			EncryptedTerms: "0x01",
			Deposit:        fmt.Sprint(testDeposit),
		}
	}
	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		status int
		code   string
	}{
		{"self escrow", func(r *CreateRequest) { r.Seller = env.buyer.Address().Hex() }, http.StatusBadRequest, escrow.CodeSelfEscrow},
		{"null seller", func(r *CreateRequest) { r.Seller = "0x0000000000000000000000000000000000000000" }, http.StatusBadRequest, escrow.CodeInvalidSeller},
		{"zero timeout", func(r *CreateRequest) { r.Timeout = 0 }, http.StatusBadRequest, escrow.CodeInvalidTimeout},
		{"fee not covered", func(r *CreateRequest) { r.Deposit = "99" }, http.StatusBadRequest, escrow.CodeInsufficientGasPayment},
		{"short balance", func(r *CreateRequest) { r.Deposit = fmt.Sprint(testFunding + 1) }, http.StatusBadRequest, escrow.CodeInsufficientFunds},
		{"condition mismatch", func(r *CreateRequest) { r.Condition = "something else" }, http.StatusBadRequest, ""},
		{"bad terms", func(r *CreateRequest) { r.EncryptedTerms = "zz" }, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			expectError(t, env.signed(env.buyer, "/escrows", req), tc.status, tc.code)
		})
	}
	if count, _ := env.ledger.EscrowCount(); count != 0 {
		t.Fatalf("rejected creates must not allocate ids, count=%d", count)
	}
	if bal := env.balance(env.buyer); bal != fmt.Sprint(testFunding) {
		t.Fatalf("rejected creates must not move funds, balance=%s", bal)
	}

	rec := httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/escrows", strings.NewReader(`{}`)))
	expectError(t, rec, http.StatusUnauthorized, "")
}

func TestReleaseLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	path := fmt.Sprintf("/escrows/%d", id)

	rec := env.signed(env.seller, path+"/release", ReleaseRequest{ReceiptURI: "uri://x"})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}
	var got EscrowJSON
	decode(t, rec, &got)
	if got.StatusLabel != "Released" || got.Status != 1 || !got.Decrypted || got.Amount != fmt.Sprint(testCustody) || got.ReceiptURI != "uri://x" {
		t.Fatalf("unexpected released escrow: %+v", got)
	}
	if bal := env.balance(env.seller); bal != fmt.Sprint(testCustody) {
		t.Fatalf("seller should receive custody, got %s", bal)
	}

	expectError(t, env.signed(env.seller, path+"/release", ReleaseRequest{ReceiptURI: "uri://y"}), http.StatusConflict, escrow.CodeNotActive)
	env.now += 7200
	expectError(t, env.signed(env.buyer, path+"/refund", nil), http.StatusConflict, escrow.CodeNotActive)
	expectError(t, env.signed(env.buyer, path+"/dispute", nil), http.StatusConflict, escrow.CodeNotActive)
	expectError(t, env.signed(env.seller, "/escrows/999/release", ReleaseRequest{}), http.StatusConflict, escrow.CodeNotActive)

	if bal := env.balance(env.seller); bal != fmt.Sprint(testCustody) {
		t.Fatalf("seller must be paid exactly once, got %s", bal)
	}
}

func TestRefundAfterTimeout(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	path := fmt.Sprintf("/escrows/%d/refund", id)

	expectError(t, env.signed(env.buyer, path, nil), http.StatusConflict, escrow.CodeTimeoutNotElapsed)
	env.now += 3600
	rec := env.signed(env.seller, path, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body.String())
	}
	var got EscrowJSON
	decode(t, rec, &got)
	if got.StatusLabel != "Refunded" || got.Status != 2 {
		t.Fatalf("unexpected refunded escrow: %+v", got)
	}
	if bal := env.balance(env.buyer); bal != fmt.Sprint(testFunding-testFee) {
		t.Fatalf("buyer should get custody back, got %s", bal)
	}
}

func TestDisputeAuthorization(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	path := fmt.Sprintf("/escrows/%d", id)

	expectError(t, env.signed(mustKey(t), path+"/dispute", nil), http.StatusForbidden, escrow.CodeUnauthorized)
	rec := env.signed(env.seller, path+"/dispute", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispute: %d %s", rec.Code, rec.Body.String())
	}
	var got EscrowJSON
	decode(t, rec, &got)
	if got.StatusLabel != "Disputed" || got.Status != 3 {
		t.Fatalf("unexpected disputed escrow: %+v", got)
	}
	expectError(t, env.signed(env.seller, path+"/release", ReleaseRequest{}), http.StatusConflict, escrow.CodeNotActive)
	env.now += 3600
	expectError(t, env.signed(env.buyer, path+"/refund", nil), http.StatusConflict, escrow.CodeNotActive)
}

func TestDecryptOnlyByDecryptor(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	path := fmt.Sprintf("/escrows/%d/decrypt", id)

	expectError(t, env.signed(env.buyer, path, AmountRequest{Amount: fmt.Sprint(testCustody)}), http.StatusForbidden, escrow.CodeUnauthorized)
	expectError(t, env.signed(env.decryptor, path, AmountRequest{Amount: "1"}), http.StatusBadRequest, escrow.CodeAmountMismatch)
	expectError(t, env.signed(env.decryptor, "/escrows/42/decrypt", AmountRequest{Amount: "1"}), http.StatusNotFound, escrow.CodeEscrowNotFound)

	rec := env.signed(env.decryptor, path, AmountRequest{Amount: fmt.Sprint(testCustody)})
	if rec.Code != http.StatusOK {
		t.Fatalf("decrypt: %d %s", rec.Code, rec.Body.String())
	}
	var got EscrowJSON
	decode(t, rec, &got)
	if !got.Decrypted || got.Amount != fmt.Sprint(testCustody) || got.StatusLabel != "Active" {
		t.Fatalf("unexpected revealed escrow: %+v", got)
	}
	expectError(t, env.signed(env.decryptor, path, AmountRequest{Amount: fmt.Sprint(testCustody)}), http.StatusConflict, escrow.CodeAlreadyDecrypted)
}

func TestAttestedRelease(t *testing.T) {
	env := newTestEnv(t, false)
	attestor := mustKey(t)
	env.ledger.SetAttestor(attestor.Address(), 80)
	env.ledger.SetLedgerID("vault-test")
	id := env.createEscrow(3600)
	path := fmt.Sprintf("/escrows/%d/release", id)

	expectError(t, env.signed(env.seller, path, ReleaseRequest{ReceiptURI: "uri://x"}), http.StatusBadRequest, escrow.CodeAttestationRequired)

	att := &escrow.Attestation{
		LedgerID:      "vault-test",
		EscrowID:      id,
		ConditionHash: terms.HashCondition(testCondition),
		Passed:        true,
		Confidence:    60,
		IssuedAt:      env.now,
	}
	if err := att.Sign(attestor); err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	expectError(t, env.signed(env.seller, path, ReleaseRequest{Attestation: att}), http.StatusBadRequest, escrow.CodeInvalidAttestation)

	att.Confidence = 92
	if err := att.Sign(attestor); err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	rec := env.signed(env.seller, path, ReleaseRequest{ReceiptURI: "uri://x", Attestation: att})
	if rec.Code != http.StatusOK {
		t.Fatalf("attested release: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.get("/params")
	var params map[string]interface{}
	decode(t, rec, &params)
	if params["attestor"] != attestor.Address().Hex() || params["minimumFee"] != fmt.Sprint(testFee) || params["ledgerId"] != "vault-test" {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestEventsAreIndexed(t *testing.T) {
	env := newTestEnv(t, false)
	id := env.createEscrow(3600)
	if rec := env.signed(env.seller, fmt.Sprintf("/escrows/%d/release", id), ReleaseRequest{ReceiptURI: "uri://x"}); rec.Code != http.StatusOK {
		t.Fatalf("release: %d %s", rec.Code, rec.Body.String())
	}

	var all struct {
		Events []IndexedEvent `json:"events"`
		Next   int64          `json:"next"`
	}
	decode(t, env.get("/events"), &all)
	want := []string{
		escrow.EventTypeAccountCredited,
		escrow.EventTypeEscrowCreated,
		escrow.EventTypeEscrowDecrypted,
		escrow.EventTypeEscrowReleased,
	}
	if len(all.Events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), all.Events)
	}
	for i, evt := range all.Events {
		if evt.Type != want[i] || evt.Sequence != int64(i+1) {
			t.Fatalf("event %d: got %s/%d, want %s/%d", i, evt.Type, evt.Sequence, want[i], i+1)
		}
	}
	if all.Next != 4 {
		t.Fatalf("unexpected next cursor %d", all.Next)
	}
	created := all.Events[1]
	if created.EscrowID != id || created.Attributes["buyer"] != env.buyer.Address().Hex() ||
		created.Attributes["conditionHash"] != terms.HashCondition(testCondition).Hex() {
		t.Fatalf("creation event missing indexing attributes: %+v", created)
	}

	var scoped struct {
		Events []IndexedEvent `json:"events"`
	}
	decode(t, env.get(fmt.Sprintf("/escrows/%d/events", id)), &scoped)
	if len(scoped.Events) != 3 {
		t.Fatalf("expected 3 escrow events, got %d", len(scoped.Events))
	}
	decode(t, env.get("/events?after=2&type=EscrowReleased"), &scoped)
	if len(scoped.Events) != 1 || scoped.Events[0].Attributes["amount"] != fmt.Sprint(testCustody) {
		t.Fatalf("unexpected filtered events: %+v", scoped.Events)
	}
	expectError(t, env.get("/events?after=-1"), http.StatusBadRequest, "")
}

func TestCreditRequiresOperatorToken(t *testing.T) {
	target := mustKey(t).Address().Hex()
	path := "/accounts/" + target + "/credit"

	disabled := newTestEnv(t, false)
	rec := httptest.NewRecorder()
	disabled.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"amount":"5"}`)))
	expectError(t, rec, http.StatusForbidden, "")

	env := newTestEnv(t, true)
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"amount":"5"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"scope": middleware.ScopeLedgerCredit,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"amount":"5"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	env.srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("credit: %d %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["balance"] != "5" {
		t.Fatalf("unexpected balance %v", body)
	}

	decode(t, env.get("/accounts/"+target), &body)
	if body["balance"] != "5" {
		t.Fatalf("unexpected balance read %v", body)
	}
	expectError(t, env.get("/accounts/not-an-address"), http.StatusBadRequest, "")
}

func TestLedgerStatusMapping(t *testing.T) {
	cases := map[error]int{
		escrow.ErrNotActive:                              http.StatusConflict,
		escrow.ErrTimeoutNotElapsed:                      http.StatusConflict,
		escrow.ErrAlreadyDecrypted:                       http.StatusConflict,
		escrow.ErrUnauthorized:                           http.StatusForbidden,
		escrow.ErrEscrowNotFound:                         http.StatusNotFound,
		escrow.ErrSelfEscrow:                             http.StatusBadRequest,
		escrow.ErrInsufficientGasPayment:                 http.StatusBadRequest,
		escrow.ErrInvalidAttestation:                     http.StatusBadRequest,
		fmt.Errorf("disk: %w", context.DeadlineExceeded): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := LedgerStatus(fmt.Errorf("wrapped: %w", err)); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

func readStream(t *testing.T, ctx context.Context, conn *websocket.Conn) streamMessage {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode stream message: %v", err)
	}
	return msg
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	env := newTestEnv(t, false)
	if _, err := env.ledger.Credit(env.seller.Address(), big.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/stream?after=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	backlog := readStream(t, ctx, conn)
	if backlog.Sequence != 2 || backlog.Type != escrow.EventTypeAccountCredited || backlog.Attributes["amount"] != "7" {
		t.Fatalf("unexpected backlog message: %+v", backlog)
	}

	for env.feed.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("stream never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	env.createEscrow(60)
	live := readStream(t, ctx, conn)
	if live.Sequence != 3 || live.Type != escrow.EventTypeEscrowCreated {
		t.Fatalf("unexpected live message: %+v", live)
	}
}
