package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/iolta-ledger/internal/audit"
	"github.com/example/iolta-ledger/internal/auth"
	"github.com/example/iolta-ledger/internal/crypto"
	"github.com/example/iolta-ledger/internal/security"
	"github.com/example/iolta-ledger/internal/trust"
)

func testEncryptor(t *testing.T) *crypto.AEADEncryptor {
	t.Helper()
	kms, err := crypto.NewFileKMS(t.TempDir(), "test-master")
	require.NoError(t, err)
	return crypto.NewAEADEncryptor(kms)
}

var allScopes = []string{
	string(trust.CapDeposit), string(trust.CapWithdraw), string(trust.CapApprove),
	string(trust.CapVoid), string(trust.CapReconcile), string(trust.CapAdmin),
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	h, err := auth.HashClientSecret(secret)
	require.NoError(t, err)
	return h
}

type testEnv struct {
	server *httptest.Server
	store  *trust.MemoryStore
}

func newTestEnv(t *testing.T, limiter *security.RedisTokenBucket, maxBody int64) *testEnv {
	t.Helper()

	keys, err := auth.NewKeySet()
	require.NoError(t, err)

	clients := auth.NewMemoryClientStore()
	clients.PutClient(&auth.Client{ID: "ops", SecretHash: mustHash(t, "ops-secret"), Scopes: allScopes})
	clients.PutClient(&auth.Client{
		ID:         "intake",
		SecretHash: mustHash(t, "intake-secret"),
		Scopes:     []string{string(trust.CapDeposit)},
	})

	store := trust.NewMemoryStore()
	recorder := audit.NewRecorder()

	deps := Dependencies{
		OAuth: &auth.OAuthServer{
			Store:  clients,
			Keys:   keys,
			Issuer: "iolta-ledger-test",
		},
		JWTValidator: &auth.JWTValidator{KeySet: keys, Issuer: "iolta-ledger-test"},

		Registry:   trust.NewRegistry(store, testEncryptor(t), nil, recorder, nil, nil),
		Ledgers:    trust.NewLedgerManager(store, nil, recorder, nil, nil),
		Engine:     trust.NewEngine(store, nil, recorder, nil, nil, trust.Policy{}, trust.DefaultEpsilon),
		Workflow:   trust.NewWorkflow(store, nil, recorder, nil, nil),
		Reconciler: trust.NewReconciler(store, nil, recorder, nil, nil, trust.DefaultEpsilon),

		RateLimiter:  limiter,
		MaxBodyBytes: maxBody,
	}

	handler, err := NewRouter(deps)
	require.NoError(t, err)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store}
}

func (e *testEnv) issueToken(t *testing.T, clientID, secret string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/oauth/token",
		strings.NewReader("grant_type=client_credentials"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.AccessToken)
	return tok.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body security.ErrorResponse
	decodeInto(t, resp, &body)
	return body.Error
}

func TestAuthFailuresAndValidation(t *testing.T) {
	env := newTestEnv(t, nil, 1<<20)

	// No token.
	resp := env.do(t, http.MethodGet, "/trust/accounts", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Garbage token.
	resp = env.do(t, http.MethodGet, "/trust/accounts", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Deposit-only client cannot touch accounts.
	intake := env.issueToken(t, "intake", "intake-secret")
	resp = env.do(t, http.MethodGet, "/trust/accounts", intake, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", errorCode(t, resp))

	// Schema validation rejects a malformed routing number before the
	// handler runs.
	ops := env.issueToken(t, "ops", "ops-secret")
	resp = env.do(t, http.MethodPost, "/trust/accounts", ops, map[string]any{
		"name":           "Trust",
		"bank_name":      "Bank",
		"routing_number": "12345",
		"account_number": "000123456789",
		"entity_id":      "firm-1",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_error", errorCode(t, resp))

	// Wrong client secret.
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/oauth/token",
		strings.NewReader("grant_type=client_credentials"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("ops", "wrong")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, bad.StatusCode)
	bad.Body.Close()
}

func TestFullTrustFlow(t *testing.T) {
	env := newTestEnv(t, nil, 1<<20)
	ops := env.issueToken(t, "ops", "ops-secret")

	// Open the pooled trust account.
	resp := env.do(t, http.MethodPost, "/trust/accounts", ops, map[string]any{
		"name":           "IOLTA Operating Trust",
		"bank_name":      "First National",
		"routing_number": "021000021",
		"account_number": "000123456789",
		"jurisdiction":   "CA",
		"entity_id":      "firm-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var acctResp accountResponse
	decodeInto(t, resp, &acctResp)
	require.NotEmpty(t, acctResp.CorrelationID)
	require.Equal(t, "6789", acctResp.Account.AccountLast4)
	accountID := acctResp.Account.ID

	// Open a client ledger.
	resp = env.do(t, http.MethodPost, "/trust/ledgers", ops, map[string]any{
		"account_id": accountID,
		"client_id":  "acme",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ledResp ledgerResponse
	decodeInto(t, resp, &ledResp)
	ledgerID := ledResp.Ledger.ID

	// Deposit the settlement retainer.
	resp = env.do(t, http.MethodPost, "/trust/deposit", ops, map[string]any{
		"account_id": accountID,
		"amount":     5000.00,
		"payor":      "Acme Corp",
		"allocations": []map[string]any{
			{"ledger_id": ledgerID, "amount": 5000.00},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var txResp transactionResponse
	decodeInto(t, resp, &txResp)
	require.Equal(t, trust.StatusApproved, txResp.Transaction.Status)

	// Pay the filing fee.
	resp = env.do(t, http.MethodPost, "/trust/withdrawal", ops, map[string]any{
		"account_id":  accountID,
		"ledger_id":   ledgerID,
		"amount":      1200.00,
		"payee":       "County Clerk",
		"description": "Court filing fee",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wResp transactionResponse
	decodeInto(t, resp, &wResp)
	withdrawalID := wResp.Transaction.ID

	resp = env.do(t, http.MethodGet, "/trust/ledgers/"+ledgerID, ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &ledResp)
	require.Equal(t, "3800", ledResp.Ledger.RunningBalance.String())

	// Overdraw attempt maps to 422.
	resp = env.do(t, http.MethodPost, "/trust/withdrawal", ops, map[string]any{
		"account_id": accountID,
		"ledger_id":  ledgerID,
		"amount":     4000.00,
		"payee":      "County Clerk",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "insufficient_funds", errorCode(t, resp))

	// Void the filing-fee check.
	resp = env.do(t, http.MethodPost, "/trust/transactions/"+withdrawalID+"/void", ops, map[string]any{
		"reason": "check reissued",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &txResp)
	require.True(t, txResp.Transaction.IsVoided)

	// Voiding again is a state conflict.
	resp = env.do(t, http.MethodPost, "/trust/transactions/"+withdrawalID+"/void", ops, map[string]any{
		"reason": "again",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "invalid_state", errorCode(t, resp))

	// Three-way reconciliation against the bank statement.
	resp = env.do(t, http.MethodPost, "/trust/reconcile", ops, map[string]any{
		"account_id":             accountID,
		"period_end":             "2026-01-31",
		"bank_statement_balance": 5000.00,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var recResp reconciliationResponse
	decodeInto(t, resp, &recResp)
	require.True(t, recResp.Reconciliation.IsReconciled)
	require.True(t, recResp.Reconciliation.Discrepancy.IsZero())

	// The audit trail covers every mutation above.
	resp = env.do(t, http.MethodGet, "/admin/audit-logs", ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs listAuditLogsResponse
	decodeInto(t, resp, &logs)
	require.GreaterOrEqual(t, len(logs.Entries), 6)

	// And the balance replay comes back clean.
	resp = env.do(t, http.MethodGet, "/admin/balance-audit?account_id="+accountID, ops, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report balanceAuditResponse
	decodeInto(t, resp, &report)
	require.True(t, report.Report.Clean)
}

func TestUnknownResourcesReturn404(t *testing.T) {
	env := newTestEnv(t, nil, 1<<20)
	ops := env.issueToken(t, "ops", "ops-secret")

	resp := env.do(t, http.MethodGet, "/trust/accounts/no-such-id", ops, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", errorCode(t, resp))

	resp = env.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitTrips(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := &security.RedisTokenBucket{
		Redis:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Prefix:     "test_rl",
		Capacity:   3,
		RefillRate: 0.001,
	}
	env := newTestEnv(t, limiter, 1<<20)

	tripped := false
	for i := 0; i < 10; i++ {
		resp := env.do(t, http.MethodGet, "/healthz", "", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			require.Equal(t, "rate_limited", errorCode(t, resp))
			tripped = true
			break
		}
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}
	require.True(t, tripped, "limiter never returned 429")
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t, nil, 512)
	ops := env.issueToken(t, "ops", "ops-secret")

	resp := env.do(t, http.MethodPost, "/trust/deposit", ops, map[string]any{
		"account_id":  "a",
		"amount":      1.00,
		"payor":       strings.Repeat("x", 2048),
		"allocations": []map[string]any{{"ledger_id": "l", "amount": 1.00}},
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, "payload_too_large", errorCode(t, resp))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, 0)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
