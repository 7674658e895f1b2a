package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"poseidon/internal/domain"
	"poseidon/internal/events"
	"poseidon/internal/limits"
	"poseidon/internal/middleware"
	"poseidon/internal/provider"
	"poseidon/internal/reconciliation"
	"poseidon/internal/repository/memory"
	"poseidon/internal/transfer"
	"poseidon/internal/worker"
	"poseidon/pkg/config"
	"poseidon/pkg/logger"
	"poseidon/pkg/money"
	"poseidon/pkg/validator"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "handler-secret"
	testWebhookSecret = "hook-secret"
)

// inlineScheduler settles immediately so responses can be asserted deterministically.
type inlineScheduler struct{}

func (inlineScheduler) Submit(_ context.Context, task worker.Task) error {
	return task.Run(context.Background())
}

type fixture struct {
	store      *memory.LedgerStore
	reconciler *reconciliation.Service
	hub        *events.Hub
	router     *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil)
}

func newFixtureWith(t *testing.T, rateLimit mux.MiddlewareFunc, origins []string) *fixture {
	t.Helper()
	log := logger.NewNop()
	store := memory.NewLedgerStore(10)
	hub := events.NewHub(16, log)
	reconciler := reconciliation.NewService(store, hub, nil, log)
	gate := limits.NewPolicyGate(config.LimitsConfig{
		Rules:            map[string]config.LimitRule{"NGN": {PerTransaction: 2000000, Daily: 100000000}},
		FallbackCurrency: "NGN",
	}, store)
	service := transfer.NewService(store, gate, provider.NewSimulated(0), reconciler, inlineScheduler{}, hub, nil, log)

	routes := Routes{
		Transfers: NewTransferHandler(service, validator.New(), log),
		Accounts:  NewAccountHandler(service, log),
		Webhooks:  NewWebhookHandler(reconciler, testWebhookSecret, []string{"verif-hash", "x-webhook-secret"}, log),
		Stream:    NewStreamHandler(hub, origins, log),
		System:    NewSystemHandler(store, nil, log),
	}
	r := mux.NewRouter()
	routes.Register(r, middleware.NewAuthMiddleware(testJWTSecret).Authenticate, rateLimit, nil)

	return &fixture{store: store, reconciler: reconciler, hub: hub, router: r}
}

func (f *fixture) account(t *testing.T, name string, minor int64) uuid.UUID {
	t.Helper()
	a := &domain.Account{ID: uuid.New(), DisplayName: name, Kind: domain.AccountKindInternal}
	require.NoError(t, f.store.CreateAccount(context.Background(), a))
	if minor > 0 {
		_, err := f.reconciler.ApplyDeposit(context.Background(), reconciliation.Deposit{
			AccountID: a.ID, Amount: minor, Currency: money.NGN, ProviderReference: "open-" + a.ID.String(),
		})
		require.NoError(t, err)
	}
	return a.ID
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) domain.BalancePair {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance(money.NGN)
}

func token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path string, user uuid.UUID, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
}

func TestInitiateTransfer_Internal(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", a,
		`{"receiver_id":"`+b.String()+`","amount":"20.00","currency":"ngn"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var receipt domain.Receipt
	decode(t, w, &receipt)
	assert.Equal(t, domain.EntryStatusPending, receipt.Status)
	assert.Equal(t, "20.00", receipt.Amount)
	assert.Equal(t, money.NGN, receipt.Currency)
	assert.Equal(t, domain.InternalBankTag, receipt.ReceiverBank)

	assert.Equal(t, domain.BalancePair{Available: 8000}, f.balance(t, a))
	assert.Equal(t, domain.BalancePair{Available: 2000}, f.balance(t, b))

	w = f.do(t, http.MethodGet, "/api/v1/transfers/"+receipt.ReferenceID, b, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view domain.Transfer
	decode(t, w, &view)
	assert.Equal(t, domain.EntryStatusSuccess, view.Status)

	w = f.do(t, http.MethodGet, "/api/v1/transfers/"+receipt.ReferenceID, uuid.New(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInitiateTransfer_ExternalOutcomes(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 100000)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", a,
		`{"external":{"account_number":"0001234567","bank_code":"044"},"amount":100,"currency":"NGN"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// Simulated rejection is reversed, but the caller still saw a pending receipt.
	var receipt domain.Receipt
	decode(t, w, &receipt)
	assert.Equal(t, domain.EntryStatusPending, receipt.Status)
	assert.Equal(t, domain.BalancePair{Available: 100000}, f.balance(t, a))

	w = f.do(t, http.MethodGet, "/api/v1/transfers/"+receipt.ReferenceID, a, "", nil)
	var view domain.Transfer
	decode(t, w, &view)
	assert.Equal(t, domain.EntryStatusFailed, view.Status)
	require.NotNil(t, view.Reversal)

	w = f.do(t, http.MethodPost, "/api/v1/transfers", a,
		`{"external":{"account_number":"1234567890","bank_code":"044"},"amount":"250.50","currency":"NGN"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, domain.BalancePair{Available: 100000 - 25050}, f.balance(t, a))
}

func TestInitiateTransfer_Rejections(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	tests := []struct {
		name string
		user uuid.UUID
		body string
		want int
	}{
		{"unauthenticated", uuid.Nil, `{}`, http.StatusUnauthorized},
		{"empty body", a, ``, http.StatusBadRequest},
		{"unknown field", a, `{"sender_id":"` + b.String() + `","receiver_id":"` + b.String() + `","amount":"1","currency":"NGN"}`, http.StatusBadRequest},
		{"missing currency", a, `{"receiver_id":"` + b.String() + `","amount":"1"}`, http.StatusBadRequest},
		{"unsupported currency", a, `{"receiver_id":"` + b.String() + `","amount":"1","currency":"ABC"}`, http.StatusBadRequest},
		{"zero amount", a, `{"receiver_id":"` + b.String() + `","amount":"0","currency":"NGN"}`, http.StatusBadRequest},
		{"bad account number", a, `{"external":{"account_number":"12","bank_code":"044"},"amount":"1","currency":"NGN"}`, http.StatusBadRequest},
		{"missing destination", a, `{"amount":"1","currency":"NGN"}`, http.StatusBadRequest},
		{"unknown receiver", a, `{"receiver_id":"` + uuid.NewString() + `","amount":"1","currency":"NGN"}`, http.StatusNotFound},
		{"insufficient funds", a, `{"receiver_id":"` + b.String() + `","amount":"100.01","currency":"NGN"}`, http.StatusUnprocessableEntity},
		{"over limit", a, `{"receiver_id":"` + b.String() + `","amount":"20000.01","currency":"NGN"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/transfers", tt.user, tt.body, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := f.do(t, http.MethodPost, "/api/v1/transfers", a, `{"receiver_id":"`+b.String()+`","amount":"1"}`, nil)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Contains(t, body["validation_errors"], "Currency")

	assert.Equal(t, domain.BalancePair{Available: 10000}, f.balance(t, a))
}

func TestAccountEndpoints(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/v1/transfers", a, `{"receiver_id":"`+b.String()+`","amount":"1","currency":"NGN"}`, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/accounts/me/balances", a, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balances struct {
		Balances map[string]domain.BalancePair `json:"balances"`
	}
	decode(t, w, &balances)
	assert.Equal(t, domain.BalancePair{Available: 9700}, balances.Balances["NGN"])

	w = f.do(t, http.MethodGet, "/api/v1/accounts/me/entries?limit=2&offset=1", a, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Entries []domain.LedgerEntry `json:"entries"`
		Limit   int                  `json:"limit"`
		Offset  int                  `json:"offset"`
	}
	decode(t, w, &page)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)

	w = f.do(t, http.MethodGet, "/api/v1/accounts/me/balances", uuid.New(), "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", a,
		`{"external":{"account_number":"9991234567","bank_code":"058"},"amount":"40","currency":"NGN"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	var receipt domain.Receipt
	decode(t, w, &receipt)

	payload := `{"event":"transfer.completed","data":{"reference":"` + receipt.ReferenceID + `","status":"SUCCESSFUL","id":1234}}`

	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, payload, map[string]string{"verif-hash": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, payload, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	credit, err := f.store.FindEntryByReference(context.Background(), domain.CreditReference(receipt.ReferenceID))
	require.NoError(t, err)
	assert.Equal(t, domain.EntryStatusPending, credit.Status)

	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, payload, map[string]string{"x-webhook-secret": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"applied":true,"disposition":"applied"}`, w.Body.String())

	// Redelivery is acknowledged without a second transition.
	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, payload, map[string]string{"verif-hash": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"applied":false,"disposition":"already_final"}`, w.Body.String())
	assert.Equal(t, domain.BalancePair{Available: 4000}, f.balance(t, credit.AccountID))

	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, `{"data":{"reference":"TX-404-unknown","status":"failed"}}`,
		map[string]string{"verif-hash": testWebhookSecret})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"applied":false,"disposition":"ignored"}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, `{"data":{"status":"failed"}}`,
		map[string]string{"verif-hash": testWebhookSecret})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, `not json`, map[string]string{"verif-hash": testWebhookSecret})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_Deposit(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 0)

	body := `{"event":"charge.completed","data":{"id":99,"tx_ref":"FLW-77","status":"successful","amount":1500,"currency":"NGN","meta":{"account_id":"` + a.String() + `"}}}`
	for i := 0; i < 2; i++ {
		w := f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, body, map[string]string{"verif-hash": testWebhookSecret})
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, domain.BalancePair{Available: 150000}, f.balance(t, a))
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	store := memory.NewLedgerStore(1)
	reconciler := reconciliation.NewService(store, nil, nil, logger.NewNop())
	h := NewWebhookHandler(reconciler, "", nil, logger.NewNop())

	w := httptest.NewRecorder()
	h.HandleProvider(w, httptest.NewRequest(http.MethodPost, "/webhooks/provider",
		bytes.NewBufferString(`{"reference":"TX-1-x","status":"successful"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSystemEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/health", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/ready", uuid.Nil, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready","checks":{"store":"ok"}}`, w.Body.String())
}

func TestStreamTransfers(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "Ada", 10000)
	b := f.account(t, "Bola", 0)

	server := httptest.NewServer(f.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/transfers/stream"
	header := http.Header{"Authorization": []string{"Bearer " + token(t, b)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Subscribers(b) == 1 }, time.Second, 10*time.Millisecond)

	w := f.do(t, http.MethodPost, "/api/v1/transfers", a, `{"receiver_id":"`+b.String()+`","amount":"5","currency":"NGN"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pending, settled domain.Event
	require.NoError(t, conn.ReadJSON(&pending))
	require.NoError(t, conn.ReadJSON(&settled))
	assert.Equal(t, events.TypeTransferPending, pending.Type)
	assert.Equal(t, events.TypeTransferSettled, settled.Type)
	assert.Equal(t, int64(500), settled.Amount)
}

func TestRateLimit_OnlyAuthenticatedAPIKeyedByUser(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := middleware.NewRateLimiter(client, 1, time.Minute, logger.NewNop())
	f := newFixtureWith(t, limiter.Limit, nil)
	a := f.account(t, "Ada", 100)
	b := f.account(t, "Bola", 100)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", uuid.Nil, "", nil).Code)
		w := f.do(t, http.MethodPost, "/webhooks/provider", uuid.Nil, `{"data":{"status":"failed"}}`,
			map[string]string{"verif-hash": testWebhookSecret})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}

	// Both callers share one client address; each user gets its own window.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/accounts/me/balances", a, "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/accounts/me/balances", b, "", nil).Code)

	w := f.do(t, http.MethodGet, "/api/v1/accounts/me/balances", a, "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	assert.True(t, mr.Exists("poseidon:ratelimit:192.0.2.1:"+a.String()))
	assert.True(t, mr.Exists("poseidon:ratelimit:192.0.2.1:"+b.String()))
	assert.Len(t, mr.Keys(), 2)
}

func TestStreamTransfers_OriginCheck(t *testing.T) {
	f := newFixtureWith(t, nil, []string{"https://wallet.example.com"})
	b := f.account(t, "Bola", 0)

	server := httptest.NewServer(f.router)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/transfers/stream"

	header := http.Header{
		"Authorization": []string{"Bearer " + token(t, b)},
		"Origin":        []string{"https://evil.example.net"},
	}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header.Set("Origin", "https://wallet.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Subscribers(b) == 1 }, time.Second, 10*time.Millisecond)
}

func TestStreamTransfers_SameOriginByDefault(t *testing.T) {
	f := newFixture(t)
	b := f.account(t, "Bola", 0)

	server := httptest.NewServer(f.router)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/transfers/stream"

	header := http.Header{
		"Authorization": []string{"Bearer " + token(t, b)},
		"Origin":        []string{"https://evil.example.net"},
	}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	header.Set("Origin", server.URL)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
}
