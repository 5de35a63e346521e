package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/bet"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/stake"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/wallet"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestEnv creates a router over an in-memory coordinator.
func newTestEnv(t *testing.T) (chi.Router, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	svc := settlement.New(store.NewMemoryStore(), lock.NewMemory(), settlement.WithClock(clk.now))
	h := api.NewHandler(svc, nil, zap.NewNop())

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return r, clk
}

func do(t *testing.T, r http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, status, w.Body.String())
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func fundedUser(t *testing.T, r http.Handler, userID, amount string) {
	t.Helper()
	expect(t, do(t, r, "POST", "/api/v1/wallets", map[string]string{"user_id": userID}), http.StatusCreated)
	expect(t, do(t, r, "POST", "/api/v1/wallets/"+userID+"/deposits",
		map[string]string{"amount": amount, "idempotency_key": "seed"}), http.StatusOK)
}

func openBet(t *testing.T, r http.Handler, clk *testClock) *bet.Bet {
	t.Helper()
	now := clk.now()
	w := do(t, r, "POST", "/api/v1/bets", map[string]any{
		"title":           "Cup final",
		"category":        "football",
		"closing_time":    now.Add(time.Hour),
		"resolution_time": now.Add(2 * time.Hour),
		"outcomes":        []string{"Home", "Away"},
	})
	expect(t, w, http.StatusCreated)
	b := decode[bet.Bet](t, w)
	if b.Status != bet.StatusDraft || len(b.Outcomes) != 2 {
		t.Fatalf("created bet = %+v", b)
	}
	w = do(t, r, "POST", "/api/v1/bets/"+b.ID+"/open", nil)
	expect(t, w, http.StatusOK)
	return &b
}

func TestWalletEndpoints(t *testing.T) {
	r, _ := newTestEnv(t)
	fundedUser(t, r, "alice", "150.50")

	w := do(t, r, "GET", "/api/v1/wallets/alice", nil)
	expect(t, w, http.StatusOK)
	if v := decode[wallet.View](t, w); v.Available.String() != "150.50" || v.Total.String() != "150.50" {
		t.Errorf("wallet = %+v", v)
	}

	w = do(t, r, "POST", "/api/v1/wallets/alice/withdrawals", map[string]string{"amount": "50"}, "Idempotency-Key", "w-1")
	expect(t, w, http.StatusOK)
	if v := decode[wallet.View](t, w); v.Available.String() != "100.50" {
		t.Errorf("after withdrawal available = %s", v.Available)
	}

	w = do(t, r, "POST", "/api/v1/wallets/alice/withdrawals", map[string]string{"amount": "500", "idempotency_key": "w-2"})
	expect(t, w, http.StatusUnprocessableEntity)
	if e := decode[errorBody](t, w); e.Kind != "insufficient_funds" {
		t.Errorf("kind = %s", e.Kind)
	}

	w = do(t, r, "GET", "/api/v1/wallets/alice/ledger", nil)
	expect(t, w, http.StatusOK)
	if l := decode[struct{ Count int }](t, w); l.Count != 2 {
		t.Errorf("ledger count = %d, want 2", l.Count)
	}

	expect(t, do(t, r, "POST", "/api/v1/wallets/alice/reconcile", nil), http.StatusOK)
	expect(t, do(t, r, "GET", "/api/v1/wallets/nobody", nil), http.StatusNotFound)
}

func TestRequestValidation(t *testing.T) {
	r, _ := newTestEnv(t)
	fundedUser(t, r, "alice", "10")

	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed json", "/api/v1/wallets", "{"},
		{"unknown field", "/api/v1/wallets", `{"user_id":"x","admin":true}`},
		{"missing user", "/api/v1/wallets", map[string]string{}},
		{"negative amount", "/api/v1/wallets/alice/deposits", map[string]string{"amount": "-5", "idempotency_key": "k"}},
		{"missing key", "/api/v1/wallets/alice/deposits", map[string]string{"amount": "5"}},
		{"stake without outcome", "/api/v1/stakes", map[string]string{"user_id": "alice", "bet_id": "b", "amount": "1", "idempotency_key": "k"}},
		{"bet with one outcome", "/api/v1/bets", map[string]any{"title": "t", "category": "c", "closing_time": time.Now().Add(time.Hour), "resolution_time": time.Now().Add(2 * time.Hour), "outcomes": []string{"only"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, "POST", tt.path, tt.body)
			expect(t, w, http.StatusBadRequest)
			if e := decode[errorBody](t, w); e.Kind != "validation_error" {
				t.Errorf("kind = %q (%s)", e.Kind, e.Error)
			}
		})
	}
}

func TestStakeAndResolutionFlow(t *testing.T) {
	r, clk := newTestEnv(t)
	fundedUser(t, r, "alice", "100")
	fundedUser(t, r, "bob", "100")
	b := openBet(t, r, clk)

	place := func(user, outcome, amount, key string) *httptest.ResponseRecorder {
		return do(t, r, "POST", "/api/v1/stakes", map[string]string{
			"user_id": user, "bet_id": b.ID, "outcome_id": outcome, "amount": amount, "idempotency_key": key,
		})
	}
	w := place("alice", b.Outcomes[0].ID, "40", "a-1")
	expect(t, w, http.StatusCreated)
	first := decode[stake.Stake](t, w)

	w = place("alice", b.Outcomes[0].ID, "40", "a-1")
	expect(t, w, http.StatusCreated)
	if again := decode[stake.Stake](t, w); again.ID != first.ID {
		t.Errorf("replay created stake %s", again.ID)
	}
	expect(t, place("alice", b.Outcomes[1].ID, "40", "a-1"), http.StatusConflict)
	expect(t, place("bob", b.Outcomes[1].ID, "60", "b-1"), http.StatusCreated)

	w = do(t, r, "GET", "/api/v1/bets/"+b.ID+"/stakes", nil)
	expect(t, w, http.StatusOK)
	if s := decode[struct{ Count int }](t, w); s.Count != 2 {
		t.Errorf("bet stakes = %d", s.Count)
	}

	resolve := map[string]string{"winning_outcome_id": b.Outcomes[0].ID, "idempotency_key": "res-1"}
	expect(t, do(t, r, "POST", "/api/v1/bets/"+b.ID+"/resolve", resolve), http.StatusConflict)

	clk.advance(2 * time.Hour)
	expect(t, do(t, r, "POST", "/api/v1/bets/"+b.ID+"/close", nil), http.StatusOK)
	w = do(t, r, "POST", "/api/v1/bets/"+b.ID+"/resolve", resolve)
	expect(t, w, http.StatusOK)
	if got := decode[bet.Bet](t, w); got.Status != bet.StatusPaid {
		t.Errorf("status = %s", got.Status)
	}
	expect(t, do(t, r, "POST", "/api/v1/bets/"+b.ID+"/resolve", resolve), http.StatusOK)

	w = do(t, r, "GET", "/api/v1/wallets/alice", nil)
	if v := decode[wallet.View](t, w); v.Available.String() != "160.00" {
		t.Errorf("alice available = %s, want 160.00", v.Available)
	}

	w = do(t, r, "GET", "/api/v1/wallets/bob/stakes", nil)
	expect(t, w, http.StatusOK)
	var history struct{ Stakes []stake.Stake }
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatal(err)
	}
	if len(history.Stakes) != 1 || history.Stakes[0].Status != stake.StatusLost {
		t.Errorf("bob stakes = %+v", history.Stakes)
	}
}

func TestBetListingAndCancel(t *testing.T) {
	r, clk := newTestEnv(t)
	fundedUser(t, r, "alice", "100")
	b := openBet(t, r, clk)
	openBet(t, r, clk)

	w := do(t, r, "GET", "/api/v1/bets?status=open", nil)
	expect(t, w, http.StatusOK)
	if l := decode[struct{ Count int }](t, w); l.Count != 2 {
		t.Errorf("open bets = %d", l.Count)
	}
	expect(t, do(t, r, "GET", "/api/v1/bets?status=sideways", nil), http.StatusBadRequest)

	expect(t, do(t, r, "POST", "/api/v1/stakes", map[string]string{
		"user_id": "alice", "bet_id": b.ID, "outcome_id": b.Outcomes[0].ID, "amount": "25", "idempotency_key": "s",
	}), http.StatusCreated)

	expect(t, do(t, r, "POST", "/api/v1/bets/"+b.ID+"/cancel", map[string]string{}), http.StatusBadRequest)
	w = do(t, r, "POST", "/api/v1/bets/"+b.ID+"/cancel", map[string]string{"reason": "venue flooded"})
	expect(t, w, http.StatusOK)
	if got := decode[bet.Bet](t, w); got.Status != bet.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}

	w = do(t, r, "GET", "/api/v1/wallets/alice", nil)
	if v := decode[wallet.View](t, w); v.Available.String() != "100.00" || !v.Locked.IsZero() {
		t.Errorf("after cancel wallet = %+v", v)
	}
	expect(t, do(t, r, "POST", "/api/v1/bets/"+b.ID+"/open", nil), http.StatusConflict)
	expect(t, do(t, r, "GET", "/api/v1/bets/missing", nil), http.StatusNotFound)
}

func TestConcurrencyMapsToRetriable503(t *testing.T) {
	locks := lock.NewMemory()
	svc := settlement.New(store.NewMemoryStore(), locks, settlement.WithTimeouts(settlement.Timeouts{
		StakeLockTTL:      time.Second,
		ResolutionLockTTL: time.Second,
		LockWaitTimeout:   20 * time.Millisecond,
	}))
	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandler(svc, nil, zap.NewNop()).Routes)

	if _, err := locks.Acquire(context.Background(), lock.WalletKey("alice"), time.Minute, time.Second); err != nil {
		t.Fatal(err)
	}
	w := do(t, r, "POST", "/api/v1/wallets", map[string]string{"user_id": "alice"})
	expect(t, w, http.StatusServiceUnavailable)
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if e := decode[errorBody](t, w); !strings.Contains(e.Kind, "concurrency") {
		t.Errorf("kind = %s", e.Kind)
	}
}
