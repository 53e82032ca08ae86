package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/api"
	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/ledger"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/odds"
	"github.com/atmx/race-engine/internal/store"
	"github.com/atmx/race-engine/internal/vault"
)

const sol = lamports.PerSOL

// fakeRaces is a scheduler with a single race whose phase the test controls.
type fakeRaces struct {
	mu   sync.RWMutex
	race model.Race
}

func (f *fakeRaces) setStatus(s model.RaceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.race.Status = s
}

func (f *fakeRaces) Current() model.Race {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.race
}

func (f *fakeRaces) Race(raceID string) (model.Race, bool) {
	r := f.Current()
	return r, r.ID == raceID
}

func (f *fakeRaces) info() model.RaceInfo {
	r := f.Current()
	ids := make([]int, len(r.Competitors))
	for i, c := range r.Competitors {
		ids[i] = c.ID
	}
	return model.RaceInfo{ID: r.ID, Status: r.Status, CompetitorIDs: ids}
}

func (f *fakeRaces) WhileOpen(raceID string, fn func(model.RaceInfo) error) error {
	info, ok := f.RaceInfo(raceID)
	if !ok {
		return apperrors.NotFound("race")
	}
	if info.Status != model.RaceCountdown {
		return apperrors.InvalidPhase(raceID, string(info.Status))
	}
	return fn(info)
}

func (f *fakeRaces) RaceInfo(raceID string) (model.RaceInfo, bool) {
	info := f.info()
	return info, info.ID == raceID
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	races  *fakeRaces
}

// newTestEnv wires the real ledger and a demo-mode vault over an in-memory
// store.
func newTestEnv(t *testing.T, limiter *api.UserLimiter) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	races := &fakeRaces{race: model.Race{
		ID:     "race-1",
		Status: model.RaceCountdown,
		Competitors: []model.Competitor{
			{ID: 1, Name: "Thunder"}, {ID: 2, Name: "Comet"}, {ID: 3, Name: "Mirage"}, {ID: 4, Name: "Drift"},
		},
	}}

	engine, err := odds.NewEngine(odds.DefaultParams())
	require.NoError(t, err)
	ldg, err := ledger.NewService(ms, races, engine, ledger.DefaultEconomics(), nil)
	require.NoError(t, err)
	vlt := vault.NewService(vault.DemoProgramID, vault.NewDemoChain(nil), ldg, ms, nil)

	h := api.NewHandler(api.Deps{
		Ledger:  ldg,
		Vault:   vlt,
		Races:   races,
		Results: ms,
		Limiter: limiter,
	})
	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())
	return &testEnv{router: r, store: ms, races: races}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(api.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Code    apperrors.ErrorType `json:"code"`
	Message string              `json:"message"`
	Details map[string]any      `json:"details"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func ptr(v uint64) *uint64 { return &v }

// --- Bets ---

func TestPlaceBet_DebitsAndReportsDisplay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetBalance("alice", 5*sol)

	w := env.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"race_id": "race-1", "competitor_id": 2, "amount_display": "1.5",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[api.BetResponse](t, w)
	assert.Equal(t, uint64(1_500_000_000), resp.Bet.Amount)
	assert.Equal(t, "1.500000000", resp.Bet.AmountDisplay)
	assert.Equal(t, model.BetPending, resp.Bet.Status)
	assert.Equal(t, "alice", resp.Bet.UserID)
	assert.Equal(t, uint64(3_500_000_000), resp.Account.Balance)
	assert.Equal(t, "3.500000000", resp.Account.BalanceDisplay)
}

func TestPlaceBet_Errors(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		body   any
		status int
		code   apperrors.ErrorType
	}{
		{"no user", "", api.PlaceBetRequest{RaceID: "race-1", CompetitorID: 1, Amount: api.Amount{Lamports: ptr(sol)}},
			http.StatusUnauthorized, apperrors.ErrUnauthorized},
		{"missing amount", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1},
			http.StatusBadRequest, apperrors.ErrValidation},
		{"both amounts", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1, "amount": 1, "amount_display": "1"},
			http.StatusBadRequest, apperrors.ErrValidation},
		{"bad display", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1, "amount_display": "lots"},
			http.StatusBadRequest, apperrors.ErrValidation},
		{"unknown field", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1, "amount": 1, "user_id": "bob"},
			http.StatusBadRequest, apperrors.ErrValidation},
		{"unknown competitor", "alice", map[string]any{"race_id": "race-1", "competitor_id": 9, "amount": sol},
			http.StatusBadRequest, apperrors.ErrValidation},
		{"unknown race", "alice", map[string]any{"race_id": "race-x", "competitor_id": 1, "amount": sol},
			http.StatusNotFound, apperrors.ErrNotFound},
		{"insufficient balance", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1, "amount": 10 * sol},
			http.StatusConflict, apperrors.ErrInsufficientBalance},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.store.SetBalance("alice", 2*sol)

			w := env.do(t, http.MethodPost, "/api/v1/bets", tc.user, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.code, decode[errorResponse](t, w).Code)
		})
	}
}

func TestPlaceBet_ClosedRaceReportsPhase(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetBalance("alice", 2*sol)
	env.races.setStatus(model.RaceRacing)

	w := env.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"race_id": "race-1", "competitor_id": 1, "amount": sol,
	})
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, apperrors.ErrInvalidPhase, resp.Code)
	assert.Equal(t, "racing", resp.Details["phase"])
}

func TestCancelBet_RefundsOwnerOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetBalance("alice", 2*sol)

	w := env.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"race_id": "race-1", "competitor_id": 1, "amount": sol,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	betID := decode[api.BetResponse](t, w).Bet.ID

	w = env.do(t, http.MethodDelete, "/api/v1/bets/"+betID, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/bets/"+betID, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[api.BetResponse](t, w)
	assert.Equal(t, model.BetCancelled, resp.Bet.Status)
	assert.Equal(t, 2*sol, resp.Account.Balance)
}

func TestListBetsAndBalance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetBalance("alice", 3*sol)
	w := env.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{
		"race_id": "race-1", "competitor_id": 3, "amount": sol,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/me/bets?limit=10", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bets := decode[struct {
		Bets []api.BetView `json:"bets"`
	}](t, w).Bets
	require.Len(t, bets, 1)
	assert.Equal(t, 3, bets[0].CompetitorID)

	w = env.do(t, http.MethodGet, "/api/v1/me/bets?limit=0", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/me/balance", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decode[api.BalanceView](t, w)
	assert.Equal(t, 2*sol, bal.Balance)
	assert.Equal(t, "2.000000000", bal.BalanceDisplay)
}

// --- Races ---

func TestGetRace_LiveThenArchived(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/race", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "race-1", decode[model.Race](t, w).ID)

	w = env.do(t, http.MethodGet, "/api/v1/races/race-1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	live := decode[api.RaceResponse](t, w)
	require.NotNil(t, live.Race)
	assert.Nil(t, live.Result)

	require.NoError(t, env.store.SaveRaceResult(context.Background(), &model.RaceResult{
		RaceID: "race-0", Winner: 3, Ranking: []int{3, 1, 2, 4}, EndTime: time.Now().UTC(),
	}))
	w = env.do(t, http.MethodGet, "/api/v1/races/race-0", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	archived := decode[api.RaceResponse](t, w)
	require.NotNil(t, archived.Result)
	assert.Equal(t, 3, archived.Result.Winner)

	w = env.do(t, http.MethodGet, "/api/v1/races/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOdds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.SetBalance("alice", 5*sol)
	env.store.SetBalance("bob", 5*sol)
	env.do(t, http.MethodPost, "/api/v1/bets", "alice", map[string]any{"race_id": "race-1", "competitor_id": 1, "amount": 3 * sol})
	env.do(t, http.MethodPost, "/api/v1/bets", "bob", map[string]any{"race_id": "race-1", "competitor_id": 2, "amount": sol})

	w := env.do(t, http.MethodGet, "/api/v1/races/race-1/odds", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decode[api.OddsView](t, w)
	assert.Equal(t, 4*sol, snap.TotalPot)
	assert.Equal(t, "4.000000000", snap.TotalPotDisplay)
	assert.Equal(t, 3*sol, snap.PerCompetitor[1].TotalStaked)
	assert.Equal(t, "10", snap.PerCompetitor[3].Multiplier.String())

	w = env.do(t, http.MethodGet, "/api/v1/races/race-x/odds", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSettlement(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/races/race-1/settlement", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, env.store.ApplySettlement(context.Background(), &model.Settlement{
		RaceID: "race-1", Winner: 2, Outcomes: []model.BetOutcome{}, SettledAt: time.Now().UTC(),
	}))
	w = env.do(t, http.MethodGet, "/api/v1/races/race-1/settlement", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	st := decode[api.SettlementView](t, w)
	assert.Equal(t, 2, st.Winner)
	assert.Equal(t, "0.000000000", st.HouseEdgeDisplay)
}

// --- Vault ---

func signBuilt(t *testing.T, encoded string, wallet solana.PrivateKey) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(wallet.PublicKey()) {
			return &wallet
		}
		return nil
	})
	require.NoError(t, err)
	signed, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(signed)
}

func TestVault_DepositRoundTripInDemoMode(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	user := wallet.PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/vault/deposit/build", user, map[string]any{"amount_display": "2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	unsigned := decode[vault.UnsignedTx](t, w)
	assert.Equal(t, model.VaultDeposit, unsigned.Kind)
	assert.Equal(t, 2*sol, unsigned.Amount)

	signed := signBuilt(t, unsigned.Transaction, wallet)
	body := map[string]any{"transaction": signed, "amount": 2 * sol}

	w = env.do(t, http.MethodPost, "/api/v1/vault/deposit", user, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[api.VaultResponse](t, w)
	assert.False(t, resp.Authoritative)
	assert.False(t, resp.Replayed)
	assert.Equal(t, 2*sol, resp.Account.Balance)
	assert.Equal(t, "2.000000000", resp.Transaction.AmountDisplay)

	w = env.do(t, http.MethodPost, "/api/v1/vault/deposit", user, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[api.VaultResponse](t, w).Replayed)

	w = env.do(t, http.MethodGet, "/api/v1/me/vault", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[struct {
		Transactions []api.VaultView `json:"transactions"`
	}](t, w).Transactions
	require.Len(t, history, 1)
	assert.Equal(t, 2*sol, history[0].Amount)
}

func TestVault_ClaimedAmountMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	user := wallet.PublicKey().String()

	w := env.do(t, http.MethodPost, "/api/v1/vault/deposit/build", user, map[string]any{"amount": sol})
	require.Equal(t, http.StatusOK, w.Code)
	signed := signBuilt(t, decode[vault.UnsignedTx](t, w).Transaction, wallet)

	w = env.do(t, http.MethodPost, "/api/v1/vault/deposit", user, map[string]any{"transaction": signed, "amount": 5 * sol})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	resp := decode[errorResponse](t, w)
	assert.Equal(t, apperrors.ErrVerification, resp.Code)
	assert.Equal(t, "claimed_amount", resp.Details["check"])

	w = env.do(t, http.MethodPost, "/api/v1/vault/deposit", user, map[string]any{"amount": sol})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Rate limiting ---

func TestRateLimiter_PerUser(t *testing.T) {
	env := newTestEnv(t, api.NewUserLimiter(0.001, 1))
	env.store.SetBalance("alice", 5*sol)
	env.store.SetBalance("bob", 5*sol)

	place := func(user string, competitor int) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/api/v1/bets", user, map[string]any{
			"race_id": "race-1", "competitor_id": competitor, "amount": sol,
		})
	}
	require.Equal(t, http.StatusCreated, place("alice", 1).Code)

	w := place("alice", 2)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, apperrors.ErrRateLimited, decode[errorResponse](t, w).Code)

	assert.Equal(t, http.StatusCreated, place("bob", 1).Code)

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/me/balance", "alice", nil).Code)
}
