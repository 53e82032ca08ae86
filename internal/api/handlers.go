// Package api exposes the race engine over HTTP. Money is always sent as an
// integer lamport count next to a *_display decimal string.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/ledger"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/store"
	"github.com/atmx/race-engine/internal/vault"
)

// RaceView is the read side of the race scheduler.
type RaceView interface {
	Current() model.Race
	Race(raceID string) (model.Race, bool)
}

// Results reads archived races.
type Results interface {
	GetRaceResult(ctx context.Context, raceID string) (*model.RaceResult, error)
}

type Deps struct {
	Ledger  *ledger.Service
	Vault   *vault.Service
	Races   RaceView
	Results Results
	// WS serves the event stream; nil disables the route.
	WS      http.HandlerFunc
	Auth    Authenticator
	Limiter *UserLimiter
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.Auth == nil {
		d.Auth = HeaderAuthenticator{}
	}
	if d.Limiter == nil {
		d.Limiter = NewUserLimiter(0, 0)
	}
	return &Handler{Deps: d}
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
	requestTimeout   = 30 * time.Second
	processTimeout   = 2 * time.Minute
)

// Routes returns the /api/v1 sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.WS != nil {
		r.Get("/ws", h.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Get("/race", h.GetCurrentRace)
		r.Get("/races/{raceID}", h.GetRace)
		r.Get("/races/{raceID}/odds", h.GetOdds)
		r.Get("/races/{raceID}/settlement", h.GetSettlement)

		r.Group(func(r chi.Router) {
			r.Use(RequireUser(h.Auth))
			r.Get("/me/balance", h.GetBalance)
			r.Get("/me/bets", h.ListBets)
			r.Get("/me/vault", h.ListVault)

			r.Group(func(r chi.Router) {
				r.Use(h.Limiter.Middleware)
				r.Post("/bets", h.PlaceBet)
				r.Delete("/bets/{betID}", h.CancelBet)
				r.Post("/vault/deposit/build", h.BuildDeposit)
				r.Post("/vault/withdraw/build", h.BuildWithdraw)
			})
		})
	})

	// Chain confirmation can take longer than requestTimeout.
	r.Group(func(r chi.Router) {
		r.Use(RequireUser(h.Auth), h.Limiter.Middleware)
		r.Post("/vault/deposit", h.ProcessDeposit)
		r.Post("/vault/withdraw", h.ProcessWithdraw)
	})
	return r
}

// --- Request/Response types ---

// Amount accepts either raw lamports or a decimal display string.
type Amount struct {
	Lamports *uint64 `json:"amount,omitempty"`
	Display  string  `json:"amount_display,omitempty"`
}

func (a Amount) value() (uint64, error) {
	switch {
	case a.Lamports != nil && a.Display != "":
		return 0, apperrors.Validation("send amount or amount_display, not both")
	case a.Lamports != nil:
		return *a.Lamports, nil
	case a.Display != "":
		v, err := lamports.Parse(a.Display)
		if err != nil {
			return 0, apperrors.Validation("amount_display is not a valid amount").With("amount_display", a.Display)
		}
		return v, nil
	}
	return 0, apperrors.Validation("amount is required")
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	RaceID       string `json:"race_id"`
	CompetitorID int    `json:"competitor_id"`
	Amount
}

// BetView is a bet with display strings.
type BetView struct {
	model.Bet
	AmountDisplay string `json:"amount_display"`
	PayoutDisplay string `json:"payout_display"`
}

func betView(b model.Bet) BetView {
	return BetView{Bet: b, AmountDisplay: lamports.Format(b.Amount), PayoutDisplay: lamports.Format(b.Payout)}
}

// BalanceView is an account balance with its display string.
type BalanceView struct {
	UserID         string `json:"user_id"`
	Balance        uint64 `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

func balanceView(acc *model.Account) BalanceView {
	return BalanceView{UserID: acc.UserID, Balance: acc.Balance, BalanceDisplay: lamports.Format(acc.Balance)}
}

// BetResponse is returned by bet placement and cancellation.
type BetResponse struct {
	Bet     BetView     `json:"bet"`
	Account BalanceView `json:"account"`
}

type OddsView struct {
	model.OddsSnapshot
	TotalPotDisplay string `json:"total_pot_display"`
}

type SettlementView struct {
	model.Settlement
	TotalPotDisplay  string `json:"total_pot_display"`
	HouseEdgeDisplay string `json:"house_edge_display"`
}

type VaultRequest struct {
	// Transaction is the signed transaction, base64. Empty for build calls.
	Transaction string `json:"transaction,omitempty"`
	Amount
}

type VaultView struct {
	model.VaultTransaction
	AmountDisplay string `json:"amount_display"`
}

type VaultResponse struct {
	Transaction VaultView   `json:"transaction"`
	Account     BalanceView `json:"account"`
	Replayed    bool        `json:"replayed"`
	// Authoritative is false when no real chain confirmed the transaction.
	Authoritative bool `json:"authoritative"`
}

// RaceResponse is a live race or, once it has left the scheduler's memory,
// its archived result.
type RaceResponse struct {
	Race   *model.Race       `json:"race,omitempty"`
	Result *model.RaceResult `json:"result,omitempty"`
}

// --- Races ---

// GetCurrentRace handles GET /api/v1/race
func (h *Handler) GetCurrentRace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Races.Current())
}

// GetRace handles GET /api/v1/races/{raceID}
func (h *Handler) GetRace(w http.ResponseWriter, r *http.Request) {
	raceID := chi.URLParam(r, "raceID")
	if race, ok := h.Races.Race(raceID); ok {
		writeJSON(w, http.StatusOK, RaceResponse{Race: &race})
		return
	}
	if h.Results == nil {
		writeError(w, r, apperrors.NotFound("race"))
		return
	}
	res, err := h.Results.GetRaceResult(r.Context(), raceID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, apperrors.NotFound("race"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RaceResponse{Result: res})
}

// GetOdds handles GET /api/v1/races/{raceID}/odds
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Ledger.Odds(r.Context(), chi.URLParam(r, "raceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, OddsView{OddsSnapshot: snap, TotalPotDisplay: lamports.Format(snap.TotalPot)})
}

// GetSettlement handles GET /api/v1/races/{raceID}/settlement
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.Settlement(r.Context(), chi.URLParam(r, "raceID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementView{
		Settlement:       *st,
		TotalPotDisplay:  lamports.Format(st.TotalPot),
		HouseEdgeDisplay: lamports.Format(st.HouseEdge),
	})
}

// --- Bets ---

// PlaceBet handles POST /api/v1/bets
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RaceID == "" {
		writeError(w, r, apperrors.Validation("race_id is required"))
		return
	}
	amount, err := req.Amount.value()
	if err != nil {
		writeError(w, r, err)
		return
	}

	bet, acc, err := h.Ledger.PlaceBet(r.Context(), ledger.PlaceBetRequest{
		UserID:       userFrom(r),
		RaceID:       req.RaceID,
		CompetitorID: req.CompetitorID,
		Amount:       amount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BetResponse{Bet: betView(*bet), Account: balanceView(acc)})
}

// CancelBet handles DELETE /api/v1/bets/{betID}
func (h *Handler) CancelBet(w http.ResponseWriter, r *http.Request) {
	bet, acc, err := h.Ledger.CancelBet(r.Context(), chi.URLParam(r, "betID"), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BetResponse{Bet: betView(*bet), Account: balanceView(acc)})
}

// ListBets handles GET /api/v1/me/bets?limit=n
func (h *Handler) ListBets(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	bets, err := h.Ledger.Bets(r.Context(), userFrom(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]BetView, len(bets))
	for i, b := range bets {
		out[i] = betView(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"bets": out})
}

// GetBalance handles GET /api/v1/me/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Ledger.Balance(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView(acc))
}

// --- Vault ---

func (h *Handler) BuildDeposit(w http.ResponseWriter, r *http.Request) {
	h.build(w, r, h.Vault.BuildDeposit)
}

func (h *Handler) BuildWithdraw(w http.ResponseWriter, r *http.Request) {
	h.build(w, r, h.Vault.BuildWithdraw)
}

func (h *Handler) ProcessDeposit(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, h.Vault.ProcessDeposit)
}

func (h *Handler) ProcessWithdraw(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, h.Vault.ProcessWithdraw)
}

type buildFunc func(ctx context.Context, userAddress string, amount uint64) (*vault.UnsignedTx, error)

type processFunc func(ctx context.Context, userID, signedTx string, claimed uint64) (*vault.Receipt, error)

func (h *Handler) build(w http.ResponseWriter, r *http.Request, fn buildFunc) {
	var req VaultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := req.Amount.value()
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx, err := fn(r.Context(), userFrom(r), amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, fn processFunc) {
	var req VaultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Transaction == "" {
		writeError(w, r, apperrors.Validation("transaction is required"))
		return
	}
	amount, err := req.Amount.value()
	if err != nil {
		writeError(w, r, err)
		return
	}

	// A confirmed transaction is applied even if the client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), processTimeout)
	defer cancel()

	receipt, err := fn(ctx, userFrom(r), req.Transaction, amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, VaultResponse{
		Transaction: VaultView{
			VaultTransaction: receipt.Transaction,
			AmountDisplay:    lamports.Format(receipt.Transaction.Amount),
		},
		Account: BalanceView{
			UserID:         receipt.Transaction.UserID,
			Balance:        receipt.Balance,
			BalanceDisplay: lamports.Format(receipt.Balance),
		},
		Replayed:      receipt.Replayed,
		Authoritative: receipt.Transaction.Authoritative,
	})
}

// ListVault handles GET /api/v1/me/vault?limit=n
func (h *Handler) ListVault(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := h.Vault.History(r.Context(), userFrom(r), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]VaultView, len(txs))
	for i, tx := range txs {
		out[i] = VaultView{VaultTransaction: tx, AmountDisplay: lamports.Format(tx.Amount)}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out})
}

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.Validation("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
