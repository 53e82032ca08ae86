// Package ledger holds user balances and bets and settles races against them.
//
// Every balance mutation happens inside a store call that is atomic on its
// own; the ledger adds a per-user critical section around bet placement and
// cancellation and a per-race critical section around settlement. Bets are
// only admitted inside the race scheduler's betting gate.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/logger"
	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/odds"
	"github.com/atmx/race-engine/internal/store"
)

// Event types published by the ledger.
const (
	EventBetPlaced    = "bet_placed"
	EventBetCancelled = "bet_cancelled"
	EventOddsUpdated  = "odds_updated"
	EventRaceSettled  = "race_settled"
)

// Gate admits work only while a race is taking bets.
type Gate interface {
	// WhileOpen runs fn while the race is guaranteed to stay in countdown.
	WhileOpen(raceID string, fn func(info model.RaceInfo) error) error
	RaceInfo(raceID string) (model.RaceInfo, bool)
}

type Publisher interface {
	Publish(eventType string, payload any)
}

// PlaceBetRequest is a validated-at-the-edge bet request. The user id comes
// from the authenticator, never from the request body.
type PlaceBetRequest struct {
	UserID       string
	RaceID       string
	CompetitorID int
	Amount       uint64
}

type Service struct {
	store store.Store
	gate  Gate
	odds  *odds.Engine
	econ  Economics
	pub   Publisher
	log   *slog.Logger

	users *keyedMutex
	races *keyedMutex
	book  *potBook
}

// NewService wires the ledger. pub may be nil.
func NewService(st store.Store, gate Gate, engine *odds.Engine, econ Economics, pub Publisher) (*Service, error) {
	if err := econ.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		store: st,
		gate:  gate,
		odds:  engine,
		econ:  econ,
		pub:   pub,
		log:   logger.With("component", "ledger"),
		users: newKeyedMutex(),
		races: newKeyedMutex(),
	}
	s.book = newPotBook(st.ListRaceBets)
	return s, nil
}

// --- Bets ---

// PlaceBet debits the stake and records a pending bet. The balance check and
// debit are one atomic step; a second active bet on the same race is rejected.
func (s *Service) PlaceBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, *model.Account, error) {
	bet, acc, err := s.placeBet(ctx, req)
	if err != nil {
		reason := string(apperrors.Wrap(err).Type)
		metrics.BetsRejected.WithLabelValues(reason).Inc()
		s.log.Info("bet rejected",
			"user_id", req.UserID,
			"race_id", req.RaceID,
			"competitor_id", req.CompetitorID,
			"amount", req.Amount,
			"reason", reason,
		)
		return nil, nil, err
	}

	metrics.BetsPlaced.Inc()
	metrics.BetVolume.Add(float64(bet.Amount))
	s.log.Info("bet placed",
		"bet_id", bet.ID,
		"user_id", bet.UserID,
		"race_id", bet.RaceID,
		"competitor_id", bet.CompetitorID,
		"amount", bet.Amount,
		"balance", acc.Balance,
	)
	s.publish(EventBetPlaced, bet)
	s.publishOdds(ctx, bet.RaceID)
	return bet, acc, nil
}

func (s *Service) placeBet(ctx context.Context, req PlaceBetRequest) (*model.Bet, *model.Account, error) {
	if req.UserID == "" {
		return nil, nil, apperrors.New(apperrors.ErrUnauthorized, "missing user", nil)
	}
	if err := s.checkAmount(req.Amount); err != nil {
		return nil, nil, err
	}

	var (
		bet *model.Bet
		acc *model.Account
	)
	err := s.gate.WhileOpen(req.RaceID, func(info model.RaceInfo) error {
		if !info.HasCompetitor(req.CompetitorID) {
			return apperrors.Validation("unknown competitor").
				With("competitor_id", req.CompetitorID).
				With("race_id", req.RaceID)
		}

		unlock := s.users.Lock(req.UserID)
		defer unlock()

		b := &model.Bet{
			ID:           uuid.New().String(),
			RaceID:       req.RaceID,
			UserID:       req.UserID,
			CompetitorID: req.CompetitorID,
			Amount:       req.Amount,
			Status:       model.BetPending,
			CreatedAt:    time.Now().UTC(),
		}
		a, err := s.store.PlaceBet(ctx, b)
		if err != nil {
			return mapStoreError(err)
		}
		s.book.add(b)
		bet, acc = b, a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return bet, acc, nil
}

func (s *Service) checkAmount(amount uint64) error {
	switch {
	case amount == 0:
		return apperrors.Validation("bet amount must be positive")
	case amount < s.econ.MinBet:
		return apperrors.Validation("bet amount below minimum").
			With("min_bet", s.econ.MinBet).
			With("min_bet_display", lamports.Format(s.econ.MinBet))
	case amount > s.econ.MaxBet:
		return apperrors.Validation("bet amount above maximum").
			With("max_bet", s.econ.MaxBet).
			With("max_bet_display", lamports.Format(s.econ.MaxBet))
	}
	return nil
}

// CancelBet refunds a pending bet in full. Only the bet's owner may cancel,
// and only while its race is still in countdown.
func (s *Service) CancelBet(ctx context.Context, betID, userID string) (*model.Bet, *model.Account, error) {
	existing, err := s.store.GetBet(ctx, betID)
	if err != nil {
		return nil, nil, mapStoreError(err)
	}
	if existing.UserID != userID {
		return nil, nil, apperrors.Forbidden("bet belongs to another user")
	}

	var (
		bet *model.Bet
		acc *model.Account
	)
	err = s.gate.WhileOpen(existing.RaceID, func(model.RaceInfo) error {
		unlock := s.users.Lock(userID)
		defer unlock()

		b, a, err := s.store.CancelBet(ctx, betID, userID)
		if err != nil {
			return mapStoreError(err)
		}
		s.book.remove(b.RaceID, b.ID)
		bet, acc = b, a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.BetsCancelled.Inc()
	s.log.Info("bet cancelled",
		"bet_id", bet.ID,
		"user_id", userID,
		"race_id", bet.RaceID,
		"refund", bet.Amount,
		"balance", acc.Balance,
	)
	s.publish(EventBetCancelled, bet)
	s.publishOdds(ctx, bet.RaceID)
	return bet, acc, nil
}

// --- Settlement ---

// SettleRace pays out a finished race. Settling an already settled race
// returns the stored settlement and changes nothing.
func (s *Service) SettleRace(ctx context.Context, raceID string, winner int) (*model.Settlement, error) {
	unlock := s.races.Lock(raceID)
	defer unlock()

	if prior, err := s.store.GetSettlement(ctx, raceID); err == nil {
		s.log.Debug("race already settled", "race_id", raceID)
		return prior, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load settlement: %w", err)
	}

	bets, err := s.store.ListRaceBets(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("list race bets: %w", err)
	}

	st := ComputeSettlement(raceID, winner, bets, s.econ, time.Now().UTC())
	if st.PaidOut()+st.HouseEdge != st.TotalPot || st.PaidOut() > st.TotalPot {
		return nil, fmt.Errorf("settlement of race %s does not balance: paid %d house %d pot %d",
			raceID, st.PaidOut(), st.HouseEdge, st.TotalPot)
	}

	if err := s.store.ApplySettlement(ctx, st); err != nil {
		if errors.Is(err, store.ErrAlreadySettled) {
			return s.store.GetSettlement(ctx, raceID)
		}
		return nil, fmt.Errorf("apply settlement: %w", err)
	}
	s.book.drop(raceID)

	var won, rakeback uint64
	for _, o := range st.Outcomes {
		if o.Status == model.BetWon {
			won += o.Payout
		} else {
			rakeback += o.Payout
		}
	}
	metrics.PayoutsTotal.WithLabelValues("win").Add(float64(won))
	metrics.PayoutsTotal.WithLabelValues("rakeback").Add(float64(rakeback))
	metrics.HouseEdgeTotal.Add(float64(st.HouseEdge))

	s.log.Info("settlement applied",
		"race_id", raceID,
		"winner", winner,
		"total_pot", st.TotalPot,
		"winner_pool", st.WinnerPool,
		"rakeback_pool", st.RakebackPool,
		"house_edge", st.HouseEdge,
		"bets", len(st.Outcomes),
	)
	s.publish(EventRaceSettled, st)
	return st, nil
}

// Recover finishes the bookkeeping of a race left behind by a previous
// process. A finished race with a winner is settled; a race stopped during
// countdown or racing is abandoned and its pending bets are refunded.
func (s *Service) Recover(ctx context.Context, r *model.Race) error {
	if r == nil || r.ID == "" {
		return nil
	}
	if r.Status == model.RaceFinished && r.Winner != nil {
		_, err := s.SettleRace(ctx, r.ID, *r.Winner)
		return err
	}

	unlockRace := s.races.Lock(r.ID)
	defer unlockRace()

	bets, err := s.store.ListRaceBets(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("list race bets: %w", err)
	}
	var refunded int
	var total uint64
	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		unlock := s.users.Lock(b.UserID)
		_, _, err := s.store.CancelBet(ctx, b.ID, b.UserID)
		unlock()
		if errors.Is(err, store.ErrBetNotPending) {
			continue
		}
		if err != nil {
			return fmt.Errorf("refund bet %s: %w", b.ID, err)
		}
		refunded++
		total += b.Amount
	}
	s.book.drop(r.ID)
	s.log.Warn("abandoned race refunded",
		"race_id", r.ID,
		"status", r.Status,
		"bets", refunded,
		"amount", total,
	)
	return nil
}

// --- Vault ---

// ApplyVault credits a confirmed deposit or debits a withdrawal. A pending
// withdrawal is a hold that ConfirmVault or ReleaseVault resolves. A
// signature that was already recorded yields store.ErrDuplicateSignature.
func (s *Service) ApplyVault(ctx context.Context, vt *model.VaultTransaction) (*model.Account, error) {
	unlock := s.users.Lock(vt.UserID)
	defer unlock()

	acc, err := s.store.ApplyVaultTransaction(ctx, vt)
	if errors.Is(err, store.ErrDuplicateSignature) {
		return nil, err
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	return acc, nil
}

// ConfirmVault makes a held withdrawal final. The balance was already
// debited by the hold.
func (s *Service) ConfirmVault(ctx context.Context, userID, signature string) (*model.VaultTransaction, error) {
	unlock := s.users.Lock(userID)
	defer unlock()

	vt, err := s.store.ConfirmVaultTransaction(ctx, signature)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	return vt, nil
}

// ReleaseVault refunds a held withdrawal the chain did not confirm.
func (s *Service) ReleaseVault(ctx context.Context, userID, signature string) (*model.Account, error) {
	unlock := s.users.Lock(userID)
	defer unlock()

	acc, err := s.store.ReleaseVaultTransaction(ctx, signature)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, mapStoreError(err)
	}
	return acc, nil
}

// --- Reads ---

// Odds returns the advisory odds of a race the scheduler still knows about.
func (s *Service) Odds(ctx context.Context, raceID string) (model.OddsSnapshot, error) {
	info, ok := s.gate.RaceInfo(raceID)
	if !ok {
		return model.OddsSnapshot{}, apperrors.NotFound("race")
	}
	stakes, err := s.book.stakes(ctx, raceID)
	if err != nil {
		return model.OddsSnapshot{}, apperrors.Wrap(err)
	}
	return s.odds.FromStakes(raceID, info.CompetitorIDs, stakes), nil
}

func (s *Service) Balance(ctx context.Context, userID string) (*model.Account, error) {
	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return acc, nil
}

// Bets returns the user's most recent bets, newest first.
func (s *Service) Bets(ctx context.Context, userID string, limit int) ([]model.Bet, error) {
	bets, err := s.store.ListUserBets(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	return bets, nil
}

func (s *Service) Settlement(ctx context.Context, raceID string) (*model.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, raceID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return st, nil
}

func (s *Service) publish(eventType string, payload any) {
	if s.pub != nil {
		s.pub.Publish(eventType, payload)
	}
}

func (s *Service) publishOdds(ctx context.Context, raceID string) {
	if s.pub == nil {
		return
	}
	snap, err := s.Odds(ctx, raceID)
	if err != nil {
		s.log.Warn("odds refresh failed", "race_id", raceID, "error", err)
		return
	}
	s.pub.Publish(EventOddsUpdated, snap)
}

// mapStoreError turns store sentinels into client-facing errors.
func mapStoreError(err error) error {
	var balErr *store.InsufficientBalanceError
	var dupErr *store.DuplicateBetError
	switch {
	case errors.As(err, &balErr):
		return apperrors.InsufficientBalance(balErr.Balance, balErr.Required)
	case errors.Is(err, store.ErrInsufficientBalance):
		return apperrors.New(apperrors.ErrInsufficientBalance, "insufficient balance", err)
	case errors.As(err, &dupErr):
		return apperrors.DuplicateBet(dupErr.BetID)
	case errors.Is(err, store.ErrDuplicateBet):
		return apperrors.New(apperrors.ErrDuplicateBet, "user already has an active bet on this race", err)
	case errors.Is(err, store.ErrBetNotPending):
		return apperrors.Validation("bet is no longer pending")
	case errors.Is(err, store.ErrNotFound):
		return apperrors.New(apperrors.ErrNotFound, "not found", err)
	default:
		return apperrors.Wrap(err)
	}
}
