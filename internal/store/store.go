// Package store defines the persistence interface for the race engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache and shared race snapshot), and in-memory (for testing and single
// instance development).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/race-engine/internal/model"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	ErrDuplicateBet        = errors.New("store: user already has an active bet on this race")
	ErrBetNotPending       = errors.New("store: bet is not pending")
	ErrAlreadySettled      = errors.New("store: race already settled")
	ErrDuplicateSignature  = errors.New("store: vault transaction already applied")
)

// InsufficientBalanceError carries the balance seen inside the critical
// section. It matches ErrInsufficientBalance with errors.Is.
type InsufficientBalanceError struct {
	Balance  uint64
	Required uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("store: insufficient balance: have %d, need %d", e.Balance, e.Required)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateBetError names the bet that is already active.
type DuplicateBetError struct {
	BetID string
}

func (e *DuplicateBetError) Error() string {
	return fmt.Sprintf("store: user already has active bet %s", e.BetID)
}

func (e *DuplicateBetError) Unwrap() error { return ErrDuplicateBet }

// Store is the persistence interface. Every method that moves money is
// atomic: either all of its writes are visible or none are.
type Store interface {
	// --- Accounts ---

	// GetAccount returns the user's account. Unknown users have a zero balance.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// --- Bets ---

	// PlaceBet debits bet.Amount from the owner and records the bet as
	// pending, serialized per user. Fails with InsufficientBalanceError or
	// DuplicateBetError without writing anything.
	PlaceBet(ctx context.Context, bet *model.Bet) (*model.Account, error)

	// CancelBet refunds a pending bet owned by userID and marks it cancelled.
	CancelBet(ctx context.Context, betID, userID string) (*model.Bet, *model.Account, error)

	GetBet(ctx context.Context, betID string) (*model.Bet, error)

	// ListRaceBets returns every bet on a race in placement order.
	ListRaceBets(ctx context.Context, raceID string) ([]model.Bet, error)

	// ListUserBets returns the user's most recent bets, newest first.
	ListUserBets(ctx context.Context, userID string, limit int) ([]model.Bet, error)

	// --- Settlement ---

	// ApplySettlement records the settlement, credits every payout and moves
	// each pending bet to its terminal status in one transaction. A second
	// settlement for the same race fails with ErrAlreadySettled.
	ApplySettlement(ctx context.Context, st *model.Settlement) error

	GetSettlement(ctx context.Context, raceID string) (*model.Settlement, error)

	// --- Vault ---

	// ApplyVaultTransaction credits a deposit or debits a withdrawal, keyed by
	// the chain signature. A repeated signature fails with
	// ErrDuplicateSignature and changes nothing. A withdrawal stored with
	// status pending is a hold: the debit stands until it is confirmed or
	// released.
	ApplyVaultTransaction(ctx context.Context, vt *model.VaultTransaction) (*model.Account, error)

	// ConfirmVaultTransaction turns a pending hold into an applied
	// transaction. ErrNotFound when the signature has no pending row.
	ConfirmVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error)

	// ReleaseVaultTransaction drops a pending hold and refunds its amount.
	// ErrNotFound when the signature has no pending row.
	ReleaseVaultTransaction(ctx context.Context, signature string) (*model.Account, error)

	GetVaultTransaction(ctx context.Context, signature string) (*model.VaultTransaction, error)

	ListVaultTransactions(ctx context.Context, userID string, limit int) ([]model.VaultTransaction, error)

	// --- Race archive ---

	SaveRaceResult(ctx context.Context, res *model.RaceResult) error

	GetRaceResult(ctx context.Context, raceID string) (*model.RaceResult, error)
}
