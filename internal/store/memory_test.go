package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/race-engine/internal/model"
)

func newBet(id, raceID, userID string, competitor int, amount uint64) *model.Bet {
	return &model.Bet{
		ID:           id,
		RaceID:       raceID,
		UserID:       userID,
		CompetitorID: competitor,
		Amount:       amount,
		Status:       model.BetPending,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestMemoryStore_UnknownAccountIsZero(t *testing.T) {
	ms := NewMemoryStore()
	acc, err := ms.GetAccount(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acc.Balance)
}

func TestMemoryStore_PlaceBetDebits(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)

	acc, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 40))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), acc.Balance)

	got, err := ms.GetBet(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BetPending, got.Status)
}

func TestMemoryStore_PlaceBetInsufficient(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 10)

	_, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 11))
	var balErr *InsufficientBalanceError
	require.True(t, errors.As(err, &balErr))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(10), balErr.Balance)
	assert.Equal(t, uint64(11), balErr.Required)

	_, err = ms.GetBet(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_OneActiveBetPerRace(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)

	_, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 10))
	require.NoError(t, err)

	_, err = ms.PlaceBet(ctx, newBet("b2", "r1", "alice", 2, 10))
	var dupErr *DuplicateBetError
	require.True(t, errors.As(err, &dupErr))
	assert.Equal(t, "b1", dupErr.BetID)

	// a different race is fine, and so is a new bet after cancelling
	_, err = ms.PlaceBet(ctx, newBet("b3", "r2", "alice", 2, 10))
	require.NoError(t, err)
	_, _, err = ms.CancelBet(ctx, "b1", "alice")
	require.NoError(t, err)
	_, err = ms.PlaceBet(ctx, newBet("b4", "r1", "alice", 3, 10))
	require.NoError(t, err)
}

func TestMemoryStore_ConcurrentBetsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raceID := string(rune('a' + i))
			if _, err := ms.PlaceBet(ctx, newBet(raceID+"-bet", raceID, "alice", 1, 30)); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	acc, _ := ms.GetAccount(ctx, "alice")
	assert.Equal(t, uint64(10), acc.Balance)
}

func TestMemoryStore_CancelBet(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)
	_, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 40))
	require.NoError(t, err)

	_, _, err = ms.CancelBet(ctx, "b1", "mallory")
	assert.ErrorIs(t, err, ErrNotFound)

	bet, acc, err := ms.CancelBet(ctx, "b1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.BetCancelled, bet.Status)
	assert.Equal(t, uint64(100), acc.Balance)

	_, _, err = ms.CancelBet(ctx, "b1", "alice")
	assert.ErrorIs(t, err, ErrBetNotPending)
}

func TestMemoryStore_ApplySettlementOnce(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)
	ms.SetBalance("bob", 100)
	_, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 60))
	require.NoError(t, err)
	_, err = ms.PlaceBet(ctx, newBet("b2", "r1", "bob", 2, 40))
	require.NoError(t, err)

	st := &model.Settlement{
		RaceID: "r1", Winner: 1, TotalPot: 100, WinnerPool: 81, RakebackPool: 5, HouseEdge: 14,
		Outcomes: []model.BetOutcome{
			{BetID: "b1", UserID: "alice", CompetitorID: 1, Stake: 60, Status: model.BetWon, Payout: 81},
			{BetID: "b2", UserID: "bob", CompetitorID: 2, Stake: 40, Status: model.BetLost, Payout: 5},
		},
		SettledAt: time.Now().UTC(),
	}
	require.NoError(t, ms.ApplySettlement(ctx, st))
	assert.ErrorIs(t, ms.ApplySettlement(ctx, st), ErrAlreadySettled)

	alice, _ := ms.GetAccount(ctx, "alice")
	bob, _ := ms.GetAccount(ctx, "bob")
	assert.Equal(t, uint64(121), alice.Balance)
	assert.Equal(t, uint64(65), bob.Balance)

	b1, _ := ms.GetBet(ctx, "b1")
	assert.Equal(t, model.BetWon, b1.Status)
	assert.Equal(t, uint64(81), b1.Payout)

	got, err := ms.GetSettlement(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got.Outcomes, 2)
}

func TestMemoryStore_ApplySettlementRejectsNonPending(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)
	_, err := ms.PlaceBet(ctx, newBet("b1", "r1", "alice", 1, 60))
	require.NoError(t, err)
	_, _, err = ms.CancelBet(ctx, "b1", "alice")
	require.NoError(t, err)

	err = ms.ApplySettlement(ctx, &model.Settlement{
		RaceID:   "r1",
		Outcomes: []model.BetOutcome{{BetID: "b1", UserID: "alice", Status: model.BetWon, Payout: 50}},
	})
	assert.ErrorIs(t, err, ErrBetNotPending)

	acc, _ := ms.GetAccount(ctx, "alice")
	assert.Equal(t, uint64(100), acc.Balance, "nothing may be credited")
	_, err = ms.GetSettlement(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_VaultSignatureIsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	vt := &model.VaultTransaction{
		ID: "v1", UserID: "alice", Kind: model.VaultDeposit, Amount: 500,
		Signature: "sig-1", Status: model.VaultApplied, Authoritative: true,
	}

	acc, err := ms.ApplyVaultTransaction(ctx, vt)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Balance)

	_, err = ms.ApplyVaultTransaction(ctx, vt)
	assert.ErrorIs(t, err, ErrDuplicateSignature)

	acc, _ = ms.GetAccount(ctx, "alice")
	assert.Equal(t, uint64(500), acc.Balance)
}

func TestMemoryStore_WithdrawCannotOverdraw(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)

	_, err := ms.ApplyVaultTransaction(ctx, &model.VaultTransaction{
		ID: "v1", UserID: "alice", Kind: model.VaultWithdraw, Amount: 101, Signature: "sig-1",
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = ms.GetVaultTransaction(ctx, "sig-1")
	assert.ErrorIs(t, err, ErrNotFound, "a rejected withdrawal must not consume its signature")
}

func TestMemoryStore_WithdrawHoldConfirmAndRelease(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 300)
	hold := func(sig string) *model.VaultTransaction {
		return &model.VaultTransaction{
			ID: sig, UserID: "alice", Kind: model.VaultWithdraw, Amount: 100,
			Signature: sig, Status: model.VaultPending,
		}
	}

	acc, err := ms.ApplyVaultTransaction(ctx, hold("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acc.Balance)
	_, err = ms.ApplyVaultTransaction(ctx, hold("sig-2"))
	require.NoError(t, err)

	vt, err := ms.ConfirmVaultTransaction(ctx, "sig-1")
	require.NoError(t, err)
	assert.Equal(t, model.VaultApplied, vt.Status)
	_, err = ms.ConfirmVaultTransaction(ctx, "sig-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = ms.ReleaseVaultTransaction(ctx, "sig-1")
	assert.ErrorIs(t, err, ErrNotFound, "an applied withdrawal cannot be released")

	acc, err = ms.ReleaseVaultTransaction(ctx, "sig-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), acc.Balance)
	_, err = ms.GetVaultTransaction(ctx, "sig-2")
	assert.ErrorIs(t, err, ErrNotFound, "a released hold frees its signature")

	txs, err := ms.ListVaultTransactions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "sig-1", txs[0].Signature)
}

func TestMemoryStore_ListUserBetsNewestFirst(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.SetBalance("alice", 100)
	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := ms.PlaceBet(ctx, newBet("bet-"+id, id, "alice", 1, 1))
		require.NoError(t, err)
	}

	bets, err := ms.ListUserBets(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, bets, 2)
	assert.Equal(t, "bet-r3", bets[0].ID)
	assert.Equal(t, "bet-r2", bets[1].ID)
}
