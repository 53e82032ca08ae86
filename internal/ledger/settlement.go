package ledger

import (
	"fmt"
	"time"

	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/model"
)

// Economics is the pot split and bet limits. The three shares are basis
// points and must sum to 10000.
type Economics struct {
	HouseEdgeBps   uint64
	WinnerShareBps uint64
	RakebackBps    uint64
	MinBet         uint64
	MaxBet         uint64
}

// DefaultEconomics is 14% house, 81% winners, 5% rakeback.
func DefaultEconomics() Economics {
	return Economics{
		HouseEdgeBps:   1400,
		WinnerShareBps: 8100,
		RakebackBps:    500,
		MinBet:         lamports.PerSOL / 1000,
		MaxBet:         100 * lamports.PerSOL,
	}
}

func (e Economics) Validate() error {
	if sum := e.HouseEdgeBps + e.WinnerShareBps + e.RakebackBps; sum != lamports.BasisPoints {
		return fmt.Errorf("economics: shares sum to %d bps, want %d", sum, lamports.BasisPoints)
	}
	if e.MinBet == 0 || e.MinBet > e.MaxBet {
		return fmt.Errorf("economics: bet limits must satisfy 0 < min (%d) <= max (%d)", e.MinBet, e.MaxBet)
	}
	return nil
}

// ComputeSettlement splits the pot of the pending bets in bets between the
// winner's backers, the losers' rakeback and the house. It is pure: the same
// inputs always produce the same outcomes, in the order of bets.
//
// Payouts are total amounts credited. Both shares are stake-weighted and
// floored; flooring dust goes to the house so the payouts plus the house edge
// always equal the pot.
func ComputeSettlement(raceID string, winner int, bets []model.Bet, econ Economics, now time.Time) *model.Settlement {
	st := &model.Settlement{
		RaceID:    raceID,
		Winner:    winner,
		Outcomes:  []model.BetOutcome{},
		SettledAt: now,
	}

	var winnerStake, loserStake uint64
	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		st.TotalPot += b.Amount
		if b.CompetitorID == winner {
			winnerStake += b.Amount
		} else {
			loserStake += b.Amount
		}
	}

	st.WinnerPool = lamports.Bps(st.TotalPot, econ.WinnerShareBps)
	st.RakebackPool = lamports.Bps(st.TotalPot, econ.RakebackBps)
	if winnerStake == 0 {
		st.RakebackPool += st.WinnerPool
		st.WinnerPool = 0
	}
	if loserStake == 0 {
		st.RakebackPool = 0
	}

	for _, b := range bets {
		if b.Status != model.BetPending {
			continue
		}
		out := model.BetOutcome{
			BetID:        b.ID,
			UserID:       b.UserID,
			CompetitorID: b.CompetitorID,
			Stake:        b.Amount,
		}
		if b.CompetitorID == winner {
			out.Status = model.BetWon
			out.Payout = lamports.MulDiv(st.WinnerPool, b.Amount, winnerStake)
		} else {
			out.Status = model.BetLost
			out.Payout = lamports.MulDiv(st.RakebackPool, b.Amount, loserStake)
		}
		st.Outcomes = append(st.Outcomes, out)
	}

	st.HouseEdge = st.TotalPot - st.PaidOut()
	return st
}
