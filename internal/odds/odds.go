// Package odds derives advisory pari-mutuel multipliers from the current
// distribution of accepted stakes on a race.
//
// The engine is stateless: stakes are passed in, a snapshot comes out. Its
// output is for display only. Settlement recomputes payouts from the raw bet
// records and never reads a snapshot.
//
// Multipliers and probabilities use shopspring/decimal; stakes stay integer
// lamports until the final division.
package odds

import (
	"errors"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/model"
)

var (
	// ErrInvalidHouseEdge is returned when the house edge is 100% or more.
	ErrInvalidHouseEdge = errors.New("odds: house edge must be below 10000 bps")

	// ErrInvalidBounds is returned when the multiplier clamp is empty or not
	// strictly positive.
	ErrInvalidBounds = errors.New("odds: multiplier bounds must satisfy 0 < min <= max")

	hundred = decimal.NewFromInt(100)
)

// Scale is the number of decimal places for multipliers and percentages.
const Scale int32 = 2

// Params configures an Engine.
type Params struct {
	HouseEdgeBps uint64
	// Default is shown for every competitor while the pot is empty.
	Default decimal.Decimal
	// Longshot is shown for a competitor nobody has backed yet.
	Longshot decimal.Decimal
	Min      decimal.Decimal
	Max      decimal.Decimal
}

// DefaultParams are 14% house edge, 2.0x uniform, 10.0x longshot, [1.1, 10.0].
func DefaultParams() Params {
	return Params{
		HouseEdgeBps: 1400,
		Default:      decimal.RequireFromString("2.0"),
		Longshot:     decimal.RequireFromString("10.0"),
		Min:          decimal.RequireFromString("1.1"),
		Max:          decimal.RequireFromString("10.0"),
	}
}

type Engine struct {
	p Params
}

func NewEngine(p Params) (*Engine, error) {
	if p.HouseEdgeBps >= lamports.BasisPoints {
		return nil, ErrInvalidHouseEdge
	}
	if p.Min.LessThanOrEqual(decimal.Zero) || p.Min.GreaterThan(p.Max) {
		return nil, ErrInvalidBounds
	}
	return &Engine{p: p}, nil
}

// Compute builds a snapshot from raw bet records. Cancelled bets and bets on
// competitors outside the roster are ignored.
func (e *Engine) Compute(raceID string, competitorIDs []int, bets []model.Bet) model.OddsSnapshot {
	stakes := make(map[int]uint64, len(competitorIDs))
	for _, b := range bets {
		if b.Status == model.BetCancelled {
			continue
		}
		stakes[b.CompetitorID] += b.Amount
	}
	return e.FromStakes(raceID, competitorIDs, stakes)
}

// FromStakes builds a snapshot from per-competitor stake totals.
func (e *Engine) FromStakes(raceID string, competitorIDs []int, stakes map[int]uint64) model.OddsSnapshot {
	snap := model.OddsSnapshot{
		RaceID:        raceID,
		PerCompetitor: make(map[int]model.CompetitorOdds, len(competitorIDs)),
		ComputedAt:    time.Now().UTC(),
	}
	for _, id := range competitorIDs {
		snap.TotalPot += stakes[id]
	}

	if snap.TotalPot == 0 {
		var uniform decimal.Decimal
		if n := len(competitorIDs); n > 0 {
			uniform = hundred.DivRound(decimal.NewFromInt(int64(n)), Scale)
		}
		for _, id := range competitorIDs {
			snap.PerCompetitor[id] = model.CompetitorOdds{
				Multiplier:     e.p.Default,
				ProbabilityPct: uniform,
			}
		}
		return snap
	}

	pot := toDecimal(snap.TotalPot)
	payable := pot.Mul(decimal.NewFromInt(int64(lamports.BasisPoints - e.p.HouseEdgeBps))).
		Div(decimal.NewFromInt(int64(lamports.BasisPoints)))

	for _, id := range competitorIDs {
		s := stakes[id]
		if s == 0 {
			snap.PerCompetitor[id] = model.CompetitorOdds{
				Multiplier:     e.p.Longshot,
				ProbabilityPct: decimal.Zero,
			}
			continue
		}
		stake := toDecimal(s)
		snap.PerCompetitor[id] = model.CompetitorOdds{
			TotalStaked:    s,
			Multiplier:     e.clamp(payable.DivRound(stake, Scale)),
			ProbabilityPct: stake.Mul(hundred).DivRound(pot, Scale),
		}
	}
	return snap
}

func (e *Engine) clamp(m decimal.Decimal) decimal.Decimal {
	if m.LessThan(e.p.Min) {
		return e.p.Min
	}
	if m.GreaterThan(e.p.Max) {
		return e.p.Max
	}
	return m
}

func toDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
