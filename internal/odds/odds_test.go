package odds

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return e
}

func bet(competitor int, sol uint64, status model.BetStatus) model.Bet {
	return model.Bet{CompetitorID: competitor, Amount: sol * lamports.PerSOL, Status: status}
}

// --- Constructor tests ---

func TestNewEngine_RejectsFullHouseEdge(t *testing.T) {
	p := DefaultParams()
	p.HouseEdgeBps = 10000
	if _, err := NewEngine(p); err != ErrInvalidHouseEdge {
		t.Errorf("expected ErrInvalidHouseEdge, got %v", err)
	}
}

func TestNewEngine_RejectsInvertedBounds(t *testing.T) {
	p := DefaultParams()
	p.Min = d("5")
	p.Max = d("2")
	if _, err := NewEngine(p); err != ErrInvalidBounds {
		t.Errorf("expected ErrInvalidBounds, got %v", err)
	}
}

// --- Snapshot tests ---

func TestCompute_EmptyPotIsUniform(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2, 3, 4}, nil)

	if snap.TotalPot != 0 {
		t.Fatalf("expected empty pot, got %d", snap.TotalPot)
	}
	for id, o := range snap.PerCompetitor {
		if !o.Multiplier.Equal(d("2.0")) {
			t.Errorf("competitor %d: expected 2.0x, got %s", id, o.Multiplier)
		}
		if !o.ProbabilityPct.Equal(d("25")) {
			t.Errorf("competitor %d: expected 25%%, got %s", id, o.ProbabilityPct)
		}
	}
}

func TestCompute_TwoCompetitorSplit(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2}, []model.Bet{
		bet(1, 6, model.BetPending),
		bet(2, 4, model.BetPending),
	})

	if snap.TotalPot != 10*lamports.PerSOL {
		t.Fatalf("expected pot 10 SOL, got %d", snap.TotalPot)
	}
	// payable = 8.6 SOL
	a, b := snap.PerCompetitor[1], snap.PerCompetitor[2]
	if !a.Multiplier.Equal(d("1.43")) {
		t.Errorf("expected 1.43x for A, got %s", a.Multiplier)
	}
	if !b.Multiplier.Equal(d("2.15")) {
		t.Errorf("expected 2.15x for B, got %s", b.Multiplier)
	}
	if !a.ProbabilityPct.Equal(d("60")) || !b.ProbabilityPct.Equal(d("40")) {
		t.Errorf("expected 60/40, got %s/%s", a.ProbabilityPct, b.ProbabilityPct)
	}
	if a.TotalStaked != 6*lamports.PerSOL {
		t.Errorf("expected 6 SOL staked on A, got %d", a.TotalStaked)
	}
}

func TestCompute_UnbackedCompetitorIsLongshot(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2, 3}, []model.Bet{bet(1, 1, model.BetPending)})

	o := snap.PerCompetitor[3]
	if !o.Multiplier.Equal(d("10.0")) {
		t.Errorf("expected longshot 10.0x, got %s", o.Multiplier)
	}
	if !o.ProbabilityPct.IsZero() {
		t.Errorf("expected 0%%, got %s", o.ProbabilityPct)
	}
}

func TestCompute_ClampsDominantStake(t *testing.T) {
	e := newEngine(t)
	// 99 vs 1: raw multipliers 0.87 and 86.0
	snap := e.Compute("r1", []int{1, 2}, []model.Bet{
		bet(1, 99, model.BetPending),
		bet(2, 1, model.BetPending),
	})
	if got := snap.PerCompetitor[1].Multiplier; !got.Equal(d("1.1")) {
		t.Errorf("expected floor 1.1x, got %s", got)
	}
	if got := snap.PerCompetitor[2].Multiplier; !got.Equal(d("10.0")) {
		t.Errorf("expected cap 10.0x, got %s", got)
	}
}

func TestCompute_IgnoresCancelledBets(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2}, []model.Bet{
		bet(1, 5, model.BetCancelled),
		bet(2, 5, model.BetWon),
		bet(1, 3, model.BetLost),
	})
	if snap.TotalPot != 8*lamports.PerSOL {
		t.Errorf("expected settled bets to stay in the pot, pot=%d", snap.TotalPot)
	}
	if got := snap.PerCompetitor[1].TotalStaked; got != 3*lamports.PerSOL {
		t.Errorf("expected cancelled stake excluded, got %d", got)
	}
}

func TestCompute_IgnoresOffRosterStake(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2}, []model.Bet{
		bet(1, 2, model.BetPending),
		bet(9, 100, model.BetPending),
	})
	if snap.TotalPot != 2*lamports.PerSOL {
		t.Errorf("expected pot 2 SOL, got %d", snap.TotalPot)
	}
	if _, ok := snap.PerCompetitor[9]; ok {
		t.Error("off-roster competitor must not appear in the snapshot")
	}
}

func TestFromStakes_LargePotDoesNotOverflow(t *testing.T) {
	e := newEngine(t)
	huge := ^uint64(0) / 2
	snap := e.FromStakes("r1", []int{1, 2}, map[int]uint64{1: huge, 2: huge})
	if snap.TotalPot != huge*2 {
		t.Fatalf("unexpected pot %d", snap.TotalPot)
	}
	if got := snap.PerCompetitor[1].Multiplier; !got.Equal(d("1.72")) {
		t.Errorf("expected 1.72x, got %s", got)
	}
}

func TestCompute_RoundsToScale(t *testing.T) {
	e := newEngine(t)
	snap := e.Compute("r1", []int{1, 2, 3}, []model.Bet{
		bet(1, 1, model.BetPending),
		bet(2, 2, model.BetPending),
		bet(3, 4, model.BetPending),
	})

	for id, o := range snap.PerCompetitor {
		if !o.Multiplier.Equal(o.Multiplier.Round(Scale)) {
			t.Errorf("competitor %d: multiplier %s has more than %d decimals", id, o.Multiplier, Scale)
		}
		if !o.ProbabilityPct.Equal(o.ProbabilityPct.Round(Scale)) {
			t.Errorf("competitor %d: probability %s has more than %d decimals", id, o.ProbabilityPct, Scale)
		}
	}
	// 1/7 of the pot is 14.285...%
	if got := snap.PerCompetitor[1].ProbabilityPct; !got.Equal(d("14.29")) {
		t.Errorf("expected 14.29%%, got %s", got)
	}
}
