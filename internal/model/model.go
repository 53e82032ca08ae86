// Package model defines the core domain types shared across the race engine.
// All monetary values are integer lamports (uint64), never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RaceStatus is the phase of a race lifecycle.
type RaceStatus string

const (
	RaceIdle      RaceStatus = "idle"
	RaceCountdown RaceStatus = "countdown"
	RaceRacing    RaceStatus = "racing"
	RaceFinished  RaceStatus = "finished"
)

// CompetitorSpec is the static configuration of one competitor in the roster.
type CompetitorSpec struct {
	ID           int     `json:"id" mapstructure:"id"`
	Name         string  `json:"name" mapstructure:"name"`
	BaseSpeed    float64 `json:"base_speed" mapstructure:"base_speed"`
	Acceleration float64 `json:"acceleration" mapstructure:"acceleration"`
}

// Competitor is the per-race mutable state of one runner. Positions are
// track-relative in [0, TrackLength].
type Competitor struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	BaseSpeed    float64 `json:"base_speed"`
	Acceleration float64 `json:"acceleration"`
	Position     float64 `json:"position"`
	CurrentSpeed float64 `json:"current_speed"`
	Finished     bool    `json:"finished"`
	FinishTick   *uint64 `json:"finish_tick,omitempty"`
}

// Race is a snapshot of one race. Seed is only populated once the race is
// finished; SeedHash is published from the start.
type Race struct {
	ID          string       `json:"id"`
	Status      RaceStatus   `json:"status"`
	SeedHash    string       `json:"seed_hash"`
	Seed        string       `json:"seed,omitempty"`
	Tick        uint64       `json:"tick"`
	TrackLength float64      `json:"track_length"`
	CreatedAt   time.Time    `json:"created_at"`
	BettingEnds time.Time    `json:"betting_ends"`
	StartTime   *time.Time   `json:"start_time,omitempty"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	Winner      *int         `json:"winner,omitempty"`
	Competitors []Competitor `json:"competitors"`
}

// RaceInfo is the minimal view of a race the ledger needs to admit bets.
type RaceInfo struct {
	ID            string     `json:"id"`
	Status        RaceStatus `json:"status"`
	CompetitorIDs []int      `json:"competitor_ids"`
}

// HasCompetitor reports whether id is in the race roster.
func (r RaceInfo) HasCompetitor(id int) bool {
	for _, c := range r.CompetitorIDs {
		if c == id {
			return true
		}
	}
	return false
}

// RaceResult is the archived, read-only record of a finished race. It holds
// everything needed to replay the race for dispute resolution.
type RaceResult struct {
	RaceID      string           `json:"race_id" db:"race_id"`
	Seed        string           `json:"seed" db:"seed"`
	SeedHash    string           `json:"seed_hash" db:"seed_hash"`
	Ticks       uint64           `json:"ticks" db:"ticks"`
	Winner      int              `json:"winner" db:"winner"`
	Ranking     []int            `json:"ranking" db:"ranking"`
	Roster      []CompetitorSpec `json:"roster" db:"roster"`
	TrackLength float64          `json:"track_length" db:"track_length"`
	Duration    time.Duration    `json:"duration_ns" db:"duration_ns"`
	Interval    time.Duration    `json:"tick_interval_ns" db:"tick_interval_ns"`
	StartTime   time.Time        `json:"start_time" db:"start_time"`
	EndTime     time.Time        `json:"end_time" db:"end_time"`
}

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	BetPending   BetStatus = "pending"
	BetWon       BetStatus = "won"
	BetLost      BetStatus = "lost"
	BetCancelled BetStatus = "cancelled"
)

// Bet is a single wager. Immutable once its race leaves countdown, except for
// the terminal status transition at settlement.
type Bet struct {
	ID           string     `json:"id" db:"id"`
	RaceID       string     `json:"race_id" db:"race_id"`
	UserID       string     `json:"user_id" db:"user_id"`
	CompetitorID int        `json:"competitor_id" db:"competitor_id"`
	Amount       uint64     `json:"amount" db:"amount"`
	Payout       uint64     `json:"payout" db:"payout"`
	Status       BetStatus  `json:"status" db:"status"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	SettledAt    *time.Time `json:"settled_at,omitempty" db:"settled_at"`
}

// Account mirrors a user's on-chain vault with an integer balance.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   uint64    `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// VaultKind is the direction of a vault transaction.
type VaultKind string

const (
	VaultDeposit  VaultKind = "deposit"
	VaultWithdraw VaultKind = "withdraw"
)

// VaultStatus is the outcome of applying a vault transaction.
type VaultStatus string

const (
	// VaultPending is a withdrawal whose amount is held off the balance
	// while the chain confirms it.
	VaultPending VaultStatus = "pending"
	VaultApplied VaultStatus = "applied"
)

// VaultTransaction is an on-chain deposit or withdrawal mirrored into the
// ledger. Signature is the idempotency key. Authoritative is false when the
// transaction was processed without a chain connection (demo mode).
type VaultTransaction struct {
	ID            string      `json:"id" db:"id"`
	UserID        string      `json:"user_id" db:"user_id"`
	Kind          VaultKind   `json:"kind" db:"kind"`
	Amount        uint64      `json:"amount" db:"amount"`
	Signature     string      `json:"signature" db:"signature"`
	Status        VaultStatus `json:"status" db:"status"`
	Authoritative bool        `json:"authoritative" db:"authoritative"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// CompetitorOdds is the advisory market view for one competitor.
type CompetitorOdds struct {
	TotalStaked    uint64          `json:"total_staked"`
	Multiplier     decimal.Decimal `json:"odds_multiplier"`
	ProbabilityPct decimal.Decimal `json:"probability_pct"`
}

// OddsSnapshot is derived from accepted bets. It is never used for payouts.
type OddsSnapshot struct {
	RaceID        string                 `json:"race_id"`
	TotalPot      uint64                 `json:"total_pot"`
	PerCompetitor map[int]CompetitorOdds `json:"per_competitor"`
	ComputedAt    time.Time              `json:"computed_at"`
}

// BetOutcome is the settled result of one pending bet. Payout is the total
// amount credited (stake included for winners, rakeback for losers).
type BetOutcome struct {
	BetID        string    `json:"bet_id"`
	UserID       string    `json:"user_id"`
	CompetitorID int       `json:"competitor_id"`
	Stake        uint64    `json:"stake"`
	Status       BetStatus `json:"status"`
	Payout       uint64    `json:"payout"`
}

// Settlement is the immutable outcome of settling a race. Invariant:
// PaidOut() + HouseEdge == TotalPot.
type Settlement struct {
	RaceID       string       `json:"race_id" db:"race_id"`
	Winner       int          `json:"winner" db:"winner"`
	TotalPot     uint64       `json:"total_pot" db:"total_pot"`
	WinnerPool   uint64       `json:"winner_pool" db:"winner_pool"`
	RakebackPool uint64       `json:"rakeback_pool" db:"rakeback_pool"`
	HouseEdge    uint64       `json:"house_edge" db:"house_edge"`
	Outcomes     []BetOutcome `json:"outcomes"`
	SettledAt    time.Time    `json:"settled_at" db:"settled_at"`
}

// PaidOut returns the total credited to bettors.
func (s *Settlement) PaidOut() uint64 {
	var total uint64
	for _, o := range s.Outcomes {
		total += o.Payout
	}
	return total
}

// Credits aggregates payouts per user so each account is touched once.
func (s *Settlement) Credits() map[string]uint64 {
	credits := make(map[string]uint64)
	for _, o := range s.Outcomes {
		if o.Payout > 0 {
			credits[o.UserID] += o.Payout
		}
	}
	return credits
}
