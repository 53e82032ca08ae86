package ledger

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/race-engine/internal/model"
)

type stake struct {
	competitor int
	amount     uint64
}

// potBook keeps the accepted stakes of recent races in memory so odds can be
// served without reading every bet. Entries are keyed by bet id, which makes
// add and remove idempotent against a concurrent rebuild from the store.
//
// A race missing from the book is rebuilt on first read. A write that lands
// while a race is missing bumps its generation, and a rebuild that started
// under an older generation is discarded instead of installed.
type potBook struct {
	mu    sync.Mutex
	races map[string]map[string]stake
	gen   map[string]uint64
	group singleflight.Group
	load  func(ctx context.Context, raceID string) ([]model.Bet, error)
}

func newPotBook(load func(ctx context.Context, raceID string) ([]model.Bet, error)) *potBook {
	return &potBook{
		races: make(map[string]map[string]stake),
		gen:   make(map[string]uint64),
		load:  load,
	}
}

func (b *potBook) add(bet *model.Bet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entries, ok := b.races[bet.RaceID]; ok {
		entries[bet.ID] = stake{competitor: bet.CompetitorID, amount: bet.Amount}
		return
	}
	b.gen[bet.RaceID]++
}

func (b *potBook) remove(raceID, betID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entries, ok := b.races[raceID]; ok {
		delete(entries, betID)
		return
	}
	b.gen[raceID]++
}

// drop forgets a race once it no longer takes bets.
func (b *potBook) drop(raceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.races, raceID)
	delete(b.gen, raceID)
}

// stakes returns per-competitor totals for raceID.
func (b *potBook) stakes(ctx context.Context, raceID string) (map[int]uint64, error) {
	b.mu.Lock()
	if entries, ok := b.races[raceID]; ok {
		totals := sum(entries)
		b.mu.Unlock()
		return totals, nil
	}
	b.mu.Unlock()

	v, err, _ := b.group.Do(raceID, func() (any, error) {
		b.mu.Lock()
		gen := b.gen[raceID]
		b.mu.Unlock()

		bets, err := b.load(ctx, raceID)
		if err != nil {
			return nil, fmt.Errorf("rebuild pot book: %w", err)
		}
		entries := make(map[string]stake, len(bets))
		for _, bet := range bets {
			if bet.Status == model.BetCancelled {
				continue
			}
			entries[bet.ID] = stake{competitor: bet.CompetitorID, amount: bet.Amount}
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.races[raceID]; !ok && b.gen[raceID] == gen {
			b.races[raceID] = entries
		}
		return sum(entries), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int]uint64), nil
}

func sum(entries map[string]stake) map[int]uint64 {
	totals := make(map[int]uint64)
	for _, s := range entries {
		totals[s.competitor] += s.amount
	}
	return totals
}
