// Package race owns the race lifecycle: a deterministic per-tick simulation
// keyed by a committed seed, and the scheduler that drives it through
// countdown, racing, finish and settlement.
package race

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atmx/race-engine/internal/model"
)

// SeedSize is the length in bytes of a race seed.
const SeedSize = 32

const (
	minFactor   = 0.8
	factorRange = 0.4
)

// NewSeed returns a fresh cryptographically random seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("race: generate seed: %w", err)
	}
	return seed, nil
}

// SeedHash is the commitment published while the seed is still secret.
func SeedHash(seed []byte) string {
	sum := sha256.Sum256(seed)
	return hex.EncodeToString(sum[:])
}

// Factor returns the speed factor in [0.8, 1.2] for one competitor on one
// tick: HMAC-SHA256(seed, tick_be64 || index_be32), first 8 bytes scaled.
func Factor(seed []byte, tick uint64, index int) float64 {
	var msg [12]byte
	binary.BigEndian.PutUint64(msg[:8], tick)
	binary.BigEndian.PutUint32(msg[8:], uint32(index))

	mac := hmac.New(sha256.New, seed)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	u := binary.BigEndian.Uint64(sum[:8])
	return minFactor + factorRange*(float64(u)/math.Exp2(64))
}

// Params are the physical constants of a race.
type Params struct {
	TrackLength float64
	Duration    time.Duration
	// Interval is the nominal wall-clock length of one tick. Progress is
	// derived from tick*Interval so a replay never depends on timing jitter.
	Interval time.Duration
}

// Simulation advances one race tick by tick. It is not safe for concurrent
// use; the scheduler owns it.
type Simulation struct {
	seed        []byte
	params      Params
	competitors []model.Competitor // roster order, index feeds Factor
	tick        uint64
}

func NewSimulation(seed []byte, roster []model.CompetitorSpec, params Params) *Simulation {
	competitors := make([]model.Competitor, len(roster))
	for i, spec := range roster {
		competitors[i] = model.Competitor{
			ID:           spec.ID,
			Name:         spec.Name,
			BaseSpeed:    spec.BaseSpeed,
			Acceleration: spec.Acceleration,
		}
	}
	return &Simulation{
		seed:        append([]byte(nil), seed...),
		params:      params,
		competitors: competitors,
	}
}

// Tick is the number of steps taken so far.
func (s *Simulation) Tick() uint64 {
	return s.tick
}

func (s *Simulation) progress() float64 {
	if s.params.Duration <= 0 {
		return 1
	}
	elapsed := float64(s.tick) * float64(s.params.Interval)
	return math.Min(1, elapsed/float64(s.params.Duration))
}

// Step advances every unfinished competitor by one tick, then increments the
// tick counter once.
func (s *Simulation) Step() {
	progress := s.progress()
	for i := range s.competitors {
		c := &s.competitors[i]
		if c.Finished {
			continue
		}
		c.CurrentSpeed = c.BaseSpeed*Factor(s.seed, s.tick, i) + c.Acceleration*progress
		c.Position = math.Min(s.params.TrackLength, c.Position+c.CurrentSpeed)
		if c.Position >= s.params.TrackLength {
			tick := s.tick
			c.Finished = true
			c.FinishTick = &tick
			c.CurrentSpeed = 0
		}
	}
	s.tick++
}

// Standings returns a copy of the competitors in rank order: finished ones by
// ascending finish tick, then unfinished ones by descending position. Ties
// keep roster order.
func (s *Simulation) Standings() []model.Competitor {
	out := make([]model.Competitor, len(s.competitors))
	copy(out, s.competitors)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Finished && b.Finished:
			return *a.FinishTick < *b.FinishTick
		case a.Finished != b.Finished:
			return a.Finished
		default:
			return a.Position > b.Position
		}
	})
	return out
}

// Ranking returns competitor ids in rank order.
func (s *Simulation) Ranking() []int {
	standings := s.Standings()
	ids := make([]int, len(standings))
	for i, c := range standings {
		ids[i] = c.ID
	}
	return ids
}

// Leader returns the id of the competitor currently ranked first.
func (s *Simulation) Leader() int {
	if len(s.competitors) == 0 {
		return 0
	}
	return s.Ranking()[0]
}

// AllFinished reports whether every competitor has crossed the line.
func (s *Simulation) AllFinished() bool {
	for _, c := range s.competitors {
		if !c.Finished {
			return false
		}
	}
	return true
}

// Replay re-runs a race offline from its revealed seed for the given number
// of ticks and returns the final simulation state.
func Replay(seed []byte, roster []model.CompetitorSpec, params Params, ticks uint64) *Simulation {
	sim := NewSimulation(seed, roster, params)
	for sim.Tick() < ticks {
		sim.Step()
	}
	return sim
}

// ReplayResult replays an archived race and reports whether the recomputed
// ranking matches the recorded one.
func ReplayResult(res *model.RaceResult) (*Simulation, bool, error) {
	seed, err := hex.DecodeString(res.Seed)
	if err != nil {
		return nil, false, fmt.Errorf("race: decode seed: %w", err)
	}
	if SeedHash(seed) != res.SeedHash {
		return nil, false, fmt.Errorf("race: seed does not match committed hash %s", res.SeedHash)
	}
	params := Params{
		TrackLength: res.TrackLength,
		Duration:    res.Duration,
		Interval:    res.Interval,
	}
	sim := Replay(seed, res.Roster, params, res.Ticks)
	got := sim.Ranking()
	if len(got) != len(res.Ranking) {
		return sim, false, nil
	}
	for i := range got {
		if got[i] != res.Ranking[i] {
			return sim, false, nil
		}
	}
	return sim, true, nil
}
