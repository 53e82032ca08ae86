package race

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
)

// Event types published by the scheduler.
const (
	EventRaceCountdown = "race_countdown"
	EventRaceStarted   = "race_started"
	EventRaceTick      = "race_tick"
	EventRaceFinished  = "race_finished"
)

// Settler pays out a finished race. It must be idempotent per race.
type Settler interface {
	SettleRace(ctx context.Context, raceID string, winner int) (*model.Settlement, error)
}

// SettlerFunc adapts a function to Settler.
type SettlerFunc func(ctx context.Context, raceID string, winner int) (*model.Settlement, error)

func (f SettlerFunc) SettleRace(ctx context.Context, raceID string, winner int) (*model.Settlement, error) {
	return f(ctx, raceID, winner)
}

// Archiver stores the replayable record of a finished race.
type Archiver interface {
	SaveRaceResult(ctx context.Context, res *model.RaceResult) error
}

// Publisher fans events out to observers. Implementations must not block.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Mirror shares the current race snapshot with other instances.
type Mirror interface {
	SaveRace(ctx context.Context, r *model.Race) error
}

// Config holds the race timings and roster.
type Config struct {
	Countdown   time.Duration
	Duration    time.Duration
	Interval    time.Duration
	SettleDelay time.Duration
	TrackLength float64
	Roster      []model.CompetitorSpec
	// History is how many finished race ids are remembered for phase errors.
	History int
	// SettleRetry is the first wait after a failed settlement. It doubles up
	// to SettleRetryMax.
	SettleRetry    time.Duration
	SettleRetryMax time.Duration
}

// Deps are the scheduler's collaborators. Only Settler is required.
type Deps struct {
	Settler   Settler
	Archiver  Archiver
	Publisher Publisher
	Mirror    Mirror
	Logger    *slog.Logger
}

// TickSnapshot is the compact per-tick event payload.
type TickSnapshot struct {
	RaceID      string             `json:"race_id"`
	Tick        uint64             `json:"tick"`
	Competitors []model.Competitor `json:"competitors"`
}

// Scheduler runs the endless countdown → racing → finished → settle cycle.
// It is the only writer of the current race.
type Scheduler struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	// gate is held for reading by WhileOpen callers and for writing while
	// betting closes, so no bet is admitted once racing has begun.
	gate sync.RWMutex

	mu      sync.RWMutex
	current *model.Race
	history []string
	phases  map[string]model.RaceStatus
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Settler == nil {
		return nil, errors.New("race: scheduler requires a settler")
	}
	if len(cfg.Roster) == 0 {
		return nil, errors.New("race: empty roster")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second / 60
	}
	if cfg.History <= 0 {
		cfg.History = 32
	}
	if cfg.SettleRetry <= 0 {
		cfg.SettleRetry = 250 * time.Millisecond
	}
	if cfg.SettleRetryMax < cfg.SettleRetry {
		cfg.SettleRetryMax = max(30*time.Second, cfg.SettleRetry)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		log:    log.With("component", "race_scheduler"),
		phases: make(map[string]model.RaceStatus),
	}, nil
}

// Run loops until ctx is cancelled. A failed race is logged and the next one
// is scheduled after the settle delay.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := s.runRace(ctx); err != nil {
			if ctx.Err() != nil {
				s.log.Info("race scheduler stopped")
				return ctx.Err()
			}
			s.log.Error("race cycle failed", "error", err)
			metrics.RacesTotal.WithLabelValues("failed").Inc()
		}
		if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
			s.log.Info("race scheduler stopped")
			return err
		}
	}
}

func (s *Scheduler) runRace(ctx context.Context) error {
	seed, err := NewSeed()
	if err != nil {
		return err
	}
	sim := NewSimulation(seed, s.cfg.Roster, Params{
		TrackLength: s.cfg.TrackLength,
		Duration:    s.cfg.Duration,
		Interval:    s.cfg.Interval,
	})

	r := s.startRace(ctx, seed, sim)
	if err := sleep(ctx, s.cfg.Countdown); err != nil {
		return err
	}

	start, end := s.closeBetting(ctx)
	if err := s.tickLoop(ctx, sim, end); err != nil {
		return err
	}

	winner, finished := s.finish(ctx, seed, sim, start)
	s.archive(ctx, finished)
	metrics.RacesTotal.WithLabelValues("finished").Inc()

	s.settle(ctx, r.ID, winner)
	return nil
}

// startRace publishes a new race in countdown. Only the seed hash is exposed.
func (s *Scheduler) startRace(ctx context.Context, seed []byte, sim *Simulation) model.Race {
	now := time.Now().UTC()
	r := &model.Race{
		ID:          uuid.New().String(),
		Status:      model.RaceCountdown,
		SeedHash:    SeedHash(seed),
		TrackLength: s.cfg.TrackLength,
		CreatedAt:   now,
		BettingEnds: now.Add(s.cfg.Countdown),
		Competitors: sim.Standings(),
	}

	s.mu.Lock()
	if s.current != nil {
		s.remember(s.current.ID, s.current.Status)
	}
	s.current = r
	s.phases[r.ID] = model.RaceCountdown
	snap := cloneRace(r)
	s.mu.Unlock()

	s.log.Info("race countdown started",
		"race_id", r.ID,
		"seed_hash", r.SeedHash,
		"betting_ends", r.BettingEnds,
	)
	s.publish(EventRaceCountdown, snap)
	s.mirror(ctx, snap)
	return snap
}

// closeBetting flips Countdown → Racing under the write gate.
func (s *Scheduler) closeBetting(ctx context.Context) (time.Time, time.Time) {
	s.gate.Lock()
	s.mu.Lock()
	start := time.Now().UTC()
	end := start.Add(s.cfg.Duration)
	s.current.Status = model.RaceRacing
	s.current.StartTime = &start
	s.current.EndTime = &end
	s.phases[s.current.ID] = model.RaceRacing
	snap := cloneRace(s.current)
	s.mu.Unlock()
	s.gate.Unlock()

	s.log.Info("race started", "race_id", snap.ID, "end_time", end)
	s.publish(EventRaceStarted, snap)
	s.mirror(ctx, snap)
	return start, end
}

// tickLoop steps the simulation until the hard time cap. Races always run
// their full wall-clock length even if every competitor has finished.
func (s *Scheduler) tickLoop(ctx context.Context, sim *Simulation, end time.Time) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if !now.Before(end) {
				return nil
			}
			began := time.Now()
			sim.Step()
			standings := sim.Standings()
			metrics.TickDuration.Observe(time.Since(began).Seconds())
			metrics.CurrentTick.Set(float64(sim.Tick()))

			s.mu.Lock()
			s.current.Tick = sim.Tick()
			s.current.Competitors = standings
			s.mu.Unlock()

			s.publish(EventRaceTick, TickSnapshot{
				RaceID:      s.current.ID,
				Tick:        sim.Tick(),
				Competitors: standings,
			})
		}
	}
}

// finish marks the race finished, reveals the seed and returns the winner.
func (s *Scheduler) finish(ctx context.Context, seed []byte, sim *Simulation, start time.Time) (int, *model.RaceResult) {
	ranking := sim.Ranking()
	winner := ranking[0]

	s.mu.Lock()
	r := s.current
	r.Status = model.RaceFinished
	r.Seed = hex.EncodeToString(seed)
	r.Tick = sim.Tick()
	r.Competitors = sim.Standings()
	r.Winner = &winner
	s.phases[r.ID] = model.RaceFinished
	snap := cloneRace(r)
	s.mu.Unlock()

	s.log.Info("race finished",
		"race_id", snap.ID,
		"winner", winner,
		"ticks", snap.Tick,
		"seed", snap.Seed,
	)
	s.publish(EventRaceFinished, snap)
	s.mirror(ctx, snap)

	return winner, &model.RaceResult{
		RaceID:      snap.ID,
		Seed:        snap.Seed,
		SeedHash:    snap.SeedHash,
		Ticks:       snap.Tick,
		Winner:      winner,
		Ranking:     ranking,
		Roster:      append([]model.CompetitorSpec(nil), s.cfg.Roster...),
		TrackLength: s.cfg.TrackLength,
		Duration:    s.cfg.Duration,
		Interval:    s.cfg.Interval,
		StartTime:   start,
		EndTime:     start.Add(s.cfg.Duration),
	}
}

func (s *Scheduler) archive(ctx context.Context, res *model.RaceResult) {
	if s.deps.Archiver == nil {
		return
	}
	if err := s.deps.Archiver.SaveRaceResult(ctx, res); err != nil {
		s.log.Error("archive race result failed", "race_id", res.RaceID, "error", err)
	}
}

// settle hands the winner to the ledger, retrying with backoff until it
// succeeds or ctx ends. The next race waits, so the mirrored snapshot keeps
// naming this race for recovery if the process dies first.
func (s *Scheduler) settle(ctx context.Context, raceID string, winner int) {
	backoff := s.cfg.SettleRetry
	for attempt := 1; ; attempt++ {
		st, err := s.settleOnce(ctx, raceID, winner)
		if err == nil {
			s.log.Info("race settled",
				"race_id", raceID,
				"winner", winner,
				"total_pot", st.TotalPot,
				"house_edge", st.HouseEdge,
				"bets", len(st.Outcomes),
				"attempts", attempt,
			)
			return
		}
		s.log.Error("settlement failed",
			"race_id", raceID,
			"winner", winner,
			"attempt", attempt,
			"retry_in", backoff,
			"error", err,
		)
		if sleep(ctx, backoff) != nil {
			s.log.Warn("settlement left for recovery", "race_id", raceID, "winner", winner)
			return
		}
		backoff = min(backoff*2, s.cfg.SettleRetryMax)
	}
}

// settleOnce turns a settler panic into an error.
func (s *Scheduler) settleOnce(ctx context.Context, raceID string, winner int) (st *model.Settlement, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("settlement panicked: %v", p)
		}
	}()

	began := time.Now()
	st, err = s.deps.Settler.SettleRace(ctx, raceID, winner)
	metrics.SettlementLatency.Observe(time.Since(began).Seconds())
	return st, err
}

// WhileOpen runs fn while the given race is guaranteed to stay in countdown.
// Returns InvalidPhase with the race's current phase otherwise.
func (s *Scheduler) WhileOpen(raceID string, fn func(info model.RaceInfo) error) error {
	s.gate.RLock()
	defer s.gate.RUnlock()

	info, ok := s.RaceInfo(raceID)
	if !ok {
		return apperrors.NotFound("race")
	}
	if info.Status != model.RaceCountdown {
		return apperrors.InvalidPhase(raceID, string(info.Status))
	}
	return fn(info)
}

// RaceInfo returns the phase and roster of the current race or a recently
// finished one.
func (s *Scheduler) RaceInfo(raceID string) (model.RaceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.phases[raceID]
	if !ok {
		return model.RaceInfo{}, false
	}
	ids := make([]int, len(s.cfg.Roster))
	for i, spec := range s.cfg.Roster {
		ids[i] = spec.ID
	}
	return model.RaceInfo{ID: raceID, Status: status, CompetitorIDs: ids}, true
}

// Current returns a copy of the live race. Before the first race starts it
// reports an idle race with no id.
func (s *Scheduler) Current() model.Race {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return model.Race{Status: model.RaceIdle, TrackLength: s.cfg.TrackLength}
	}
	return cloneRace(s.current)
}

// Race returns a copy of the race with the given id if it is the live one.
func (s *Scheduler) Race(raceID string) (model.Race, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.ID != raceID {
		return model.Race{}, false
	}
	return cloneRace(s.current), true
}

// remember keeps a bounded window of past race phases. Caller holds mu.
func (s *Scheduler) remember(raceID string, status model.RaceStatus) {
	s.phases[raceID] = status
	s.history = append(s.history, raceID)
	for len(s.history) > s.cfg.History {
		delete(s.phases, s.history[0])
		s.history = s.history[1:]
	}
}

func (s *Scheduler) publish(eventType string, payload any) {
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(eventType, payload)
	}
}

func (s *Scheduler) mirror(ctx context.Context, r model.Race) {
	if s.deps.Mirror == nil {
		return
	}
	if err := s.deps.Mirror.SaveRace(ctx, &r); err != nil {
		s.log.Warn("mirror race snapshot failed", "race_id", r.ID, "error", err)
	}
}

func cloneRace(r *model.Race) model.Race {
	cp := *r
	cp.Competitors = append([]model.Competitor(nil), r.Competitors...)
	return cp
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
