// Command replay re-runs a race from its revealed seed so anyone can check
// the published winner.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"

	"github.com/atmx/race-engine/internal/config"
	"github.com/atmx/race-engine/internal/logger"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/race"
	"github.com/atmx/race-engine/internal/store"
)

func main() {
	seedHex := flag.String("seed", "", "revealed race seed, hex")
	ticks := flag.Uint64("ticks", 0, "number of ticks to simulate")
	raceID := flag.String("race", "", "archived race id to verify (needs -database)")
	dbURL := flag.String("database", os.Getenv("RACE_DATABASE_URL"), "postgres url")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger.Init(level)

	var err error
	switch {
	case *raceID != "":
		err = verifyArchived(context.Background(), os.Stdout, *dbURL, *raceID)
	case *seedHex != "":
		err = replaySeed(os.Stdout, *seedHex, *ticks)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("replay failed", "err", err)
		os.Exit(1)
	}
}

// replaySeed runs the configured roster against a seed.
func replaySeed(out io.Writer, seedHex string, ticks uint64) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	if ticks == 0 {
		return fmt.Errorf("-ticks is required with -seed")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	sim := race.Replay(seed, cfg.Race.Roster, race.Params{
		TrackLength: cfg.Race.TrackLength,
		Duration:    cfg.Race.Duration,
		Interval:    cfg.Race.TickInterval(),
	}, ticks)

	fmt.Fprintf(out, "seed hash %s, %d ticks\n", race.SeedHash(seed), sim.Tick())
	printStandings(out, sim.Standings())
	fmt.Fprintf(out, "winner: %d\n", sim.Leader())
	return nil
}

// verifyArchived replays an archived race and compares rankings.
func verifyArchived(ctx context.Context, out io.Writer, dbURL, raceID string) error {
	if dbURL == "" {
		return fmt.Errorf("-database is required with -race")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	res, err := store.NewPostgresStore(pool).GetRaceResult(ctx, raceID)
	if err != nil {
		return fmt.Errorf("load race %s: %w", raceID, err)
	}
	sim, match, err := race.ReplayResult(res)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "race %s, seed hash %s, %d ticks\n", res.RaceID, res.SeedHash, res.Ticks)
	printStandings(out, sim.Standings())
	fmt.Fprintf(out, "recorded winner: %d, replayed winner: %d\n", res.Winner, sim.Leader())
	if !match {
		return fmt.Errorf("race %s: replayed ranking %v differs from recorded %v", raceID, sim.Ranking(), res.Ranking)
	}
	fmt.Fprintln(out, "ranking matches")
	return nil
}

func printStandings(out io.Writer, standings []model.Competitor) {
	table := tablewriter.NewWriter(out)
	table.Header("Rank", "ID", "Competitor", "Position", "Finish tick")
	for i, c := range standings {
		finish := "-"
		if c.FinishTick != nil {
			finish = strconv.FormatUint(*c.FinishTick, 10)
		}
		table.Append(
			strconv.Itoa(i+1),
			strconv.Itoa(c.ID),
			c.Name,
			fmt.Sprintf("%.2f", c.Position),
			finish,
		)
	}
	table.Render()
}
