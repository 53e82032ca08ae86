package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/race-engine/internal/api"
	"github.com/atmx/race-engine/internal/broadcast"
	"github.com/atmx/race-engine/internal/config"
	"github.com/atmx/race-engine/internal/ledger"
	"github.com/atmx/race-engine/internal/logger"
	"github.com/atmx/race-engine/internal/metrics"
	"github.com/atmx/race-engine/internal/model"
	"github.com/atmx/race-engine/internal/odds"
	"github.com/atmx/race-engine/internal/race"
	"github.com/atmx/race-engine/internal/store"
	"github.com/atmx/race-engine/internal/vault"
)

// raceSnapshotTTL bounds how long a dead instance's race lingers in Redis.
const raceSnapshotTTL = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)
	log := logger.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var mirror *store.RedisRaceMirror
	var cleanup []func()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		mirror = store.NewRedisRaceMirror(rdb, raceSnapshotTTL)
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		log.Info("connected to PostgreSQL")

		// Read-through cache in front of Postgres.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			log.Info("Redis cache enabled")
		}
	} else {
		log.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- WebSocket hub ---
	hub := broadcast.NewHub(log)

	// --- Odds and ledger ---
	econ := cfg.Economics
	engine, err := odds.NewEngine(odds.Params{
		HouseEdgeBps: econ.HouseEdgeBps,
		Default:      econ.DefaultMultiplier,
		Longshot:     econ.LongshotMultiplier,
		Min:          econ.MinMultiplier,
		Max:          econ.MaxMultiplier,
	})
	if err != nil {
		log.Error("odds engine config invalid", "err", err)
		os.Exit(1)
	}

	// The scheduler settles through the ledger and the ledger admits bets
	// through the scheduler's gate.
	var ldg *ledger.Service
	settler := race.SettlerFunc(func(ctx context.Context, raceID string, winner int) (*model.Settlement, error) {
		return ldg.SettleRace(ctx, raceID, winner)
	})

	deps := race.Deps{
		Settler:   settler,
		Archiver:  st,
		Publisher: hub,
		Logger:    log,
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	scheduler, err := race.NewScheduler(race.Config{
		Countdown:   cfg.Race.Countdown,
		Duration:    cfg.Race.Duration,
		Interval:    cfg.Race.TickInterval(),
		SettleDelay: cfg.Race.SettleDelay,
		TrackLength: cfg.Race.TrackLength,
		Roster:      cfg.Race.Roster,
	}, deps)
	if err != nil {
		log.Error("race scheduler config invalid", "err", err)
		os.Exit(1)
	}

	ldg, err = ledger.NewService(st, scheduler, engine, ledger.Economics{
		HouseEdgeBps:   econ.HouseEdgeBps,
		WinnerShareBps: econ.WinnerShareBps,
		RakebackBps:    econ.RakebackBps,
		MinBet:         econ.MinBet,
		MaxBet:         econ.MaxBet,
	}, hub)
	if err != nil {
		log.Error("ledger config invalid", "err", err)
		os.Exit(1)
	}

	// A race left behind by a previous instance is settled or refunded.
	if mirror != nil {
		prev, err := mirror.LoadRace(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Warn("previous race snapshot unavailable", "err", err)
		default:
			if err := ldg.Recover(ctx, prev); err != nil {
				log.Error("previous race recovery failed", "race_id", prev.ID, "err", err)
			}
		}
	}

	// --- Vault ---
	vlt, err := newVault(cfg.Chain, ldg, st, log)
	if err != nil {
		log.Error("vault config invalid", "err", err)
		os.Exit(1)
	}

	// --- HTTP router ---
	h := api.NewHandler(api.Deps{
		Ledger:  ldg,
		Vault:   vlt,
		Races:   scheduler,
		Results: st,
		WS:      hub.HandleWS,
		Auth:    api.HeaderAuthenticator{},
		Limiter: api.NewUserLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.HeaderUserID)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"race-engine","race_id":%q,"vault_authoritative":%t}`,
			scheduler.Current().ID, vlt.Authoritative())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/api/v1", h.Routes())

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2*time.Minute + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("race scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("race-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down race-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("race-engine stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("race-engine stopped")
}

// newVault selects the chain backend. Without an RPC url the vault either
// runs explicitly in demo mode or answers CHAIN_UNAVAILABLE.
func newVault(cfg config.ChainConfig, ldg *ledger.Service, records vault.Records, log *slog.Logger) (*vault.Service, error) {
	programID := vault.DemoProgramID
	if cfg.VaultProgramID != "" {
		id, err := solana.PublicKeyFromBase58(cfg.VaultProgramID)
		if err != nil {
			return nil, fmt.Errorf("chain.vault_program_id: %w", err)
		}
		programID = id
	}

	var chain vault.Chain
	switch {
	case cfg.RPCURL != "":
		if cfg.VaultProgramID == "" {
			return nil, errors.New("chain.vault_program_id is required with chain.rpc_url")
		}
		chain = vault.NewSolanaChain(cfg.RPCURL, int(cfg.RPCPerSecond), cfg.ConfirmTimeout, cfg.PollInterval)
		log.Info("vault connected to Solana RPC", "program_id", programID.String())
	case cfg.DemoMode:
		chain = vault.NewDemoChain(log)
		log.Warn("vault running in demo mode, balances are not backed by the chain",
			"program_id", programID.String(), "authoritative", false)
	default:
		log.Warn("no chain configured, vault endpoints are disabled")
	}
	return vault.NewService(programID, chain, ldg, records, log), nil
}
