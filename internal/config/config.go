// Package config loads service settings from an optional config.yaml, a .env
// file and RACE_-prefixed environment variables. Environment always wins.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/race-engine/internal/lamports"
	"github.com/atmx/race-engine/internal/model"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Race      RaceConfig      `mapstructure:"race"`
	Economics EconomicsConfig `mapstructure:"economics"`
	Chain     ChainConfig     `mapstructure:"chain"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	// Token bucket per user on mutating routes.
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug | info | warn | error
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type RaceConfig struct {
	Countdown   time.Duration          `mapstructure:"countdown"`
	Duration    time.Duration          `mapstructure:"duration"`
	TickRate    int                    `mapstructure:"tick_rate"` // ticks per second
	SettleDelay time.Duration          `mapstructure:"settle_delay"`
	TrackLength float64                `mapstructure:"track_length"`
	Roster      []model.CompetitorSpec `mapstructure:"roster"`
}

// TickInterval is the wall-clock period of one simulation tick.
func (r RaceConfig) TickInterval() time.Duration {
	if r.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(r.TickRate)
}

// EconomicsConfig splits every pot three ways in basis points. The three
// shares must add up to exactly 10000.
type EconomicsConfig struct {
	HouseEdgeBps   uint64 `mapstructure:"house_edge_bps"`
	WinnerShareBps uint64 `mapstructure:"winner_share_bps"`
	RakebackBps    uint64 `mapstructure:"rakeback_bps"`
	MinBet         uint64 `mapstructure:"min_bet"`
	MaxBet         uint64 `mapstructure:"max_bet"`

	DefaultMultiplier  decimal.Decimal `mapstructure:"-"`
	LongshotMultiplier decimal.Decimal `mapstructure:"-"`
	MinMultiplier      decimal.Decimal `mapstructure:"-"`
	MaxMultiplier      decimal.Decimal `mapstructure:"-"`
}

type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	VaultProgramID string        `mapstructure:"vault_program_id"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RPCPerSecond   float64       `mapstructure:"rpc_per_second"`
	// DemoMode processes vault transactions without a chain connection. Every
	// result is flagged non-authoritative; it must be switched on explicitly.
	DemoMode bool `mapstructure:"demo_mode"`
}

// DefaultRoster is used when no roster is configured.
func DefaultRoster() []model.CompetitorSpec {
	return []model.CompetitorSpec{
		{ID: 1, Name: "Thunder", BaseSpeed: 0.78, Acceleration: 0.30},
		{ID: 2, Name: "Comet", BaseSpeed: 0.82, Acceleration: 0.22},
		{ID: 3, Name: "Mirage", BaseSpeed: 0.75, Acceleration: 0.36},
		{ID: 4, Name: "Drift", BaseSpeed: 0.80, Acceleration: 0.26},
	}
}

func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. RACE_DATABASE_URL, RACE_CHAIN_RPC_URL
	v.SetEnvPrefix("race")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Info("no config file found, using defaults and env vars")
		} else {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: unmarshal: %w", err)
	}
	if len(cfg.Race.Roster) == 0 {
		cfg.Race.Roster = DefaultRoster()
	}

	var err error
	if cfg.Economics.DefaultMultiplier, err = decimal.NewFromString(v.GetString("economics.default_multiplier")); err != nil {
		return nil, fmt.Errorf("config.Load: economics.default_multiplier: %w", err)
	}
	if cfg.Economics.LongshotMultiplier, err = decimal.NewFromString(v.GetString("economics.longshot_multiplier")); err != nil {
		return nil, fmt.Errorf("config.Load: economics.longshot_multiplier: %w", err)
	}
	if cfg.Economics.MinMultiplier, err = decimal.NewFromString(v.GetString("economics.min_multiplier")); err != nil {
		return nil, fmt.Errorf("config.Load: economics.min_multiplier: %w", err)
	}
	if cfg.Economics.MaxMultiplier, err = decimal.NewFromString(v.GetString("economics.max_multiplier")); err != nil {
		return nil, fmt.Errorf("config.Load: economics.max_multiplier: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit_per_second", 5)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("race.countdown", 10*time.Second)
	v.SetDefault("race.duration", 20*time.Second)
	v.SetDefault("race.tick_rate", 60)
	v.SetDefault("race.settle_delay", 5*time.Second)
	v.SetDefault("race.track_length", 1000.0)

	v.SetDefault("economics.house_edge_bps", 1400)
	v.SetDefault("economics.winner_share_bps", 8100)
	v.SetDefault("economics.rakeback_bps", 500)
	v.SetDefault("economics.min_bet", lamports.PerSOL/1000)
	v.SetDefault("economics.max_bet", 100*lamports.PerSOL)
	v.SetDefault("economics.default_multiplier", "2.0")
	v.SetDefault("economics.longshot_multiplier", "10.0")
	v.SetDefault("economics.min_multiplier", "1.1")
	v.SetDefault("economics.max_multiplier", "10.0")

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.vault_program_id", "")
	v.SetDefault("chain.confirm_timeout", 60*time.Second)
	v.SetDefault("chain.poll_interval", 2*time.Second)
	v.SetDefault("chain.rpc_per_second", 10)
	v.SetDefault("chain.demo_mode", false)
}

// Validate rejects configurations that would break ledger invariants.
func (c *Config) Validate() error {
	e := c.Economics
	if e.HouseEdgeBps+e.WinnerShareBps+e.RakebackBps != lamports.BasisPoints {
		return fmt.Errorf("config: economics shares must sum to %d bps, got %d+%d+%d",
			lamports.BasisPoints, e.HouseEdgeBps, e.WinnerShareBps, e.RakebackBps)
	}
	if e.MinBet == 0 || e.MaxBet < e.MinBet {
		return fmt.Errorf("config: invalid bet limits min=%d max=%d", e.MinBet, e.MaxBet)
	}
	if e.MinMultiplier.GreaterThan(e.MaxMultiplier) {
		return fmt.Errorf("config: min multiplier %s exceeds max %s", e.MinMultiplier, e.MaxMultiplier)
	}
	if c.Race.Duration <= 0 || c.Race.Countdown <= 0 || c.Race.TrackLength <= 0 {
		return errors.New("config: race countdown, duration and track length must be positive")
	}
	if len(c.Race.Roster) < 2 {
		return errors.New("config: race roster needs at least two competitors")
	}
	seen := make(map[int]bool, len(c.Race.Roster))
	for _, spec := range c.Race.Roster {
		if seen[spec.ID] {
			return fmt.Errorf("config: duplicate competitor id %d", spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}
