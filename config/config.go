// Package config loads service settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var (
	ErrConfigParse      = errors.New("config: parse env")
	ErrConfigValidation = errors.New("config: validation error")
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`
	Backend     string `env:"STORE_BACKEND" envDefault:"memory" validate:"oneof=memory postgres"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Backend postgres"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10" validate:"gte=1"`

	JWTSecret   string        `env:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"24h" validate:"gt=0"`
	AdminID     string        `env:"ADMIN_ID"`
	AdminSecret string        `env:"ADMIN_SECRET" validate:"required_with=AdminID"`

	Log      Log      `envPrefix:"LOG_"`
	Protocol Protocol `envPrefix:"PROTOCOL_"`
	Outbox   Outbox   `envPrefix:"OUTBOX_"`

	CrankInterval time.Duration `env:"CRANK_INTERVAL" envDefault:"1m" validate:"gt=0"`
	// OraclePrices is a static price table, e.g. "USDC=1.00:6,SOL=142.10:9".
	OraclePrices string `env:"ORACLE_PRICES"`
	// LedgerSeed funds parties of the memory ledger at startup, e.g.
	// "alice:USDC:1000000,arb-1:USDC:10000000".
	LedgerSeed string `env:"LEDGER_SEED"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	JSON  bool   `env:"JSON" envDefault:"false"`
	Color bool   `env:"COLOR" envDefault:"false"`
}

type Protocol struct {
	StakeAsset       string        `env:"STAKE_ASSET" envDefault:"USDC" validate:"required"`
	MinStake         uint64        `env:"MIN_STAKE" envDefault:"10000000" validate:"gt=0"`
	ResolutionReward int64         `env:"RESOLUTION_REWARD" envDefault:"10" validate:"gte=0"`
	OverturnPenalty  int64         `env:"OVERTURN_PENALTY" envDefault:"25" validate:"gte=0"`
	SlashBps         uint64        `env:"SLASH_BPS" envDefault:"1000" validate:"lte=10000"`
	Cooldown         time.Duration `env:"COOLDOWN" envDefault:"24h" validate:"gte=0"`
	AppealWindow     time.Duration `env:"APPEAL_WINDOW" envDefault:"168h" validate:"gt=0"`
	MaxAppeals       int           `env:"MAX_APPEALS" envDefault:"1" validate:"gte=0"`
}

type Outbox struct {
	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	TopicPrefix  string        `env:"TOPIC_PREFIX" envDefault:"escrowflow."`
	Interval     time.Duration `env:"INTERVAL" envDefault:"2s" validate:"gt=0"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100" validate:"gte=1"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"5" validate:"gte=1"`
}

// Load reads the given .env files if they exist, then parses and validates
// the environment. Variables already set win over file values.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}
	return cfg, nil
}
