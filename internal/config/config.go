package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the ledger backend
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	LogLevel string         `toml:"log_level"`
}

type ServerConfig struct {
	Port        string   `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// LedgerConfig controls market ids and the lifecycle sweeper
type LedgerConfig struct {
	FactoryAddress string   `toml:"factory_address"`
	SweepInterval  Duration `toml:"sweep_interval"`
	CancelGrace    Duration `toml:"cancel_grace"` // 0 disables auto-cancel
	HistorySize    int      `toml:"history_size"`
}

type AuthConfig struct {
	Required   bool     `toml:"required"`
	MaxSkew    Duration `toml:"max_skew"`
	AdminToken string   `toml:"admin_token"`
}

// PostgresConfig enables the durable journal when DSN is set
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// RedisConfig enables the event bus when Addr is set
type RedisConfig struct {
	Addr          string `toml:"addr"`
	Password      string `toml:"password"`
	DB            int    `toml:"db"`
	ChannelPrefix string `toml:"channel_prefix"`
}

// Duration lets TOML values like "30s" decode into a time.Duration
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a config that runs a fully in-memory ledger
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        "8080",
			CORSOrigins: []string{"*"},
		},
		Ledger: LedgerConfig{
			FactoryAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
			SweepInterval:  Duration{10 * time.Second},
			HistorySize:    1000,
		},
		Auth: AuthConfig{
			Required: true,
			MaxSkew:  Duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			PoolMaxConns: 10,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			ChannelPrefix: "ledger",
		},
		LogLevel: "info",
	}
}

// Load reads the TOML file at path (skipped when path is empty) over the
// defaults, then loads .env if present and applies LEDGER_* overrides. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "LEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "LEDGER_SERVER_CORS_ORIGINS")

	setStr(&cfg.Ledger.FactoryAddress, "LEDGER_FACTORY_ADDRESS")
	setDuration(&cfg.Ledger.SweepInterval, "LEDGER_SWEEP_INTERVAL")
	setDuration(&cfg.Ledger.CancelGrace, "LEDGER_CANCEL_GRACE")
	setInt(&cfg.Ledger.HistorySize, "LEDGER_HISTORY_SIZE")

	setBool(&cfg.Auth.Required, "LEDGER_AUTH_REQUIRED")
	setDuration(&cfg.Auth.MaxSkew, "LEDGER_AUTH_MAX_SKEW")
	setStr(&cfg.Auth.AdminToken, "LEDGER_AUTH_ADMIN_TOKEN")

	setStr(&cfg.Postgres.DSN, "LEDGER_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "LEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEDGER_POSTGRES_POOL_MIN_CONNS")

	setStr(&cfg.Redis.Addr, "LEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEDGER_REDIS_DB")
	setStr(&cfg.Redis.ChannelPrefix, "LEDGER_REDIS_CHANNEL_PREFIX")

	setStr(&cfg.LogLevel, "LEDGER_LOG_LEVEL")
}

// Validate reports every problem found, joined
func (c *Config) Validate() error {
	var errs []error

	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if !common.IsHexAddress(c.Ledger.FactoryAddress) {
		errs = append(errs, fmt.Errorf("ledger.factory_address %q is not an address", c.Ledger.FactoryAddress))
	}
	if c.Ledger.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("ledger.sweep_interval must be positive"))
	}
	if c.Ledger.CancelGrace.Duration < 0 {
		errs = append(errs, errors.New("ledger.cancel_grace must not be negative"))
	}
	if c.Ledger.HistorySize <= 0 {
		errs = append(errs, errors.New("ledger.history_size must be positive"))
	}
	if c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, errors.New("auth.max_skew must be positive"))
	}
	if c.Postgres.DSN != "" && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, errors.New("postgres.pool_min_conns exceeds pool_max_conns"))
	}
	if c.Redis.Addr != "" && c.Redis.ChannelPrefix == "" {
		errs = append(errs, errors.New("redis.channel_prefix is required when redis is enabled"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	return errors.Join(errs...)
}

// Factory returns the parsed factory address
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.Ledger.FactoryAddress)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
