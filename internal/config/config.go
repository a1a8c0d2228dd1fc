package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/deltahedge/hedger/internal/adapter"
)

// Networks selectable with the network key.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Config holds all application configuration.
type Config struct {
	Env             string
	Network         string
	Symbol          adapter.Symbol
	CredentialsFile string
	Log             LogConfig
	Pacifica        ExchangeConfig
	Lighter         ExchangeConfig
	Engine          EngineConfig
	Strategy        StrategyConfig
	Control         ControlConfig
	Feed            FeedConfig
	Redis           RedisConfig
	KMS             KMSConfig
}

// LogConfig controls the console and rotated file outputs.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
}

// ExchangeConfig holds per-exchange transport settings. An empty BaseURL
// selects the exchange's URL for the configured network.
type ExchangeConfig struct {
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 = unlimited
}

// EngineConfig holds reconciliation settings.
type EngineConfig struct {
	Enabled    bool
	Benchmark  string
	Follower   string
	Interval   time.Duration
	Cooldown   time.Duration
	StaleAfter time.Duration
	Epsilon    float64
}

// StrategyConfig holds the LIMIT order price offset.
type StrategyConfig struct {
	Offset float64
}

// ControlConfig locates the control API socket.
type ControlConfig struct {
	SocketPath string
}

// FeedConfig holds the event feed listen address; empty disables it.
type FeedConfig struct {
	Addr string // empty disables the feed
}

// RedisConfig holds Redis connection settings. An empty Addr disables the
// state mirror.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KMSConfig selects the KMS endpoint used for kms: secrets.
type KMSConfig struct {
	Region             string
	LocalStackEndpoint string
}

// Load reads configuration from environment variables prefixed with HEDGER_,
// after loading any .env files given (default ".env"; missing files are
// skipped). HEDGER_CONFIG names an optional YAML file read beneath the
// environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("HEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv("HEDGER_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{
		Env:             v.GetString("env"),
		Network:         strings.ToLower(v.GetString("network")),
		CredentialsFile: v.GetString("credentials_file"),
	}

	sym, err := adapter.ParseSymbol(v.GetString("symbol"))
	if err != nil {
		return nil, fmt.Errorf("config: symbol: %w", err)
	}
	cfg.Symbol = sym

	if cfg.Network != NetworkMainnet && cfg.Network != NetworkTestnet {
		return nil, fmt.Errorf("config: network must be %s or %s, got %q", NetworkMainnet, NetworkTestnet, cfg.Network)
	}

	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAgeDays: v.GetInt("log.max_age_days"),
		Console:    v.GetBool("log.console"),
	}

	cfg.Pacifica = exchangeConfig(v, "pacifica")
	cfg.Lighter = exchangeConfig(v, "lighter")

	cfg.Engine = EngineConfig{
		Enabled:    v.GetBool("engine.enabled"),
		Benchmark:  v.GetString("engine.benchmark"),
		Follower:   v.GetString("engine.follower"),
		Interval:   v.GetDuration("engine.interval"),
		Cooldown:   v.GetDuration("engine.cooldown"),
		StaleAfter: v.GetDuration("engine.stale_after"),
		Epsilon:    v.GetFloat64("engine.epsilon"),
	}
	if (cfg.Engine.Benchmark == "") != (cfg.Engine.Follower == "") {
		return nil, errors.New("config: engine.benchmark and engine.follower must be set together")
	}
	if cfg.Engine.Interval <= 0 {
		return nil, fmt.Errorf("config: engine.interval must be positive, got %s", cfg.Engine.Interval)
	}

	cfg.Strategy = StrategyConfig{Offset: v.GetFloat64("strategy.offset")}
	if cfg.Strategy.Offset < 0 {
		return nil, fmt.Errorf("config: strategy.offset must not be negative, got %v", cfg.Strategy.Offset)
	}

	cfg.Control = ControlConfig{SocketPath: v.GetString("control.socket_path")}
	cfg.Feed = FeedConfig{Addr: v.GetString("feed.addr")}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.KMS = KMSConfig{
		Region:             v.GetString("kms.region"),
		LocalStackEndpoint: v.GetString("kms.localstack_endpoint"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("network", NetworkMainnet)
	v.SetDefault("symbol", string(adapter.SymbolBTC))
	v.SetDefault("credentials_file", "config.json")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "debug.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.console", true)

	// Poll intervals differ so the two exchanges are not hit in lockstep.
	v.SetDefault("pacifica.poll_interval", "3000ms")
	v.SetDefault("pacifica.timeout", "10s")
	v.SetDefault("pacifica.rate_limit", 0)
	v.SetDefault("lighter.poll_interval", "3100ms")
	v.SetDefault("lighter.timeout", "10s")
	v.SetDefault("lighter.rate_limit", 0)

	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.interval", "3s")
	v.SetDefault("engine.cooldown", "3s")
	v.SetDefault("engine.stale_after", "10s")
	v.SetDefault("engine.epsilon", 1e-6)

	v.SetDefault("strategy.offset", 0.5)

	v.SetDefault("control.socket_path", "/tmp/hedger/control.sock")
	v.SetDefault("feed.addr", "127.0.0.1:8765")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kms.region", "us-east-1")
	v.SetDefault("kms.localstack_endpoint", "")
}

func exchangeConfig(v *viper.Viper, name string) ExchangeConfig {
	return ExchangeConfig{
		BaseURL:      v.GetString(name + ".base_url"),
		PollInterval: v.GetDuration(name + ".poll_interval"),
		Timeout:      v.GetDuration(name + ".timeout"),
		RateLimit:    v.GetFloat64(name + ".rate_limit"),
	}
}

// Testnet reports whether the testnet exchange URLs are selected.
func (c *Config) Testnet() bool { return c.Network == NetworkTestnet }
