package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the trade-execution core.
type Config struct {
	Port   string
	DBPath string

	JWTSecret string

	RateLimitCapacity   float64
	RateLimitRefillRate float64

	LMSRDefaultLiquidityB float64
	StartingBalance       string

	MarketFlushInterval   time.Duration
	PositionFlushInterval time.Duration
	FlushQuietPeriod      time.Duration
	ReconcileInterval     time.Duration

	LogLevel string
}

// fileOverride mirrors the subset of Config a config.yaml may override.
// Only non-zero fields are applied, so a partial file is fine.
type fileOverride struct {
	Port                  string  `yaml:"port"`
	DBPath                string  `yaml:"dbPath"`
	JWTSecret             string  `yaml:"jwtSecret"`
	RateLimitCapacity     float64 `yaml:"rateLimitCapacity"`
	RateLimitRefillRate   float64 `yaml:"rateLimitRefillRate"`
	LMSRDefaultLiquidityB float64 `yaml:"lmsrDefaultLiquidityB"`
	StartingBalance       string  `yaml:"startingBalance"`
	MarketFlushSeconds    int     `yaml:"marketFlushSeconds"`
	PositionFlushSeconds  int     `yaml:"positionFlushSeconds"`
	FlushQuietSeconds     int     `yaml:"flushQuietSeconds"`
	ReconcileSeconds      int     `yaml:"reconcileSeconds"`
	LogLevel              string  `yaml:"logLevel"`
}

// Load reads environment variables (optionally via .env), then applies
// an optional config.yaml override for whatever fields it sets. Env is
// the default source; the YAML file exists for deployments that prefer
// a single checked-in file over a pile of env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		DBPath:                getEnv("DB_PATH", "./data/predictioncore.db"),
		JWTSecret:             getEnv("JWT_SECRET", "dev-secret"),
		RateLimitCapacity:     getEnvFloat("RATE_LIMIT_CAPACITY", 100),
		RateLimitRefillRate:   getEnvFloat("RATE_LIMIT_REFILL_RATE", 10),
		LMSRDefaultLiquidityB: getEnvFloat("LMSR_DEFAULT_LIQUIDITY_B", 100),
		StartingBalance:       getEnv("STARTING_BALANCE", "1000"),
		MarketFlushInterval:   getEnvSeconds("MARKET_FLUSH_INTERVAL_SECONDS", 1),
		PositionFlushInterval: getEnvSeconds("POSITION_FLUSH_INTERVAL_SECONDS", 1),
		FlushQuietPeriod:      getEnvSeconds("FLUSH_QUIET_PERIOD_SECONDS", 2),
		ReconcileInterval:     getEnvSeconds("RECONCILE_INTERVAL_SECONDS", 300),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	if path := getEnv("CONFIG_FILE", "config.yaml"); path != "" {
		if err := applyFileOverride(cfg, path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyFileOverride(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var f fileOverride
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if f.Port != "" {
		cfg.Port = f.Port
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.JWTSecret != "" {
		cfg.JWTSecret = f.JWTSecret
	}
	if f.RateLimitCapacity > 0 {
		cfg.RateLimitCapacity = f.RateLimitCapacity
	}
	if f.RateLimitRefillRate > 0 {
		cfg.RateLimitRefillRate = f.RateLimitRefillRate
	}
	if f.LMSRDefaultLiquidityB > 0 {
		cfg.LMSRDefaultLiquidityB = f.LMSRDefaultLiquidityB
	}
	if f.StartingBalance != "" {
		cfg.StartingBalance = f.StartingBalance
	}
	if f.MarketFlushSeconds > 0 {
		cfg.MarketFlushInterval = time.Duration(f.MarketFlushSeconds) * time.Second
	}
	if f.PositionFlushSeconds > 0 {
		cfg.PositionFlushInterval = time.Duration(f.PositionFlushSeconds) * time.Second
	}
	if f.FlushQuietSeconds > 0 {
		cfg.FlushQuietPeriod = time.Duration(f.FlushQuietSeconds) * time.Second
	}
	if f.ReconcileSeconds > 0 {
		cfg.ReconcileInterval = time.Duration(f.ReconcileSeconds) * time.Second
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	seconds := defSeconds
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			seconds = i
		}
	}
	return time.Duration(seconds) * time.Second
}
