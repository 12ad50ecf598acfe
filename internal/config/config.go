// Package config loads escortd configuration from a TOML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/money"
)

// DefaultPath is read when no --config flag is given. A missing file at
// this path is not an error.
const DefaultPath = "escortd.toml"

type Config struct {
	Server         ServerConfig         `toml:"server"`
	Database       DatabaseConfig       `toml:"database"`
	Log            LogConfig            `toml:"log"`
	Grab           GrabConfig           `toml:"grab"`
	Settlement     SettlementConfig     `toml:"settlement"`
	Commission     CommissionConfig     `toml:"commission"`
	Reconciliation ReconciliationConfig `toml:"reconciliation"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Mode string `toml:"mode"` // "dev" or "prod"
}

type GrabConfig struct {
	ClaimTimeout    string  `toml:"claim_timeout"`
	SweepInterval   string  `toml:"sweep_interval"`
	ClaimsPerSecond float64 `toml:"claims_per_second"`
	ClaimBurst      int     `toml:"claim_burst"`
}

type SettlementConfig struct {
	Workers   int    `toml:"workers"`
	Queue     string `toml:"queue"` // "memory" or "redis"
	Buffer    int    `toml:"buffer"`
	RedisAddr string `toml:"redis_addr"`
	RedisKey  string `toml:"redis_key"`
}

type CommissionConfig struct {
	Strategy string            `toml:"strategy"`
	Rates    domain.RateConfig `toml:"rates"`
	// Custom is keyed by beneficiary level then relation depth, e.g.
	// [commission.custom.1] 1 = "12".
	Custom map[string]map[string]string `toml:"custom"`
}

type ReconciliationConfig struct {
	Window   string `toml:"window"`
	Interval string `toml:"interval"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Path: "escortd.db"},
		Log:      LogConfig{Mode: "dev"},
		Grab: GrabConfig{
			ClaimTimeout:    "15m",
			SweepInterval:   "30s",
			ClaimsPerSecond: 2,
			ClaimBurst:      5,
		},
		Settlement: SettlementConfig{
			Workers:  4,
			Queue:    "memory",
			Buffer:   256,
			RedisKey: "escortd:settlement",
		},
		Commission: CommissionConfig{
			Strategy: "standard",
			Rates: domain.RateConfig{
				L1: money.Percent(10),
				L2: money.Percent(8),
				L3: money.Percent(5),
			},
		},
		Reconciliation: ReconciliationConfig{Window: "24h", Interval: "10m"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !(errors.Is(err, fs.ErrNotExist) && path == DefaultPath) {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LOG_MODE"); v != "" {
		c.Log.Mode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Settlement.RedisAddr = v
		c.Settlement.Queue = "redis"
	}
	if v := os.Getenv("CLAIM_TIMEOUT"); v != "" {
		c.Grab.ClaimTimeout = v
	}
	if v := os.Getenv("COMMISSION_STRATEGY"); v != "" {
		c.Commission.Strategy = v
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := c.ClaimTimeout(); err != nil {
		return err
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	if _, err := c.ReconciliationWindow(); err != nil {
		return err
	}
	if _, err := c.ReconciliationInterval(); err != nil {
		return err
	}
	if c.Grab.ClaimsPerSecond < 0 || c.Grab.ClaimBurst < 0 {
		return fmt.Errorf("grab claim throttle must not be negative")
	}

	switch c.Settlement.Queue {
	case "memory":
	case "redis":
		if c.Settlement.RedisAddr == "" {
			return fmt.Errorf("settlement.redis_addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("settlement.queue %q must be memory or redis", c.Settlement.Queue)
	}
	if c.Settlement.Workers <= 0 {
		return fmt.Errorf("settlement.workers must be positive")
	}

	if _, err := c.StrategySnapshot(); err != nil {
		return err
	}
	return nil
}

func (c *Config) ClaimTimeout() (time.Duration, error) {
	return parsePositiveDuration("grab.claim_timeout", c.Grab.ClaimTimeout)
}

func (c *Config) SweepInterval() (time.Duration, error) {
	return parsePositiveDuration("grab.sweep_interval", c.Grab.SweepInterval)
}

func (c *Config) ReconciliationWindow() (time.Duration, error) {
	return parsePositiveDuration("reconciliation.window", c.Reconciliation.Window)
}

func (c *Config) ReconciliationInterval() (time.Duration, error) {
	return parsePositiveDuration("reconciliation.interval", c.Reconciliation.Interval)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StrategySnapshot resolves the commission section into the immutable
// policy captured on orders at completion time.
func (c *Config) StrategySnapshot() (domain.StrategyConfig, error) {
	rates := c.Commission.Rates
	for name, r := range map[string]money.BasisPoints{
		"l1_rate": rates.L1, "l2_rate": rates.L2, "l3_rate": rates.L3, "direct_rate": rates.Direct,
	} {
		if !r.Valid() {
			return domain.StrategyConfig{}, fmt.Errorf("commission.rates.%s %s%% outside 0..100", name, r)
		}
	}

	snap := domain.StrategyConfig{
		Name:  strings.TrimSpace(c.Commission.Strategy),
		Rates: rates,
	}
	if len(c.Commission.Custom) == 0 {
		return snap, nil
	}

	snap.Custom = make(domain.RateMatrix, len(c.Commission.Custom))
	for levelKey, depths := range c.Commission.Custom {
		level, err := strconv.Atoi(levelKey)
		if err != nil || !domain.BeneficiaryLevel(level).Valid() {
			return domain.StrategyConfig{}, fmt.Errorf("commission.custom: invalid beneficiary level %q", levelKey)
		}
		row := make(map[int]money.BasisPoints, len(depths))
		for depthKey, rateStr := range depths {
			depth, err := strconv.Atoi(depthKey)
			if err != nil || depth < 1 || depth > domain.MaxReferralDepth {
				return domain.StrategyConfig{}, fmt.Errorf("commission.custom.%s: invalid depth %q", levelKey, depthKey)
			}
			rate, err := money.ParsePercent(rateStr)
			if err != nil {
				return domain.StrategyConfig{}, fmt.Errorf("commission.custom.%s.%s: %w", levelKey, depthKey, err)
			}
			if !rate.Valid() {
				return domain.StrategyConfig{}, fmt.Errorf("commission.custom.%s.%s: %s%% outside 0..100", levelKey, depthKey, rate)
			}
			row[depth] = rate
		}
		snap.Custom[domain.BeneficiaryLevel(level)] = row
	}
	return snap, nil
}

func parsePositiveDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, s)
	}
	return d, nil
}
