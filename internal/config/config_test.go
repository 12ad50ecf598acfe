package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/money"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Commission.Strategy != "standard" {
		t.Errorf("Commission.Strategy = %q, want %q", cfg.Commission.Strategy, "standard")
	}
	if cfg.Commission.Rates.L1 != money.Percent(10) {
		t.Errorf("Commission.Rates.L1 = %s, want 10", cfg.Commission.Rates.L1)
	}
	if cfg.Settlement.Queue != "memory" {
		t.Errorf("Settlement.Queue = %q, want %q", cfg.Settlement.Queue, "memory")
	}
	timeout, err := cfg.ClaimTimeout()
	if err != nil {
		t.Fatalf("ClaimTimeout() error: %v", err)
	}
	if timeout != 15*time.Minute {
		t.Errorf("ClaimTimeout() = %s, want 15m", timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error: %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escortd.toml")
	body := `
[server]
port = 9090

[grab]
claim_timeout = "90s"

[commission]
strategy = "custom"

[commission.rates]
l1_rate = "12.5"
l2_rate = "8"
l3_rate = "5"

[commission.custom.1]
1 = "12"
2 = "6"

[commission.custom.3]
1 = "4.25"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if d, _ := cfg.ClaimTimeout(); d != 90*time.Second {
		t.Errorf("ClaimTimeout() = %s, want 90s", d)
	}
	// Unset sections keep their defaults.
	if cfg.Settlement.Workers != 4 {
		t.Errorf("Settlement.Workers = %d, want 4", cfg.Settlement.Workers)
	}

	snap, err := cfg.StrategySnapshot()
	if err != nil {
		t.Fatalf("StrategySnapshot() error: %v", err)
	}
	if snap.Name != "custom" {
		t.Errorf("snap.Name = %q, want custom", snap.Name)
	}
	if snap.Rates.L1 != 1250 {
		t.Errorf("snap.Rates.L1 = %d, want 1250", snap.Rates.L1)
	}
	if got := snap.Custom[domain.LevelEscort][1]; got != 425 {
		t.Errorf("custom[3][1] = %d, want 425", got)
	}
}

func TestLoad_MissingDefaultFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	if _, err := Load(DefaultPath); err != nil {
		t.Fatalf("Load(default path) error: %v", err)
	}
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Fatal("Load(explicit missing file) should fail")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("CLAIM_TIMEOUT", "2m")
	t.Setenv("COMMISSION_STRATEGY", "flat")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("Database.Path = %q, want /tmp/x.db", cfg.Database.Path)
	}
	if d, _ := cfg.ClaimTimeout(); d != 2*time.Minute {
		t.Errorf("ClaimTimeout() = %s, want 2m", d)
	}
	if cfg.Commission.Strategy != "flat" {
		t.Errorf("Commission.Strategy = %q, want flat", cfg.Commission.Strategy)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero timeout", func(c *Config) { c.Grab.ClaimTimeout = "0s" }},
		{"bad interval", func(c *Config) { c.Grab.SweepInterval = "soon" }},
		{"unknown queue", func(c *Config) { c.Settlement.Queue = "kafka" }},
		{"redis without addr", func(c *Config) { c.Settlement.Queue = "redis" }},
		{"no workers", func(c *Config) { c.Settlement.Workers = 0 }},
		{"rate above 100", func(c *Config) { c.Commission.Rates.L2 = money.Percent(101) }},
		{"bad custom level", func(c *Config) {
			c.Commission.Custom = map[string]map[string]string{"9": {"1": "5"}}
		}},
		{"bad custom depth", func(c *Config) {
			c.Commission.Custom = map[string]map[string]string{"1": {"4": "5"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}
