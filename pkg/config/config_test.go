package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "gateway:\n  use_sim: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level default = %q", cfg.Log.Level)
	}
	if cfg.Dedup.ConflictWindow.D() != 500*time.Millisecond {
		t.Fatalf("conflict window default = %v", cfg.Dedup.ConflictWindow.D())
	}
	if cfg.Risk.MaxDrawdown != 0.15 || cfg.Risk.MinCashPct != 0.20 {
		t.Fatalf("risk defaults = %+v", cfg.Risk)
	}
	if cfg.Lifecycle.AckTimeout.D() != 5*time.Second || cfg.Lifecycle.FillTimeout.D() != 5*time.Minute {
		t.Fatalf("lifecycle defaults = %+v", cfg.Lifecycle)
	}
	if cfg.Allocator.MinWeight != 0.10 || cfg.Allocator.MaxWeight != 0.50 {
		t.Fatalf("allocator defaults = %+v", cfg.Allocator)
	}
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway:
  use_sim: true
dedup:
  lock_ttl: 30m
  conflict_window: 250ms
risk:
  max_drawdown: 0.10
lifecycle:
  partial_stall_timeout: 2m
  min_order_size: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dedup.LockTTL.D() != 30*time.Minute {
		t.Fatalf("lock_ttl = %v", cfg.Dedup.LockTTL.D())
	}
	if cfg.Dedup.ConflictWindow.D() != 250*time.Millisecond {
		t.Fatalf("conflict_window = %v", cfg.Dedup.ConflictWindow.D())
	}
	if cfg.Risk.MaxDrawdown != 0.10 {
		t.Fatalf("max_drawdown = %v", cfg.Risk.MaxDrawdown)
	}
	if cfg.Lifecycle.PartialStallTimeout.D() != 2*time.Minute || cfg.Lifecycle.MinOrderSize != 50 {
		t.Fatalf("lifecycle overrides = %+v", cfg.Lifecycle)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"confidence band inverted", "gateway:\n  use_sim: true\norchestrator:\n  min_confidence: 0.8\n  full_confidence: 0.5\n"},
		{"weight band inverted", "gateway:\n  use_sim: true\nallocator:\n  min_weight: 0.6\n  max_weight: 0.4\n"},
		{"drawdown out of range", "gateway:\n  use_sim: true\nrisk:\n  max_drawdown: 1.5\n"},
		{"real gateway without url", "gateway:\n  use_sim: false\n"},
		{"duplicate strategy id", "gateway:\n  use_sim: true\nstrategies:\n  - id: momentum\n  - id: momentum\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOQUANT_LOG_LEVEL", "debug")
	t.Setenv("GOQUANT_GATEWAY_BASE_URL", "https://broker.example.com")

	cfg, err := Load(writeConfig(t, "gateway:\n  use_sim: true\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("env log level not applied: %q", cfg.Log.Level)
	}
	if cfg.Gateway.BaseURL != "https://broker.example.com" {
		t.Fatalf("env base url not applied: %q", cfg.Gateway.BaseURL)
	}
}

func TestStrategyEntriesParsed(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
gateway:
  use_sim: true
strategies:
  - id: momentum
    enabled: true
    regimes: [trending_bull, trending_bear]
  - id: meanrev
    enabled: true
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Strategies) != 2 {
		t.Fatalf("strategies = %+v", cfg.Strategies)
	}
	if len(cfg.Strategies[0].Regimes) != 2 {
		t.Fatalf("regimes = %+v", cfg.Strategies[0].Regimes)
	}
	if len(cfg.Strategies[1].Regimes) != 0 {
		t.Fatalf("empty regimes should stay empty: %+v", cfg.Strategies[1].Regimes)
	}
}
