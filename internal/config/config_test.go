package config

import (
	"testing"
	"time"

	"github.com/httprunner/DeviceFarm/internal/oob/rules"
)

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("TEST_DURATION", "45")
	if got := Duration("TEST_DURATION", time.Second); got != 45*time.Second {
		t.Fatalf("expected 45s, got %s", got)
	}
	t.Setenv("TEST_DURATION", "2m")
	if got := Duration("TEST_DURATION", time.Second); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := Duration("TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("invalid value should fall back, got %s", got)
	}
}

func TestListDropsBlanks(t *testing.T) {
	t.Setenv("TEST_LIST", " WS01, ,WS02 ")
	got := List("TEST_LIST")
	if len(got) != 2 || got[0] != "WS01" || got[1] != "WS02" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Rules != rules.DefaultConfig() {
		t.Fatalf("rules should default to production thresholds: %+v", cfg.Rules)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Serve.Addr != ":8080" || cfg.Box.Port != 56666 {
		t.Fatalf("unexpected defaults: %+v %+v %+v", cfg.Storage, cfg.Serve, cfg.Box)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RULE_DEVICE_LOSS_PCT", "15")
	t.Setenv("COOLDOWN_SOFT_MIN", "2")
	t.Setenv("COOLDOWN_BOX_MIN", "90s")
	t.Setenv("BATCH_INTERVAL", "10")
	t.Setenv("LIKE_PROBABILITY", "0.25")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("OOB_DRY_RUN", "yes")
	t.Setenv("BOX_HOST", "10.0.0.5")
	t.Setenv("NODE_BOX_SLOT", "3")
	t.Setenv("NODE_REPORT_INTERVAL", "15")
	t.Setenv("DEVICE_SYNC_INTERVAL", "20")
	t.Setenv("OOB_MAX_CONCURRENT_RECOVERIES", "2")

	cfg := Load()
	if cfg.Rules.DeviceLossPct != 0.15 {
		t.Fatalf("whole percentage should become a fraction: %v", cfg.Rules.DeviceLossPct)
	}
	if cfg.Rules.SoftCooldown != 2*time.Minute || cfg.Rules.BoxCooldown != 90*time.Second {
		t.Fatalf("unexpected cooldowns: %s %s", cfg.Rules.SoftCooldown, cfg.Rules.BoxCooldown)
	}
	if cfg.Batch.BatchInterval != 10*time.Second || cfg.Batch.LikeProbability != 0.25 {
		t.Fatalf("unexpected batch options: %+v", cfg.Batch)
	}
	if cfg.Storage.Driver != "postgres" || !cfg.Serve.DryRun || !cfg.Recovery.DryRun {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.Storage, cfg.Serve)
	}
	if cfg.Serve.DeviceSyncInterval != 20*time.Second || cfg.Serve.MaxRecoveries != 2 {
		t.Fatalf("unexpected serve loops: %+v", cfg.Serve)
	}
	if cfg.Agent.Box.Address != "10.0.0.5" || cfg.Agent.Box.Slot != 3 || cfg.Agent.Interval != 15*time.Second {
		t.Fatalf("unexpected agent config: %+v", cfg.Agent)
	}
}
