package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.PollingIntervalMs != 30_000 || d.PollingBatchSize != 100 || d.PickingTimeoutMs != 5_000 {
		t.Errorf("unexpected polling defaults: %+v", d)
	}
	if d.RepublishingBatchSize != 20 || d.RepublishingTimeoutMs != 60_000 {
		t.Errorf("unexpected republishing defaults: %+v", d)
	}
	if d.DeliveringStatesOffsetMins != 15 || d.RequestCooldownResetMins != 60 || d.RequestDelayMins != 1 {
		t.Errorf("unexpected offset/cooldown defaults: %+v", d)
	}
	if d.MaxTimeoutMs != 5_000 || d.MaxConnections != 100 {
		t.Errorf("unexpected transport defaults: %+v", d)
	}
	want := []int{200, 201, 202, 204}
	if len(d.SuccessfulStatusCodes) != len(want) {
		t.Fatalf("SuccessfulStatusCodes = %v, want %v", d.SuccessfulStatusCodes, want)
	}
	for i, code := range want {
		if d.SuccessfulStatusCodes[i] != code {
			t.Errorf("SuccessfulStatusCodes[%d] = %d, want %d", i, d.SuccessfulStatusCodes[i], code)
		}
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with a missing path should not error, got %v", err)
	}
	if cfg.PollingBatchSize != Defaults().PollingBatchSize {
		t.Error("missing config file should yield Defaults()")
	}
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "pollingBatchSize: 250\nredisAddr: redis.internal:6379\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollingBatchSize != 250 {
		t.Errorf("PollingBatchSize = %d, want 250 (from YAML)", cfg.PollingBatchSize)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr = %q, want override from YAML", cfg.RedisAddr)
	}
	if cfg.PickingTimeoutMs != Defaults().PickingTimeoutMs {
		t.Error("fields absent from YAML should retain their default value")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "override:6380")
	t.Setenv("POD_INDEX", "3")
	t.Setenv("POD_COUNT", "7")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	if cfg.RedisAddr != "override:6380" {
		t.Errorf("RedisAddr = %q, want env override", cfg.RedisAddr)
	}
	if cfg.PodIndex != 3 || cfg.PodCount != 7 {
		t.Errorf("PodIndex/PodCount = %d/%d, want 3/7", cfg.PodIndex, cfg.PodCount)
	}
}

func TestApplyEnvOverridesIgnoresInvalidInts(t *testing.T) {
	t.Setenv("POD_INDEX", "not-a-number")

	cfg := Defaults()
	cfg.PodIndex = 9
	applyEnvOverrides(&cfg)

	if cfg.PodIndex != 9 {
		t.Error("an unparseable POD_INDEX should leave the existing value untouched")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	if cfg.PollingInterval() != 30*time.Second {
		t.Errorf("PollingInterval() = %v, want 30s", cfg.PollingInterval())
	}
	if cfg.PickingTimeout() != 5*time.Second {
		t.Errorf("PickingTimeout() = %v, want 5s", cfg.PickingTimeout())
	}
	if cfg.RepublishingTimeout() != time.Minute {
		t.Errorf("RepublishingTimeout() = %v, want 1m", cfg.RepublishingTimeout())
	}
	if cfg.DeliveringStatesOffset() != 15*time.Minute {
		t.Errorf("DeliveringStatesOffset() = %v, want 15m", cfg.DeliveringStatesOffset())
	}
	if cfg.CooldownResetWindow() != time.Hour {
		t.Errorf("CooldownResetWindow() = %v, want 1h", cfg.CooldownResetWindow())
	}
	if cfg.RequestDelay() != time.Minute {
		t.Errorf("RequestDelay() = %v, want 1m", cfg.RequestDelay())
	}
	if cfg.MaxTimeout() != 5*time.Second {
		t.Errorf("MaxTimeout() = %v, want 5s", cfg.MaxTimeout())
	}
}

func TestTokenEnvironments(t *testing.T) {
	cfg := Defaults()
	cfg.OAuth2Environments = map[string]OAuth2{
		"prod": {
			TokenURI:     "https://auth.example.com/token",
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			Scopes:       []string{"delivery.read"},
		},
	}

	envs := cfg.TokenEnvironments()
	got, ok := envs["prod"]
	if !ok {
		t.Fatal("TokenEnvironments should carry over the \"prod\" key")
	}
	if got.TokenURI != "https://auth.example.com/token" || got.ClientID != "client-1" || got.ClientSecret != "secret-1" {
		t.Errorf("unexpected EnvironmentConfig: %+v", got)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != "delivery.read" {
		t.Errorf("Scopes = %v, want [delivery.read]", got.Scopes)
	}
}
