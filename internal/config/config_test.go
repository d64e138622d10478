package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "HOST", "PORT", "HEADLESS", "MAX_MEMORY_MB", "DISPATCHER_MODE",
		"RATE_LIMITER_MIN_DELAY", "KVSTORE_BACKEND", "JOB_TTL")

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %q", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("expected Headless true by default")
	}
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("expected default max memory 2048, got %d", cfg.MaxMemoryMB)
	}
	if cfg.MemoryHardLimit != 95.0 {
		t.Errorf("expected default memory hard limit 95, got %v", cfg.MemoryHardLimit)
	}
	if cfg.PromotionThreshold != 3 {
		t.Errorf("expected default promotion threshold 3, got %d", cfg.PromotionThreshold)
	}
	if cfg.DispatcherMode != "adaptive" {
		t.Errorf("expected default dispatcher mode adaptive, got %q", cfg.DispatcherMode)
	}
	if cfg.RateLimiterMinDelay != time.Second {
		t.Errorf("expected default rate limiter min delay 1s, got %v", cfg.RateLimiterMinDelay)
	}
	if cfg.KVStoreBackend != "memory" {
		t.Errorf("expected default kvstore backend memory, got %q", cfg.KVStoreBackend)
	}
	if cfg.JobTTL != 24*time.Hour {
		t.Errorf("expected default job TTL 24h, got %v", cfg.JobTTL)
	}
	if cfg.WebhookMaxAttempts != 5 {
		t.Errorf("expected default webhook max attempts 5, got %d", cfg.WebhookMaxAttempts)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, "PORT", "MAX_MEMORY_MB", "DISPATCHER_MODE")
	os.Setenv("PORT", "9090")
	os.Setenv("MAX_MEMORY_MB", "4096")
	os.Setenv("DISPATCHER_MODE", "fixed")

	cfg := Load()

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.MaxMemoryMB != 4096 {
		t.Errorf("expected max memory 4096, got %d", cfg.MaxMemoryMB)
	}
	if cfg.DispatcherMode != "fixed" {
		t.Errorf("expected dispatcher mode fixed, got %q", cfg.DispatcherMode)
	}
}

func TestValidateClampsOutOfRangePort(t *testing.T) {
	cfg := Load()
	cfg.Port = 99999
	cfg.Validate()
	if cfg.Port != 8080 {
		t.Errorf("expected invalid port to reset to 8080, got %d", cfg.Port)
	}
}

func TestValidateClampsMemoryBounds(t *testing.T) {
	cfg := Load()
	cfg.MaxMemoryMB = 10
	cfg.Validate()
	if cfg.MaxMemoryMB != 2048 {
		t.Errorf("expected too-low memory to reset to 2048, got %d", cfg.MaxMemoryMB)
	}

	cfg.MaxMemoryMB = 99999
	cfg.Validate()
	if cfg.MaxMemoryMB != maxMaxMemoryMB {
		t.Errorf("expected too-high memory to cap at %d, got %d", maxMaxMemoryMB, cfg.MaxMemoryMB)
	}
}

func TestValidateRejectsBadDispatcherThresholds(t *testing.T) {
	cfg := Load()
	cfg.DispatcherSoftThreshold = 90
	cfg.DispatcherCriticalThreshold = 80 // soft > critical, invalid ordering
	cfg.Validate()

	if !(cfg.DispatcherRecoveryThreshold < cfg.DispatcherSoftThreshold &&
		cfg.DispatcherSoftThreshold < cfg.DispatcherCriticalThreshold) {
		t.Error("expected Validate to restore a sane threshold ordering")
	}
}

func TestValidateDefaultsInvalidKVStoreBackend(t *testing.T) {
	cfg := Load()
	cfg.KVStoreBackend = "postgres"
	cfg.Validate()
	if cfg.KVStoreBackend != "memory" {
		t.Errorf("expected invalid backend to fall back to memory, got %q", cfg.KVStoreBackend)
	}
}

func TestValidateEnforcesMinimumDrainDeadline(t *testing.T) {
	cfg := Load()
	cfg.DrainDeadline = 0
	cfg.Validate()
	if cfg.DrainDeadline != 30*time.Second {
		t.Errorf("expected default drain deadline 30s, got %v", cfg.DrainDeadline)
	}
}
