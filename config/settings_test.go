package config

import (
	"testing"
	"time"
)

func TestLoadSyncSettings_Defaults(t *testing.T) {
	s := LoadSyncSettings()
	if s.PollInterval != 30*time.Second {
		t.Fatalf("expected 30s poll interval, got %s", s.PollInterval)
	}
	if s.Backoff.MaxAttempts != 3 || s.Backoff.InitialDelay != time.Minute || s.Backoff.MaxDelay != time.Hour {
		t.Fatalf("unexpected backoff defaults: %+v", s.Backoff)
	}
	if s.BatchSize("ticket") != 50 || s.BatchSize("inventory_item") != 100 {
		t.Fatalf("unexpected batch sizes: ticket=%d inventory=%d", s.BatchSize("ticket"), s.BatchSize("inventory_item"))
	}
}

func TestLoadSyncSettings_EnvOverrides(t *testing.T) {
	t.Setenv("SYNC_POLL_INTERVAL_SECONDS", "10")
	t.Setenv("SYNC_MAX_ATTEMPTS", "5")
	t.Setenv("SYNC_BACKOFF_MULTIPLIER", "3")
	t.Setenv("SYNC_BATCH_SIZE_TICKET", "500")
	t.Setenv("SYNC_PUSH_DEBOUNCE_MS", "0")
	t.Setenv("SYNC_FEED_DRIVER", "GCP")

	s := LoadSyncSettings()
	if s.PollInterval != 10*time.Second {
		t.Fatalf("expected 10s, got %s", s.PollInterval)
	}
	if s.Backoff.MaxAttempts != 5 || s.Backoff.Multiplier != 3 {
		t.Fatalf("unexpected backoff: %+v", s.Backoff)
	}
	if s.BatchSize("ticket") != 100 {
		t.Fatalf("batch size must clamp to 100, got %d", s.BatchSize("ticket"))
	}
	if s.PushDebounce != 0 {
		t.Fatalf("explicit zero debounce must be honored, got %s", s.PushDebounce)
	}
	if s.FeedDriver != "gcp" {
		t.Fatalf("expected gcp, got %q", s.FeedDriver)
	}
}

func TestEnvBoolDefault(t *testing.T) {
	t.Setenv("X_FLAG", "Yes")
	if !EnvBoolDefault("X_FLAG", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("X_FLAG", "maybe")
	if EnvBoolDefault("X_FLAG", false) {
		t.Fatalf("expected default false")
	}
}
