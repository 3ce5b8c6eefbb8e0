package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_sync/backoff"
)

const (
	maxBatchSize     = 100
	defaultBatchSize = 50
)

// SyncSettings carries every recognized sync option. Zero values are never
// meaningful; use LoadSyncSettings or DefaultSyncSettings.
type SyncSettings struct {
	PollInterval       time.Duration
	PushDebounce       time.Duration
	Backoff            backoff.Policy
	DefaultBatchSize   int
	BatchSizes         map[string]int
	QueueConcurrency   int
	ReachabilityProbe  string
	ReachabilityEvery  time.Duration
	ReachabilitySettle time.Duration
	ConflictStrategy   string
	FeedDriver         string
	DeviceId           string
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		PollInterval:       30 * time.Second,
		PushDebounce:       500 * time.Millisecond,
		Backoff:            backoff.DefaultPolicy(),
		DefaultBatchSize:   defaultBatchSize,
		BatchSizes:         map[string]int{"inventory_item": maxBatchSize},
		QueueConcurrency:   4,
		ReachabilityEvery:  5 * time.Second,
		ReachabilitySettle: 1500 * time.Millisecond,
		ConflictStrategy:   "most_recent",
		FeedDriver:         "redis",
	}
}

// LoadSyncSettings reads SYNC_* env vars on top of DefaultSyncSettings.
func LoadSyncSettings() SyncSettings {
	s := DefaultSyncSettings()

	s.PollInterval = secondsFromEnv("SYNC_POLL_INTERVAL_SECONDS", s.PollInterval)
	s.PushDebounce = millisFromEnv("SYNC_PUSH_DEBOUNCE_MS", s.PushDebounce)

	if n := intFromEnv("SYNC_MAX_ATTEMPTS", 0); n > 0 {
		s.Backoff.MaxAttempts = n
	}
	s.Backoff.InitialDelay = secondsFromEnv("SYNC_BACKOFF_INITIAL_SECONDS", s.Backoff.InitialDelay)
	s.Backoff.MaxDelay = secondsFromEnv("SYNC_BACKOFF_MAX_SECONDS", s.Backoff.MaxDelay)
	if v := strings.TrimSpace(os.Getenv("SYNC_BACKOFF_MULTIPLIER")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			s.Backoff.Multiplier = f
		}
	}

	if n := intFromEnv("SYNC_BATCH_SIZE", 0); n > 0 {
		s.DefaultBatchSize = clampBatch(n)
	}
	for _, kind := range []string{"customer", "ticket", "inventory_item", "employee", "appointment", "loyalty_member"} {
		if n := intFromEnv("SYNC_BATCH_SIZE_"+strings.ToUpper(kind), 0); n > 0 {
			s.BatchSizes[kind] = clampBatch(n)
		}
	}

	if n := intFromEnv("SYNC_QUEUE_CONCURRENCY", 0); n > 0 {
		s.QueueConcurrency = n
	}
	s.ReachabilityProbe = strings.TrimSpace(os.Getenv("SYNC_REACHABILITY_PROBE"))
	s.ReachabilityEvery = secondsFromEnv("SYNC_REACHABILITY_INTERVAL_SECONDS", s.ReachabilityEvery)
	s.ReachabilitySettle = millisFromEnv("SYNC_REACHABILITY_SETTLE_MS", s.ReachabilitySettle)

	if v := strings.TrimSpace(os.Getenv("SYNC_CONFLICT_STRATEGY")); v != "" {
		s.ConflictStrategy = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("SYNC_FEED_DRIVER")); v != "" {
		s.FeedDriver = strings.ToLower(v)
	}
	s.DeviceId = strings.TrimSpace(os.Getenv("SYNC_DEVICE_ID"))
	if s.DeviceId == "" {
		s.DeviceId, _ = os.Hostname()
	}
	return s
}

// BatchSize returns the bulk upload chunk size for an entity kind.
func (s SyncSettings) BatchSize(kind string) int {
	if n, ok := s.BatchSizes[kind]; ok && n > 0 {
		return n
	}
	if s.DefaultBatchSize > 0 {
		return s.DefaultBatchSize
	}
	return defaultBatchSize
}

func clampBatch(n int) int {
	if n > maxBatchSize {
		return maxBatchSize
	}
	if n < 1 {
		return 1
	}
	return n
}

func secondsFromEnv(key string, def time.Duration) time.Duration {
	if n := intFromEnv(key, 0); n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func millisFromEnv(key string, def time.Duration) time.Duration {
	if n := intFromEnv(key, -1); n >= 0 {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
