package config

import (
	"os"
	"strings"
)

// EnvBoolDefault reads a boolean env flag; unrecognized values fall back to def.
func EnvBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// PushFeedEnabled turns on the push change feed. When off the coordinator polls.
//
// Set via env:
// - ENABLE_PUSH_FEED=true (default)
func PushFeedEnabled() bool {
	return EnvBoolDefault("ENABLE_PUSH_FEED", true)
}

// CatalogSyncEnabled mounts the commerce catalog integration routes and worker.
//
// Set via env:
// - ENABLE_CATALOG_SYNC=false (default)
func CatalogSyncEnabled() bool {
	return EnvBoolDefault("ENABLE_CATALOG_SYNC", false)
}

// ChangePublishEnabled makes the agent announce its own successful uploads on the feed
// so the tenant's other devices pick them up without waiting for a poll.
//
// Set via env:
// - ENABLE_CHANGE_PUBLISH=true (default)
func ChangePublishEnabled() bool {
	return EnvBoolDefault("ENABLE_CHANGE_PUBLISH", true)
}
