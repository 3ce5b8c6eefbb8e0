package models

import "time"

const (
	IntegrationProviderCommerce = "commerce"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// MappingStatus is the cross-system sync state of one mapped entity.
type MappingStatus string

const (
	MappingStatusSynced   MappingStatus = "synced"
	MappingStatusPending  MappingStatus = "pending"
	MappingStatusConflict MappingStatus = "conflict"
	MappingStatusFailed   MappingStatus = "failed"
	// MappingStatusDeleted retires a mapping whose local record was deleted.
	MappingStatusDeleted MappingStatus = "deleted"
)

type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"uniqueIndex:idx_integration_connection,priority:1;size:64;not null" json:"tenant_id"`
	Provider          string     `gorm:"uniqueIndex:idx_integration_connection,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthSecretRef     string     `gorm:"type:text" json:"-"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	TenantId      string     `gorm:"index;size:64;not null" json:"tenant_id"`
	ConnectionId  uint       `gorm:"index;not null" json:"connection_id"`
	Provider      string     `gorm:"index;size:50;not null" json:"provider"`
	Status        string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced int        `json:"records_synced"`
	ConflictCount int        `json:"conflict_count"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationEntityMapping links a local entity to its object in the external system.
// There is at most one mapping per (tenant, provider, entity type, local id) and per
// (tenant, provider, entity type, external id).
type IntegrationEntityMapping struct {
	ID                uint          `gorm:"primary_key" json:"id"`
	TenantId          string        `gorm:"uniqueIndex:idx_mapping_local,priority:1;uniqueIndex:idx_mapping_external,priority:1;size:64;not null" json:"tenant_id"`
	ConnectionId      uint          `gorm:"index;not null" json:"connection_id"`
	Provider          string        `gorm:"uniqueIndex:idx_mapping_local,priority:2;uniqueIndex:idx_mapping_external,priority:2;size:50;not null" json:"provider"`
	EntityType        string        `gorm:"uniqueIndex:idx_mapping_local,priority:3;uniqueIndex:idx_mapping_external,priority:3;size:50;not null" json:"entity_type"`
	LocalId           string        `gorm:"uniqueIndex:idx_mapping_local,priority:4;size:36;not null" json:"local_id"`
	ExternalId        string        `gorm:"uniqueIndex:idx_mapping_external,priority:4;size:128;not null" json:"external_id"`
	ExternalVariantId string        `gorm:"size:128" json:"external_variant_id"`
	Status            MappingStatus `gorm:"size:20;index;not null" json:"status"`
	LastSyncedAt      *time.Time    `json:"last_synced_at"`
	ExternalUpdatedAt *time.Time    `json:"external_updated_at"`
	LastError         *string       `gorm:"type:text" json:"last_error"`
	MetadataJSON      []byte        `gorm:"type:json" json:"metadata"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	TenantId    string    `gorm:"index;size:64;not null" json:"tenant_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
