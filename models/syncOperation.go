package models

import (
	"time"
)

type SyncOperationType string

const (
	OpUploadEntity       SyncOperationType = "upload_entity"
	OpDownloadCollection SyncOperationType = "download_collection"
	OpDeleteEntity       SyncOperationType = "delete_entity"
)

type SyncOperationStatus string

const (
	OpStatusPending    SyncOperationStatus = "pending"
	OpStatusInProgress SyncOperationStatus = "in_progress"
	OpStatusFailed     SyncOperationStatus = "failed"
)

// SyncOperation is a queued intent to mutate (or refresh from) the remote store.
// It is owned by the mutation queue and persisted inside QueueSnapshot payloads.
type SyncOperation struct {
	ID           string              `json:"id"`
	Type         SyncOperationType   `json:"type"`
	EntityKind   EntityKind          `json:"entity_kind"`
	EntityId     *string             `json:"entity_id,omitempty"`
	AttemptCount int                 `json:"attempt_count"`
	LastError    *string             `json:"last_error,omitempty"`
	Status       SyncOperationStatus `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	NotBefore    *time.Time          `json:"not_before,omitempty"`
	FailedAt     *time.Time          `json:"failed_at,omitempty"`
}

// Key groups operations that must apply in submission order: one entity, or one
// whole collection for collection-level operations.
func (op SyncOperation) Key() string {
	if op.EntityId == nil || *op.EntityId == "" {
		return string(op.EntityKind) + ":*"
	}
	return string(op.EntityKind) + ":" + *op.EntityId
}

func (op SyncOperation) TargetId() string {
	if op.EntityId == nil {
		return ""
	}
	return *op.EntityId
}

const (
	QueuePending = "pending"
	QueueFailed  = "failed"

	QueueSnapshotVersion = 1
)

// QueueSnapshot is the durable form of one queue list (pending or failed) for a tenant.
type QueueSnapshot struct {
	TenantId  string    `gorm:"primaryKey;size:64" json:"tenant_id"`
	Name      string    `gorm:"primaryKey;size:20" json:"name"`
	Version   int       `gorm:"not null" json:"version"`
	Payload   []byte    `gorm:"type:longblob" json:"payload"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
