package models

import (
	"time"
)

type EntityKind string

const (
	KindCustomer      EntityKind = "customer"
	KindTicket        EntityKind = "ticket"
	KindInventoryItem EntityKind = "inventory_item"
	KindEmployee      EntityKind = "employee"
	KindAppointment   EntityKind = "appointment"
	KindLoyaltyMember EntityKind = "loyalty_member"
)

// AllKinds is every synchronized entity kind, in dependency order
// (customers before the tickets and appointments that reference them).
var AllKinds = []EntityKind{
	KindCustomer,
	KindEmployee,
	KindInventoryItem,
	KindTicket,
	KindAppointment,
	KindLoyaltyMember,
}

func (k EntityKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SyncStatus is the local view of a record: local_only -> pending_upload -> synced -> stale.
// Records deleted remotely are removed from the replica rather than marked.
type SyncStatus string

const (
	SyncStatusLocalOnly     SyncStatus = "local_only"
	SyncStatusPendingUpload SyncStatus = "pending_upload"
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusStale         SyncStatus = "stale"
)

// SyncMeta is embedded by every synchronized entity.
//
// UpdatedAt is not maintained by gorm: local edits stamp it explicitly and a
// successful upload replaces it with the remote store's timestamp.
type SyncMeta struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	TenantId     string     `gorm:"index;size:64;not null" json:"tenant_id"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at"`
	SyncStatus   SyncStatus `gorm:"size:20;index" json:"sync_status"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (m *SyncMeta) Meta() *SyncMeta { return m }

// Entity is implemented by pointers to every synchronized model.
type Entity interface {
	Meta() *SyncMeta
	EntityKind() EntityKind
}

// NeedsUpload reports whether the record has local changes not yet acknowledged remotely.
func (m *SyncMeta) NeedsUpload() bool {
	return m.SyncStatus == SyncStatusLocalOnly || m.SyncStatus == SyncStatusPendingUpload
}

// Touch marks a local edit. Records the remote has never acknowledged stay local_only.
func (m *SyncMeta) Touch(now time.Time) {
	m.UpdatedAt = now.UTC()
	if m.LastSyncedAt == nil {
		m.SyncStatus = SyncStatusLocalOnly
		return
	}
	m.SyncStatus = SyncStatusPendingUpload
}

// MarkSynced records a remote acknowledgement at the server-assigned time.
func (m *SyncMeta) MarkSynced(serverTime time.Time) {
	t := serverTime.UTC()
	m.UpdatedAt = t
	m.LastSyncedAt = &t
	m.SyncStatus = SyncStatusSynced
}
