package models

import (
	"gorm.io/gorm"
)

// MigrateTable creates/updates every local replica table.
func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Customer{}, &Ticket{}, &InventoryItem{}, &Employee{}, &Appointment{}, &LoyaltyMember{},
		&QueueSnapshot{},
		&IntegrationConnection{}, &IntegrationSyncRun{}, &IntegrationEntityMapping{}, &IntegrationSyncError{},
	)
}
