package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists one named operation list per tenant.
type Store interface {
	Load(ctx context.Context, tenantID, name string) ([]models.SyncOperation, error)
	Save(ctx context.Context, tenantID, name string, ops []models.SyncOperation) error
}

type snapshot struct {
	Version    int                    `json:"version"`
	Operations []models.SyncOperation `json:"operations"`
}

func encodeSnapshot(ops []models.SyncOperation) ([]byte, error) {
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	return json.Marshal(snapshot{Version: models.QueueSnapshotVersion, Operations: ops})
}

func decodeSnapshot(data []byte) ([]models.SyncOperation, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var snap snapshot
	if err := utils.UnmarshalFromJSON(data, &snap); err != nil {
		return nil, fmt.Errorf("queue snapshot: %w", err)
	}
	if snap.Version < 1 || snap.Version > models.QueueSnapshotVersion {
		return nil, fmt.Errorf("queue snapshot: unsupported version %d", snap.Version)
	}
	return snap.Operations, nil
}

// GormStore keeps queue snapshots in the local replica database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, tenantID, name string) ([]models.SyncOperation, error) {
	ctx = utils.SetTenantIdInContext(ctx, tenantID)
	var snap models.QueueSnapshot
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(snap.Payload)
}

func (s *GormStore) Save(ctx context.Context, tenantID, name string, ops []models.SyncOperation) error {
	payload, err := encodeSnapshot(ops)
	if err != nil {
		return err
	}
	ctx = utils.SetTenantIdInContext(ctx, tenantID)
	snap := models.QueueSnapshot{
		TenantId: tenantID,
		Name:     name,
		Version:  models.QueueSnapshotVersion,
		Payload:  payload,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&snap).Error
}

// MemoryStore keeps encoded snapshots in process. Used by dev runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (s *MemoryStore) Load(_ context.Context, tenantID, name string) ([]models.SyncOperation, error) {
	s.mu.Lock()
	data := s.data[tenantID+"/"+name]
	s.mu.Unlock()
	return decodeSnapshot(data)
}

func (s *MemoryStore) Save(_ context.Context, tenantID, name string, ops []models.SyncOperation) error {
	payload, err := encodeSnapshot(ops)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[tenantID+"/"+name] = payload
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves counts Save calls.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
