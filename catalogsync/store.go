package catalogsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/utils"
	"gorm.io/gorm"
)

// Store persists connections, runs, run errors and cross-system mappings. Lookups
// that find nothing return (nil, nil).
type Store interface {
	Connection(ctx context.Context, tenantID string) (*models.IntegrationConnection, error)
	SaveConnection(ctx context.Context, conn *models.IntegrationConnection) error

	Run(ctx context.Context, tenantID string, id uint) (*models.IntegrationSyncRun, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]models.IntegrationSyncRun, error)
	SaveRun(ctx context.Context, run *models.IntegrationSyncRun) error
	RunErrors(ctx context.Context, tenantID string, runID uint) ([]models.IntegrationSyncError, error)
	RecordError(ctx context.Context, e *models.IntegrationSyncError) error

	Mapping(ctx context.Context, tenantID string, id uint) (*models.IntegrationEntityMapping, error)
	MappingByExternal(ctx context.Context, tenantID string, kind models.EntityKind, externalID string) (*models.IntegrationEntityMapping, error)
	ListMappings(ctx context.Context, tenantID string, statuses ...models.MappingStatus) ([]models.IntegrationEntityMapping, error)
	SaveMapping(ctx context.Context, m *models.IntegrationEntityMapping) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) scoped(ctx context.Context, tenantID string) *gorm.DB {
	return s.db.WithContext(utils.SetTenantIdInContext(ctx, tenantID))
}

func takeOrNil[T any](tx *gorm.DB, out *T) (*T, error) {
	if err := tx.Take(out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Connection(ctx context.Context, tenantID string) (*models.IntegrationConnection, error) {
	return takeOrNil(s.scoped(ctx, tenantID).
		Where("tenant_id = ? AND provider = ?", tenantID, models.IntegrationProviderCommerce), &models.IntegrationConnection{})
}

func (s *GormStore) SaveConnection(ctx context.Context, conn *models.IntegrationConnection) error {
	return s.scoped(ctx, conn.TenantId).Save(conn).Error
}

func (s *GormStore) Run(ctx context.Context, tenantID string, id uint) (*models.IntegrationSyncRun, error) {
	return takeOrNil(s.scoped(ctx, tenantID).Where("id = ? AND tenant_id = ?", id, tenantID), &models.IntegrationSyncRun{})
}

func (s *GormStore) ListRuns(ctx context.Context, tenantID string, limit int) ([]models.IntegrationSyncRun, error) {
	var runs []models.IntegrationSyncRun
	err := s.scoped(ctx, tenantID).
		Where("tenant_id = ? AND provider = ?", tenantID, models.IntegrationProviderCommerce).
		Order("id desc").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (s *GormStore) SaveRun(ctx context.Context, run *models.IntegrationSyncRun) error {
	return s.scoped(ctx, run.TenantId).Save(run).Error
}

func (s *GormStore) RunErrors(ctx context.Context, tenantID string, runID uint) ([]models.IntegrationSyncError, error) {
	var errs []models.IntegrationSyncError
	err := s.scoped(ctx, tenantID).Where("sync_run_id = ?", runID).Order("id desc").Find(&errs).Error
	return errs, err
}

func (s *GormStore) RecordError(ctx context.Context, e *models.IntegrationSyncError) error {
	return s.scoped(ctx, e.TenantId).Create(e).Error
}

func (s *GormStore) Mapping(ctx context.Context, tenantID string, id uint) (*models.IntegrationEntityMapping, error) {
	return takeOrNil(s.scoped(ctx, tenantID).Where("id = ? AND tenant_id = ?", id, tenantID), &models.IntegrationEntityMapping{})
}

func (s *GormStore) MappingByExternal(ctx context.Context, tenantID string, kind models.EntityKind, externalID string) (*models.IntegrationEntityMapping, error) {
	return takeOrNil(s.scoped(ctx, tenantID).
		Where("tenant_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			tenantID, models.IntegrationProviderCommerce, string(kind), externalID), &models.IntegrationEntityMapping{})
}

func (s *GormStore) ListMappings(ctx context.Context, tenantID string, statuses ...models.MappingStatus) ([]models.IntegrationEntityMapping, error) {
	tx := s.scoped(ctx, tenantID).Where("tenant_id = ? AND provider = ?", tenantID, models.IntegrationProviderCommerce)
	if len(statuses) > 0 {
		tx = tx.Where("status IN ?", statuses)
	}
	var out []models.IntegrationEntityMapping
	err := tx.Order("id").Find(&out).Error
	return out, err
}

func (s *GormStore) SaveMapping(ctx context.Context, m *models.IntegrationEntityMapping) error {
	return s.scoped(ctx, m.TenantId).Save(m).Error
}

// MemoryStore is the Store used in dev mode and tests.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   uint
	conns    map[string]models.IntegrationConnection
	runs     map[uint]models.IntegrationSyncRun
	errs     []models.IntegrationSyncError
	mappings map[uint]models.IntegrationEntityMapping
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:    map[string]models.IntegrationConnection{},
		runs:     map[uint]models.IntegrationSyncRun{},
		mappings: map[uint]models.IntegrationEntityMapping{},
	}
}

func (m *MemoryStore) id() uint {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) Connection(_ context.Context, tenantID string) (*models.IntegrationConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[tenantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) SaveConnection(_ context.Context, conn *models.IntegrationConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn.ID == 0 {
		conn.ID = m.id()
		conn.CreatedAt = time.Now()
	}
	conn.UpdatedAt = time.Now()
	m.conns[conn.TenantId] = *conn
	return nil
}

func (m *MemoryStore) Run(_ context.Context, tenantID string, id uint) (*models.IntegrationSyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.TenantId != tenantID {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, tenantID string, limit int) ([]models.IntegrationSyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IntegrationSyncRun
	for _, r := range m.runs {
		if r.TenantId == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *models.IntegrationSyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == 0 {
		run.ID = m.id()
		run.CreatedAt = time.Now()
	}
	run.UpdatedAt = time.Now()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) RunErrors(_ context.Context, tenantID string, runID uint) ([]models.IntegrationSyncError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IntegrationSyncError
	for i := len(m.errs) - 1; i >= 0; i-- {
		if e := m.errs[i]; e.SyncRunId == runID && e.TenantId == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordError(_ context.Context, e *models.IntegrationSyncError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	e.CreatedAt = time.Now()
	m.errs = append(m.errs, *e)
	return nil
}

func (m *MemoryStore) Mapping(_ context.Context, tenantID string, id uint) (*models.IntegrationEntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mappings[id]
	if !ok || mp.TenantId != tenantID {
		return nil, nil
	}
	return &mp, nil
}

func (m *MemoryStore) MappingByExternal(_ context.Context, tenantID string, kind models.EntityKind, externalID string) (*models.IntegrationEntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.mappings {
		if mp.TenantId == tenantID && mp.EntityType == string(kind) && mp.ExternalId == externalID {
			return &mp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListMappings(_ context.Context, tenantID string, statuses ...models.MappingStatus) ([]models.IntegrationEntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IntegrationEntityMapping
	for _, mp := range m.mappings {
		if mp.TenantId != tenantID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, mp.Status) {
			continue
		}
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveMapping enforces one mapping per local id and per external id within a
// tenant and kind, like the unique indexes on the table.
func (m *MemoryStore) SaveMapping(_ context.Context, mp *models.IntegrationEntityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.mappings {
		if id == mp.ID || other.TenantId != mp.TenantId || other.EntityType != mp.EntityType {
			continue
		}
		if other.LocalId == mp.LocalId || other.ExternalId == mp.ExternalId {
			return gorm.ErrDuplicatedKey
		}
	}
	if mp.ID == 0 {
		mp.ID = m.id()
		mp.CreatedAt = time.Now()
	}
	mp.UpdatedAt = time.Now()
	m.mappings[mp.ID] = *mp
	return nil
}

func containsStatus(list []models.MappingStatus, s models.MappingStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
