package localstore

import (
	"context"
	"errors"

	"github.com/mmdatafocus/pos_sync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the gorm-backed local replica for one entity kind. Tenant scoping is
// applied by the tenant guard plugin from the tenant carried in ctx.
type Store[E models.Entity] struct {
	db   *gorm.DB
	newE func() E
}

func NewStore[E models.Entity](db *gorm.DB, newE func() E) *Store[E] {
	return &Store[E]{db: db, newE: newE}
}

func (s *Store[E]) Get(ctx context.Context, id string) (E, bool, error) {
	e := s.newE()
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var zero E
		return zero, false, nil
	}
	if err != nil {
		var zero E
		return zero, false, err
	}
	return e, true, nil
}

// Save inserts or fully overwrites the record.
func (s *Store[E]) Save(ctx context.Context, e E) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(e).Error
}

func (s *Store[E]) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(s.newE())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store[E]) ListByStatus(ctx context.Context, statuses ...models.SyncStatus) ([]E, error) {
	var out []E
	err := s.db.WithContext(ctx).Where("sync_status IN ?", statuses).Order("updated_at").Find(&out).Error
	return out, err
}
