package localstore

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"

	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/utils"
)

var errCrossTenant = errors.New("localstore: record belongs to another tenant")

// Memory is an in-process replica with the same tenant scoping as Store. It backs
// LOCAL_STORE=memory dev runs and the engine tests.
type Memory[E models.Entity] struct {
	mu   sync.RWMutex
	rows map[string]E
}

func NewMemory[E models.Entity]() *Memory[E] {
	return &Memory[E]{rows: map[string]E{}}
}

func (m *Memory[E]) visible(ctx context.Context, e E) bool {
	tenantID, ok := utils.GetTenantIdFromContext(ctx)
	return !ok || e.Meta().TenantId == tenantID
}

func (m *Memory[E]) Get(ctx context.Context, id string) (E, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rows[id]
	if !ok || !m.visible(ctx, e) {
		var zero E
		return zero, false, nil
	}
	return clone(e), true, nil
}

func (m *Memory[E]) Save(ctx context.Context, e E) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tenantID, ok := utils.GetTenantIdFromContext(ctx); ok {
		if e.Meta().TenantId == "" {
			e.Meta().TenantId = tenantID
		}
		if e.Meta().TenantId != tenantID {
			return errCrossTenant
		}
	}
	m.rows[e.Meta().ID] = clone(e)
	return nil
}

func (m *Memory[E]) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok || !m.visible(ctx, e) {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *Memory[E]) ListByStatus(ctx context.Context, statuses ...models.SyncStatus) ([]E, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := map[models.SyncStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []E
	for _, e := range m.rows {
		if m.visible(ctx, e) && want[e.Meta().SyncStatus] {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().UpdatedAt.Before(out[j].Meta().UpdatedAt) })
	return out, nil
}

// Len counts every stored record regardless of tenant.
func (m *Memory[E]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func clone[E models.Entity](e E) E {
	v := reflect.ValueOf(e)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return e
	}
	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())
	return c.Interface().(E)
}
