package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/mmdatafocus/pos_sync/syncerr"
)

// Collection is the application-facing API of one kind: local reads, and local
// writes that are queued for upload. Writes succeed offline.
type Collection[E models.Entity] struct {
	engine *Engine
	kind   models.EntityKind
	local  syncer.LocalStore[E]
	syncer *syncer.Syncer[E]
}

func (c *Collection[E]) Kind() models.EntityKind { return c.kind }

func (c *Collection[E]) Get(ctx context.Context, id string) (E, bool, error) {
	var zero E
	lctx, err := c.engine.deps.Session.Context(ctx)
	if err != nil {
		return zero, false, err
	}
	return c.local.Get(lctx, id)
}

// List returns the records in the given sync states, or every live record when
// none are given.
func (c *Collection[E]) List(ctx context.Context, statuses ...models.SyncStatus) ([]E, error) {
	lctx, err := c.engine.deps.Session.Context(ctx)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		statuses = []models.SyncStatus{
			models.SyncStatusLocalOnly,
			models.SyncStatusPendingUpload,
			models.SyncStatusSynced,
			models.SyncStatusStale,
		}
	}
	return c.local.ListByStatus(lctx, statuses...)
}

// Save stamps e as a local edit, stores it and queues its upload. A missing id is
// generated.
func (c *Collection[E]) Save(ctx context.Context, e E) error {
	lctx, err := c.engine.deps.Session.Context(ctx)
	if err != nil {
		return err
	}
	tenantID, err := c.engine.deps.Session.TenantID(lctx)
	if err != nil {
		return err
	}
	q, err := c.engine.currentQueue()
	if err != nil {
		return err
	}

	m := e.Meta()
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if m.TenantId != "" && m.TenantId != tenantID {
		return syncerr.ValidationCause("engine.save", fmt.Errorf("%s %s belongs to another tenant", c.kind, m.ID))
	}
	m.TenantId = tenantID
	m.Touch(c.engine.deps.Now())

	err = c.engine.writer.Do(lctx, func(ctx context.Context) error {
		return c.local.Save(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("%s: save %s: %w", c.kind, m.ID, err)
	}

	id := m.ID
	_, err = q.Enqueue(lctx, models.SyncOperation{
		Type:       models.OpUploadEntity,
		EntityKind: c.kind,
		EntityId:   &id,
	})
	return err
}

// Delete removes id locally and queues its remote soft-delete.
func (c *Collection[E]) Delete(ctx context.Context, id string) error {
	lctx, err := c.engine.deps.Session.Context(ctx)
	if err != nil {
		return err
	}
	q, err := c.engine.currentQueue()
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return syncerr.Validation("engine.delete", "id")
	}
	// queued in the same writer job so no merge sees the record gone without
	// its pending delete
	err = c.engine.writer.Do(lctx, func(ctx context.Context) error {
		if _, err := c.local.Delete(ctx, id); err != nil {
			return err
		}
		_, err := q.Enqueue(lctx, models.SyncOperation{
			Type:       models.OpDeleteEntity,
			EntityKind: c.kind,
			EntityId:   &id,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: delete %s: %w", c.kind, id, err)
	}
	return nil
}

// Syncer exposes the kind's syncer for direct, unqueued operations.
func (c *Collection[E]) Syncer() *syncer.Syncer[E] { return c.syncer }
