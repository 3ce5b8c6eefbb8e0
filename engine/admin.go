package engine

import (
	"context"
	"errors"

	"github.com/mmdatafocus/pos_sync/coordinator"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/queue"
	"github.com/mmdatafocus/pos_sync/reachability"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Status struct {
	TenantId     string              `json:"tenant_id,omitempty"`
	Online       bool                `json:"online"`
	Reachability reachability.Status `json:"reachability"`
	Queue        *queue.Stats        `json:"queue,omitempty"`
	Coordinator  coordinator.Status  `json:"coordinator"`
}

func (e *Engine) Status() Status {
	st := Status{
		Online:       e.monitor.IsOnline(),
		Reachability: e.monitor.Status(),
		Coordinator:  e.coord.Status(),
	}
	if q, err := e.currentQueue(); err == nil {
		stats := q.Stats()
		st.Queue = &stats
		st.TenantId = q.TenantID()
	}
	return st
}

// RefreshNow runs one full pull of every kind, in push or poll mode alike.
func (e *Engine) RefreshNow(ctx context.Context) error {
	if _, err := e.currentQueue(); err != nil {
		return err
	}
	return e.coord.RefreshNow(ctx)
}

func (e *Engine) FailedOps() ([]models.SyncOperation, error) {
	q, err := e.currentQueue()
	if err != nil {
		return nil, err
	}
	return q.Failed(), nil
}

func (e *Engine) PendingOps() ([]models.SyncOperation, error) {
	q, err := e.currentQueue()
	if err != nil {
		return nil, err
	}
	return q.Pending(), nil
}

func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	q, err := e.currentQueue()
	if err != nil {
		return 0, err
	}
	return q.RetryFailed(ctx)
}

// ClearQueue drops pending operations that have not started.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	q, err := e.currentQueue()
	if err != nil {
		return 0, err
	}
	return q.ClearQueue(ctx)
}

// RequestFullResync queues a download of whole collections, every kind when
// kinds is empty. The coordinator's watermarks are reset so the next incremental
// pass starts over as well.
func (e *Engine) RequestFullResync(ctx context.Context, kinds ...models.EntityKind) (int, error) {
	q, err := e.currentQueue()
	if err != nil {
		return 0, err
	}
	if len(kinds) == 0 {
		kinds = models.AllKinds
	}
	for _, k := range kinds {
		if !k.Valid() {
			return 0, syncerr.Validation("engine.resync", "kind")
		}
	}
	e.coord.ResetWatermarks()
	for i, k := range kinds {
		if _, err := q.Enqueue(ctx, models.SyncOperation{Type: models.OpDownloadCollection, EntityKind: k}); err != nil {
			return i, err
		}
	}
	return len(kinds), nil
}

// PushPending batch-uploads every record with unacknowledged local changes,
// outside the queue. Kinds run concurrently and their failures are joined.
func (e *Engine) PushPending(ctx context.Context) (map[models.EntityKind]int, error) {
	if _, err := e.currentQueue(); err != nil {
		return nil, err
	}
	counts := make([]int, len(models.AllKinds))
	errs := make([]error, len(models.AllKinds))
	var g errgroup.Group
	for i, kind := range models.AllKinds {
		h := e.handles[kind]
		g.Go(func() error {
			counts[i], errs[i] = h.PushPending(ctx)
			return nil
		})
	}
	_ = g.Wait()

	out := map[models.EntityKind]int{}
	for i, kind := range models.AllKinds {
		if counts[i] > 0 {
			out[kind] = counts[i]
		}
	}
	e.logger.WithFields(logrus.Fields{"field": "Engine", "pushed": out}).Info("pending records pushed")
	return out, errors.Join(errs...)
}
