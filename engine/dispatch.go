package engine

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/pos_sync/backoff"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/conflict"
	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// rowComparer compares remote-form rows. Bookkeeping columns never count as a
// divergence; the money columns of every kind compare within half a cent.
func rowComparer() conflict.Comparer {
	c := conflict.NewComparer("estimated_cost", "price", "cost")
	for _, f := range []string{"id", "tenant_id", "updated_at", "deleted_at", "created_at", "sync_status", "last_synced_at"} {
		c.Ignore[f] = true
	}
	return c
}

// dispatch is the queue handler: it runs one operation against the syncer of its kind.
func (e *Engine) dispatch(ctx context.Context, op models.SyncOperation) (err error) {
	ctx, span := tracer.Start(ctx, "sync."+string(op.Type), trace.WithAttributes(
		attribute.String("sync.kind", string(op.EntityKind)),
		attribute.String("sync.entity_id", op.TargetId()),
		attribute.Int("sync.attempt", op.AttemptCount+1),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	h, ok := e.handles[op.EntityKind]
	if !ok {
		return syncerr.Validation("engine.dispatch", "entity_kind")
	}
	ctx = utils.SetCorrelationIdInContext(ctx, op.ID)

	switch op.Type {
	case models.OpUploadEntity:
		if err = h.UploadID(ctx, op.TargetId()); err == nil {
			e.announce(ctx, op, feed.OpUpdate)
		}
	case models.OpDeleteEntity:
		if err = h.DeleteID(ctx, op.TargetId()); err == nil {
			e.announce(ctx, op, feed.OpDelete)
		}
	case models.OpDownloadCollection:
		var res syncer.PullResult
		if res, err = h.Pull(ctx, nil); err == nil {
			e.logger.WithFields(logrus.Fields{
				"field":  "Engine",
				"kind":   op.EntityKind,
				"result": res,
			}).Info("collection downloaded")
		}
	default:
		err = syncerr.Validation("engine.dispatch", "type")
	}
	return err
}

// announce publishes the change to other devices of the tenant. Delivery is best
// effort: the remote write already happened and peers also poll.
func (e *Engine) announce(ctx context.Context, op models.SyncOperation, kind feed.Op) {
	pub := e.deps.Publisher
	if pub == nil || !config.ChangePublishEnabled() {
		return
	}
	tenantID, err := e.deps.Session.TenantID(ctx)
	if err != nil {
		return
	}
	ev := feed.ChangeEvent{
		TenantId: tenantID,
		Kind:     op.EntityKind,
		Op:       kind,
		ID:       op.TargetId(),
		At:       e.deps.Now().UTC(),
		Origin:   e.deps.Settings.DeviceId,
	}
	e.publishing.Add(1)
	go func() {
		defer e.publishing.Done()
		pctx := context.WithoutCancel(ctx)
		err := backoff.Retry(pctx, e.publish, func(ctx context.Context) error {
			return pub.Publish(ctx, ev)
		})
		if err != nil {
			config.LogError(e.logger, "Engine", "announce", "publish change", ev, err)
		}
	}()
}

// onConflict settles an upload the remote store rejected because the remote
// record moved past the local base version or was deleted. A nil return completes
// the operation.
func (e *Engine) onConflict(ctx context.Context, op models.SyncOperation, cause error) error {
	h, ok := e.handles[op.EntityKind]
	if !ok || op.Type != models.OpUploadEntity {
		return cause
	}
	id := op.TargetId()
	cmp, err := h.Compare(ctx, id)
	if err != nil {
		return err
	}
	if !cmp.LocalFound {
		return nil
	}
	if cmp.RemoteDeleted {
		// a delete wins over any edit; the local copy and its queued work go
		e.logger.WithFields(logrus.Fields{
			"field":     "Engine",
			"kind":      op.EntityKind,
			"entity_id": id,
		}).Warn("upload hit a remotely deleted record")
		_, err := h.ApplyRemoteDelete(ctx, id)
		return err
	}
	if !cmp.RemoteFound {
		return h.ForceUploadID(ctx, id)
	}

	rec, diverged := e.comparer.Detect(id, id,
		conflict.FieldSet(cmp.Local), conflict.FieldSet(cmp.Remote),
		cmp.LocalUpdatedAt, cmp.RemoteUpdatedAt)
	if !diverged {
		// both sides carry the same values; adopt the remote timestamps
		return h.TakeRemote(ctx, id)
	}

	outcome, err := conflict.Decide(e.strategy, rec)
	if err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"field":     "Engine",
		"kind":      op.EntityKind,
		"entity_id": id,
		"fields":    rec.Fields,
		"strategy":  e.strategy,
		"outcome":   outcome.String(),
	}).Warn("upload conflict")

	switch outcome {
	case conflict.KeepLocal:
		if err := h.ForceUploadID(ctx, id); err != nil {
			return err
		}
		e.announce(ctx, op, feed.OpUpdate)
		return nil
	case conflict.TakeExternal:
		return h.TakeRemote(ctx, id)
	default:
		if err := h.SetStatus(ctx, id, models.SyncStatusStale); err != nil {
			return err
		}
		return syncerr.Conflict("engine.resolve", rec.Fields, fmt.Errorf("%s %s left for manual resolution", op.EntityKind, id))
	}
}
