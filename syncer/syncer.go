// Package syncer is the per-kind entity synchronizer: upload, download and merge of
// one entity kind between the local replica and the remote store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/localstore"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/session"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

// LocalStore is the local replica API for one kind. localstore.Store and
// localstore.Memory implement it.
type LocalStore[E models.Entity] interface {
	Get(ctx context.Context, id string) (E, bool, error)
	Save(ctx context.Context, e E) error
	Delete(ctx context.Context, id string) (bool, error)
	ListByStatus(ctx context.Context, statuses ...models.SyncStatus) ([]E, error)
}

// RemoteTable is the remote store API for one kind, implemented by remote.Table.
type RemoteTable interface {
	Upsert(ctx context.Context, tenantID string, row remote.Row, base *time.Time) (time.Time, error)
	UpsertBatch(ctx context.Context, tenantID string, rows []remote.Row) (map[string]time.Time, error)
	List(ctx context.Context, tenantID string, since *time.Time) ([]remote.Row, error)
	Get(ctx context.Context, tenantID, id string) (remote.Row, bool, error)
	ListDeleted(ctx context.Context, tenantID string, since *time.Time) ([]remote.Tombstone, error)
	SoftDelete(ctx context.Context, tenantID, id string) (time.Time, error)
}

type Options struct {
	BatchSize int
	Logger    *logrus.Logger
	// OnRemoteDelete runs after a remote soft-delete removed a local record.
	OnRemoteDelete func(kind models.EntityKind, id string)
	// DeletePending reports a local delete of id that has not reached the remote
	// store yet. A merge never recreates such a record.
	DeletePending func(kind models.EntityKind, id string) bool
	// OnUploadConflict runs when a batched record turns out to have changed on
	// the remote side since its last sync. The record is left unacknowledged.
	OnUploadConflict func(kind models.EntityKind, id string)
}

type Syncer[E models.Entity] struct {
	codec    Codec[E]
	local    LocalStore[E]
	remote   RemoteTable
	tenants  session.Provider
	writer   *localstore.Writer
	validate *validator.Validate
	inflight *inflight
	opts     Options

	// deleted holds tenant/id of records this device soft-deleted whose tombstone
	// has not been pulled back yet; a live row of one is a stale listing.
	deleted sync.Map
}

// New builds the syncer for one kind. writer must be shared by every syncer of
// the same replica so all local mutation is serialized.
func New[E models.Entity](codec Codec[E], local LocalStore[E], rt RemoteTable, tenants session.Provider, writer *localstore.Writer, opts Options) *Syncer[E] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	return &Syncer[E]{
		codec:    codec,
		local:    local,
		remote:   rt,
		tenants:  tenants,
		writer:   writer,
		validate: utils.NewValidator(),
		inflight: newInflight(),
		opts:     opts,
	}
}

func (s *Syncer[E]) Kind() models.EntityKind { return s.codec.Kind() }

func (s *Syncer[E]) op(name string) string { return string(s.codec.Kind()) + "." + name }

// scope resolves the session tenant and returns ctx carrying it for the replica.
func (s *Syncer[E]) scope(ctx context.Context) (context.Context, string, error) {
	tenantID, err := s.tenants.TenantID(ctx)
	if err != nil {
		return ctx, "", err
	}
	return utils.SetTenantIdInContext(ctx, tenantID), tenantID, nil
}

func (s *Syncer[E]) toRow(op, tenantID string, e E) (remote.Row, error) {
	m := e.Meta()
	if m.ID == "" {
		return nil, syncerr.Validation(op, "id")
	}
	if m.TenantId != "" && m.TenantId != tenantID {
		return nil, syncerr.ValidationCause(op, fmt.Errorf("record %s belongs to another tenant", m.ID))
	}
	if err := s.validate.Struct(e); err != nil {
		if fields := utils.ValidationFields(err); len(fields) > 0 {
			return nil, syncerr.Validation(op, fields...)
		}
		return nil, syncerr.ValidationCause(op, err)
	}
	row, err := s.codec.ToRemote(e)
	if err != nil {
		return nil, syncerr.ValidationCause(op, err)
	}
	row["id"] = m.ID
	return row, nil
}

// Upload upserts e for the session tenant and marks the local record synced with
// the server-assigned timestamp. A record synced before carries its lastSyncedAt as
// the optimistic base: if the remote row changed after it, a ConflictError is returned.
func (s *Syncer[E]) Upload(ctx context.Context, e E) error {
	return s.upload(ctx, e, false)
}

// ForceUpload is Upload without the optimistic base; the local version overwrites
// the remote one. Used by the local-wins conflict strategy.
func (s *Syncer[E]) ForceUpload(ctx context.Context, e E) error {
	return s.upload(ctx, e, true)
}

func (s *Syncer[E]) upload(ctx context.Context, e E, force bool) error {
	op := s.op("upload")
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return err
	}
	row, err := s.toRow(op, tenantID, e)
	if err != nil {
		return err
	}

	m := e.Meta()
	release := s.inflight.begin(m.ID)
	defer release()

	base := m.LastSyncedAt
	if force {
		base = nil
	}
	serverTime, err := s.remote.Upsert(ctx, tenantID, row, base)
	if err != nil {
		return err
	}
	if err := s.ack(lctx, tenantID, e, serverTime); err != nil {
		return fmt.Errorf("%s: ack %s: %w", op, m.ID, err)
	}
	return nil
}

// ack records a remote acknowledgement. A record edited again while the upload was
// in flight keeps its pending state; only its base moves to the new server time.
func (s *Syncer[E]) ack(ctx context.Context, tenantID string, sent E, serverTime time.Time) error {
	sentMeta := *sent.Meta()
	sent.Meta().TenantId = tenantID
	sent.Meta().MarkSynced(serverTime)
	return s.writer.Do(ctx, func(ctx context.Context) error {
		cur, found, err := s.local.Get(ctx, sentMeta.ID)
		if err != nil || !found {
			return err
		}
		cm := cur.Meta()
		if cm.UpdatedAt.Equal(sentMeta.UpdatedAt) && cm.SyncStatus == sentMeta.SyncStatus {
			cm.TenantId = tenantID
			cm.MarkSynced(serverTime)
		} else {
			t := serverTime.UTC()
			cm.LastSyncedAt = &t
		}
		return s.local.Save(ctx, cur)
	})
}

// UploadID uploads the current local version of id. A record that is gone or
// already synced needs no upload.
func (s *Syncer[E]) UploadID(ctx context.Context, id string) error {
	return s.uploadID(ctx, id, false)
}

func (s *Syncer[E]) ForceUploadID(ctx context.Context, id string) error {
	return s.uploadID(ctx, id, true)
}

func (s *Syncer[E]) uploadID(ctx context.Context, id string, force bool) error {
	lctx, _, err := s.scope(ctx)
	if err != nil {
		return err
	}
	e, found, err := s.local.Get(lctx, id)
	if err != nil {
		return fmt.Errorf("%s: load %s: %w", s.op("upload"), id, err)
	}
	if !found || (!force && !e.Meta().NeedsUpload()) {
		return nil
	}
	return s.upload(ctx, e, force)
}

// BatchUpload uploads records in chunks of the configured batch size, one remote
// call per chunk. A batch write carries no optimistic base, so only records the
// remote store never acknowledged go into a chunk; records synced before are
// uploaded one at a time against their lastSyncedAt and a conflict there goes to
// OnUploadConflict. Invalid records are skipped and reported together at the end;
// a transport failure stops the remaining work.
func (s *Syncer[E]) BatchUpload(ctx context.Context, records []E) error {
	op := s.op("batch_upload")
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return err
	}

	var skipped []error
	type prepared struct {
		e   E
		row remote.Row
	}
	fresh := make([]prepared, 0, len(records))
	var single []E
	for _, e := range records {
		row, err := s.toRow(op, tenantID, e)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if e.Meta().LastSyncedAt != nil {
			single = append(single, e)
			continue
		}
		fresh = append(fresh, prepared{e: e, row: row})
	}

	for start := 0; start < len(fresh); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(fresh))
		chunk := fresh[start:end]

		rows := make([]remote.Row, len(chunk))
		releases := make([]func(), len(chunk))
		for i, p := range chunk {
			rows[i] = p.row
			releases[i] = s.inflight.begin(p.e.Meta().ID)
		}
		acked, err := s.remote.UpsertBatch(ctx, tenantID, rows)
		if err == nil {
			for _, p := range chunk {
				id := p.e.Meta().ID
				serverTime, ok := acked[id]
				if !ok {
					// filtered by the tenant or tombstone guard; a single write says which
					single = append(single, p.e)
					continue
				}
				if ackErr := s.ack(lctx, tenantID, p.e, serverTime); ackErr != nil {
					err = fmt.Errorf("%s: ack %s: %w", op, id, ackErr)
					break
				}
			}
		}
		for _, release := range releases {
			release()
		}
		if err != nil {
			return errors.Join(append([]error{err}, skipped...)...)
		}
	}

	for _, e := range single {
		err := s.upload(ctx, e, false)
		switch {
		case err == nil:
		case syncerr.KindOf(err) == syncerr.KindConflict && s.opts.OnUploadConflict != nil:
			s.opts.OnUploadConflict(s.codec.Kind(), e.Meta().ID)
		case syncerr.KindOf(err) == syncerr.KindConflict, syncerr.KindOf(err) == syncerr.KindValidation:
			skipped = append(skipped, err)
		default:
			return errors.Join(append([]error{err}, skipped...)...)
		}
	}
	return errors.Join(skipped...)
}

// PushPending batch-uploads every local record with unacknowledged changes.
func (s *Syncer[E]) PushPending(ctx context.Context) (int, error) {
	lctx, _, err := s.scope(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := s.local.ListByStatus(lctx, models.SyncStatusLocalOnly, models.SyncStatusPendingUpload)
	if err != nil {
		return 0, fmt.Errorf("%s: list pending: %w", s.op("push_pending"), err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return len(pending), s.BatchUpload(ctx, pending)
}

// DeleteID soft-deletes id remotely and removes whatever is left of it locally.
func (s *Syncer[E]) DeleteID(ctx context.Context, id string) error {
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return err
	}
	if id == "" {
		return syncerr.Validation(s.op("delete"), "id")
	}
	if _, err := s.remote.SoftDelete(ctx, tenantID, id); err != nil {
		return err
	}
	s.deleted.Store(tenantID+"/"+id, struct{}{})
	return s.writer.Do(lctx, func(ctx context.Context) error {
		_, err := s.local.Delete(ctx, id)
		return err
	})
}

// Download fetches the tenant's live remote records, optionally only those
// modified after since. Rows of another tenant are dropped.
func (s *Syncer[E]) Download(ctx context.Context, since *time.Time) ([]E, error) {
	_, tenantID, err := s.scope(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.remote.List(ctx, tenantID, since)
	if err != nil {
		return nil, err
	}
	out := make([]E, 0, len(rows))
	for _, row := range rows {
		e, err := s.decode(tenantID, row)
		if err != nil {
			s.logDecode(row, err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var errForeignTenant = errors.New("remote row belongs to another tenant")

func (s *Syncer[E]) decode(tenantID string, row remote.Row) (E, error) {
	if str(row, "tenant_id") != tenantID {
		var zero E
		return zero, errForeignTenant
	}
	return s.codec.FromRemote(row)
}

func (s *Syncer[E]) logDecode(row remote.Row, err error) {
	s.opts.Logger.WithFields(logrus.Fields{
		"field":     "Syncer",
		"kind":      s.codec.Kind(),
		"entity_id": str(row, "id"),
	}).Warn("skipping remote row: " + err.Error())
}

// Merge applies one remote record to the replica. If an upload of the same id is
// in flight, the merge waits for it and plans against the record as it stands after.
func (s *Syncer[E]) Merge(ctx context.Context, rec E) (MergeAction, error) {
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return MergeNoop, err
	}
	return s.merge(lctx, tenantID, rec)
}

var errUploadInFlight = errors.New("upload in flight")

func (s *Syncer[E]) merge(ctx context.Context, tenantID string, rec E) (MergeAction, error) {
	id := rec.Meta().ID
	if rec.Meta().DeletedAt != nil {
		s.deleted.Delete(tenantID + "/" + id)
	}
	for {
		if err := s.inflight.wait(ctx, id); err != nil {
			return MergeNoop, err
		}
		var action MergeAction
		err := s.writer.Do(ctx, func(ctx context.Context) error {
			// an upload may have started between wait and this job
			if s.inflight.busy(id) {
				return errUploadInFlight
			}
			local, found, err := s.local.Get(ctx, id)
			if err != nil {
				return err
			}
			action = Plan(local, found, rec, tenantID)
			if action == MergeCreate && s.deletedHere(tenantID, id) {
				action = MergeNoop
			}
			return s.apply(ctx, action, local, rec)
		})
		if errors.Is(err, errUploadInFlight) {
			continue
		}
		if err != nil {
			return MergeNoop, fmt.Errorf("%s: %s %s: %w", s.op("merge"), action, id, err)
		}
		if action == MergeDelete && s.opts.OnRemoteDelete != nil {
			s.opts.OnRemoteDelete(s.codec.Kind(), id)
		}
		return action, nil
	}
}

// deletedHere reports a local delete of id that is queued, or applied remotely but
// not yet seen back as a tombstone.
func (s *Syncer[E]) deletedHere(tenantID, id string) bool {
	if s.opts.DeletePending != nil && s.opts.DeletePending(s.codec.Kind(), id) {
		return true
	}
	_, ok := s.deleted.Load(tenantID + "/" + id)
	return ok
}

// apply runs on the writer goroutine.
func (s *Syncer[E]) apply(ctx context.Context, action MergeAction, local, rec E) error {
	switch action {
	case MergeCreate, MergeUpdateLocal:
		m := rec.Meta()
		if action == MergeUpdateLocal && !local.Meta().CreatedAt.IsZero() {
			m.CreatedAt = local.Meta().CreatedAt
		}
		m.MarkSynced(m.UpdatedAt)
		return s.local.Save(ctx, rec)
	case MergeDelete:
		_, err := s.local.Delete(ctx, rec.Meta().ID)
		return err
	case MergeRejectTenant:
		s.opts.Logger.WithFields(logrus.Fields{
			"field":     "Syncer",
			"kind":      s.codec.Kind(),
			"entity_id": rec.Meta().ID,
		}).Warn("rejected remote record of another tenant")
	}
	return nil
}

// MergeRow decodes and merges one remote row, as delivered by a change event.
func (s *Syncer[E]) MergeRow(ctx context.Context, row remote.Row) (MergeAction, error) {
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return MergeNoop, err
	}
	e, err := s.decode(tenantID, row)
	if errors.Is(err, errForeignTenant) {
		s.logDecode(row, err)
		return MergeRejectTenant, nil
	}
	if err != nil {
		return MergeNoop, syncerr.ValidationCause(s.op("merge"), err)
	}
	return s.merge(lctx, tenantID, e)
}

// ApplyRemoteDelete removes id from the replica after a remote soft-delete.
// It reports whether a local record was removed.
func (s *Syncer[E]) ApplyRemoteDelete(ctx context.Context, id string) (bool, error) {
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return false, err
	}
	s.deleted.Delete(tenantID + "/" + id)
	for {
		if err := s.inflight.wait(lctx, id); err != nil {
			return false, err
		}
		var removed bool
		err := s.writer.Do(lctx, func(ctx context.Context) error {
			if s.inflight.busy(id) {
				return errUploadInFlight
			}
			var err error
			removed, err = s.local.Delete(ctx, id)
			return err
		})
		if errors.Is(err, errUploadInFlight) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%s: %w", s.op("remote_delete"), err)
		}
		if removed && s.opts.OnRemoteDelete != nil {
			s.opts.OnRemoteDelete(s.codec.Kind(), id)
		}
		return removed, nil
	}
}

// PullResult summarizes one download-and-merge pass.
type PullResult struct {
	Kind      models.EntityKind
	Created   int
	Updated   int
	Deleted   int
	Unchanged int
	Rejected  int
	Failed    int
	// Watermark is the since value for the next incremental pull.
	Watermark *time.Time
}

func (r *PullResult) count(a MergeAction) {
	switch a {
	case MergeCreate:
		r.Created++
	case MergeUpdateLocal:
		r.Updated++
	case MergeDelete:
		r.Deleted++
	case MergeRejectTenant:
		r.Rejected++
	default:
		r.Unchanged++
	}
}

// streamMark follows the successful prefix of one ordered remote listing.
type streamMark struct {
	last    *time.Time
	stalled bool
}

func (m *streamMark) advance(t time.Time) {
	if m.stalled {
		return
	}
	if m.last == nil || t.After(*m.last) {
		t := t
		m.last = &t
	}
}

// Pull downloads live records and tombstones modified after since and merges them.
// The returned watermark never passes a record that failed to merge.
func (s *Syncer[E]) Pull(ctx context.Context, since *time.Time) (PullResult, error) {
	res := PullResult{Kind: s.codec.Kind(), Watermark: since}
	lctx, tenantID, err := s.scope(ctx)
	if err != nil {
		return res, err
	}

	rows, err := s.remote.List(ctx, tenantID, since)
	if err != nil {
		return res, err
	}
	live := streamMark{last: since}
	for _, row := range rows {
		action, err := s.mergeRemoteRow(lctx, tenantID, row)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			live.stalled = true
			config.LogError(s.opts.Logger, "Syncer", "Pull", "merge", str(row, "id"), err)
			continue
		}
		res.count(action)
		if t, _ := timeOf(row["updated_at"]); t != nil {
			live.advance(*t)
		}
	}

	tombs, err := s.remote.ListDeleted(ctx, tenantID, since)
	if err != nil {
		return res, err
	}
	deleted := streamMark{last: since}
	for _, ts := range tombs {
		removed, err := s.ApplyRemoteDelete(lctx, ts.ID)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			deleted.stalled = true
			config.LogError(s.opts.Logger, "Syncer", "Pull", "remote delete", ts.ID, err)
			continue
		}
		if removed {
			res.Deleted++
		}
		deleted.advance(ts.DeletedAt)
	}

	res.Watermark = combineMarks(since, live, deleted)
	return res, nil
}

func (s *Syncer[E]) mergeRemoteRow(ctx context.Context, tenantID string, row remote.Row) (MergeAction, error) {
	e, err := s.decode(tenantID, row)
	if errors.Is(err, errForeignTenant) {
		s.logDecode(row, err)
		return MergeRejectTenant, nil
	}
	if err != nil {
		return MergeNoop, err
	}
	return s.merge(ctx, tenantID, e)
}

// combineMarks takes the furthest point both listings have fully reached.
func combineMarks(since *time.Time, marks ...streamMark) *time.Time {
	var stalledMin, furthest *time.Time
	for _, m := range marks {
		if m.last == nil {
			continue
		}
		if m.stalled && (stalledMin == nil || m.last.Before(*stalledMin)) {
			stalledMin = m.last
		}
		if furthest == nil || m.last.After(*furthest) {
			furthest = m.last
		}
	}
	for _, m := range marks {
		if m.stalled && m.last == nil {
			return since
		}
	}
	if stalledMin != nil {
		return stalledMin
	}
	return furthest
}

// Fetch returns the remote version of id for the session tenant.
func (s *Syncer[E]) Fetch(ctx context.Context, id string) (E, bool, error) {
	var zero E
	_, tenantID, err := s.scope(ctx)
	if err != nil {
		return zero, false, err
	}
	row, found, err := s.remote.Get(ctx, tenantID, id)
	if err != nil || !found {
		return zero, false, err
	}
	e, err := s.decode(tenantID, row)
	if err != nil {
		return zero, false, syncerr.ValidationCause(s.op("fetch"), err)
	}
	return e, true, nil
}

// TakeRemote overwrites the local record of id with the remote version regardless
// of timestamps. A remote record that is gone or soft-deleted removes the local one.
func (s *Syncer[E]) TakeRemote(ctx context.Context, id string) error {
	lctx, _, err := s.scope(ctx)
	if err != nil {
		return err
	}
	rec, found, err := s.Fetch(ctx, id)
	if err != nil {
		return err
	}
	return s.writer.Do(lctx, func(ctx context.Context) error {
		if !found || rec.Meta().DeletedAt != nil {
			_, err := s.local.Delete(ctx, id)
			return err
		}
		local, localFound, err := s.local.Get(ctx, id)
		if err != nil {
			return err
		}
		action := MergeCreate
		if localFound {
			action = MergeUpdateLocal
		}
		return s.apply(ctx, action, local, rec)
	})
}

// SetStatus changes the sync status of a local record.
func (s *Syncer[E]) SetStatus(ctx context.Context, id string, status models.SyncStatus) error {
	lctx, _, err := s.scope(ctx)
	if err != nil {
		return err
	}
	return s.writer.Do(lctx, func(ctx context.Context) error {
		e, found, err := s.local.Get(ctx, id)
		if err != nil || !found {
			return err
		}
		e.Meta().SyncStatus = status
		return s.local.Save(ctx, e)
	})
}

// Comparison is both sides of one record, as remote rows, for conflict handling.
type Comparison struct {
	ID              string
	Local           remote.Row
	Remote          remote.Row
	LocalUpdatedAt  time.Time
	RemoteUpdatedAt time.Time
	LastSyncedAt    *time.Time
	LocalFound      bool
	RemoteFound     bool
	// RemoteDeleted reports a soft-deleted remote row. Such a row is never
	// overwritten, so the local side has to follow it.
	RemoteDeleted bool
}

func (s *Syncer[E]) Compare(ctx context.Context, id string) (Comparison, error) {
	cmp := Comparison{ID: id}
	lctx, _, err := s.scope(ctx)
	if err != nil {
		return cmp, err
	}
	local, found, err := s.local.Get(lctx, id)
	if err != nil {
		return cmp, err
	}
	if found {
		if cmp.Local, err = s.codec.ToRemote(local); err != nil {
			return cmp, syncerr.ValidationCause(s.op("compare"), err)
		}
		cmp.LocalFound = true
		cmp.LocalUpdatedAt = local.Meta().UpdatedAt
		cmp.LastSyncedAt = local.Meta().LastSyncedAt
	}
	rec, found, err := s.Fetch(ctx, id)
	if err != nil {
		return cmp, err
	}
	if found {
		if cmp.Remote, err = s.codec.ToRemote(rec); err != nil {
			return cmp, syncerr.ValidationCause(s.op("compare"), err)
		}
		cmp.RemoteFound = true
		cmp.RemoteUpdatedAt = rec.Meta().UpdatedAt
		cmp.RemoteDeleted = rec.Meta().DeletedAt != nil
	}
	return cmp, nil
}
