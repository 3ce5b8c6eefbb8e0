// Package queue is the durable offline mutation queue. Every local mutation is
// queued here first and applied to the remote store when the device is online.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pos_sync/backoff"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Handler applies one operation to the remote store.
type Handler func(ctx context.Context, op models.SyncOperation) error

// ConflictHandler resolves an operation that failed with a ConflictError. A nil
// result completes the operation; a ConflictError parks it in the failed queue;
// any other error is retried like a transport failure.
type ConflictHandler func(ctx context.Context, op models.SyncOperation, err error) error

type Options struct {
	Policy      backoff.Policy
	Concurrency int
	Logger      *logrus.Logger
	OnConflict  ConflictHandler
	// Online gates draining; nil means always online.
	Online func() bool
	Now    func() time.Time
}

type Stats struct {
	Pending     int        `json:"pending"`
	InProgress  int        `json:"in_progress"`
	Failed      int        `json:"failed"`
	Blocked     bool       `json:"blocked"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Queue holds the pending and failed operations of one tenant.
//
// Operations with the same key (entity kind and id) run strictly in submission
// order; the head of each key runs concurrently with the heads of other keys. A
// failing operation waits out its own backoff without holding up other keys.
type Queue struct {
	store    Store
	tenantID string
	handler  Handler
	opts     Options

	mu      sync.Mutex
	pending []*models.SyncOperation
	failed  []*models.SyncOperation
	blocked bool
	// discarded holds running operations whose target went away meanwhile.
	discarded map[string]bool

	draining sync.Mutex
	rerun    atomic.Bool
	kick     chan struct{}
}

func New(store Store, tenantID string, handler Handler, opts Options) *Queue {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = backoff.DefaultPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		store:     store,
		tenantID:  tenantID,
		handler:   handler,
		opts:      opts,
		kick:      make(chan struct{}, 1),
		discarded: map[string]bool{},
	}
}

func (q *Queue) TenantID() string { return q.tenantID }

// Load restores both lists from the store. Operations that were in progress when
// the process stopped are pending again.
func (q *Queue) Load(ctx context.Context) error {
	pending, err := q.store.Load(ctx, q.tenantID, models.QueuePending)
	if err != nil {
		return err
	}
	failed, err := q.store.Load(ctx, q.tenantID, models.QueueFailed)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = q.pending[:0]
	for i := range pending {
		op := pending[i]
		if op.Status == models.OpStatusInProgress {
			op.Status = models.OpStatusPending
		}
		q.pending = append(q.pending, &op)
	}
	q.failed = q.failed[:0]
	for i := range failed {
		op := failed[i]
		q.failed = append(q.failed, &op)
	}
	return nil
}

func snapshotOf(ops []*models.SyncOperation) []models.SyncOperation {
	out := make([]models.SyncOperation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// persistLocked writes both lists. Callers hold q.mu, so snapshots reach the
// store in mutation order.
func (q *Queue) persistLocked(ctx context.Context) error {
	if err := q.store.Save(ctx, q.tenantID, models.QueuePending, snapshotOf(q.pending)); err != nil {
		return err
	}
	return q.store.Save(ctx, q.tenantID, models.QueueFailed, snapshotOf(q.failed))
}

func (q *Queue) persistOrLog(ctx context.Context, funcName string) {
	// a cancelled caller must not lose the snapshot
	if err := q.persistLocked(context.WithoutCancel(ctx)); err != nil {
		config.LogError(q.opts.Logger, "Queue", funcName, "persist", q.tenantID, err)
	}
}

// Enqueue appends op and wakes the drain loop. An upload of an entity whose last
// queued operation is an untouched upload of the same entity is already covered,
// since uploads send the latest local version; that upload is returned instead.
func (q *Queue) Enqueue(ctx context.Context, op models.SyncOperation) (models.SyncOperation, error) {
	if !op.EntityKind.Valid() {
		return op, syncerr.Validation("queue.enqueue", "entity_kind")
	}
	if op.Type != models.OpDownloadCollection && op.TargetId() == "" {
		return op, syncerr.Validation("queue.enqueue", "entity_id")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	op.Status = models.OpStatusPending
	op.AttemptCount = 0
	op.NotBefore = nil
	op.FailedAt = nil
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.opts.Now().UTC()
	}

	q.mu.Lock()
	if last := q.lastForKeyLocked(op.Key()); last != nil && op.Type == models.OpUploadEntity &&
		last.Type == op.Type && last.Status == models.OpStatusPending && last.AttemptCount == 0 {
		dup := *last
		q.mu.Unlock()
		return dup, nil
	}
	q.pending = append(q.pending, &op)
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return op, err
	}
	q.Kick()
	return op, nil
}

func (q *Queue) lastForKeyLocked(key string) *models.SyncOperation {
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].Key() == key {
			return q.pending[i]
		}
	}
	return nil
}

// Kick wakes Run without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Resume clears the blocked state left by an Unauthenticated failure.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.blocked = false
	q.mu.Unlock()
	q.Kick()
}

func (q *Queue) online() bool {
	return q.opts.Online == nil || q.opts.Online()
}

// Drain runs every operation that is ready, pass after pass, until nothing more
// can make progress now. Operations waiting out a backoff delay stay queued. A
// concurrent call makes the running drain do another pass instead of waiting.
//
// An Unauthenticated failure stops the drain and is returned; the queue stays
// blocked until Resume.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.online() {
		return nil
	}
	for {
		if !q.draining.TryLock() {
			q.rerun.Store(true)
			return nil
		}
		err := q.drainLocked(ctx)
		q.draining.Unlock()
		if err != nil || !q.rerun.Load() {
			return err
		}
	}
}

func (q *Queue) drainLocked(ctx context.Context) error {
	for {
		q.rerun.Store(false)
		progressed, err := q.pass(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !progressed && !q.rerun.Load() {
			return nil
		}
	}
}

// readyHeadsLocked returns the first operation of each key when it is due, and
// marks them in progress.
func (q *Queue) readyHeadsLocked(now time.Time) []models.SyncOperation {
	seen := map[string]bool{}
	var heads []models.SyncOperation
	for _, op := range q.pending {
		key := op.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if op.Status != models.OpStatusPending {
			continue
		}
		if op.NotBefore != nil && op.NotBefore.After(now) {
			continue
		}
		op.Status = models.OpStatusInProgress
		heads = append(heads, *op)
	}
	return heads
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeDropped
	outcomeRetry
	outcomeFailed
	outcomeBlocked
	outcomeInterrupted
)

func (q *Queue) pass(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.blocked {
		q.mu.Unlock()
		return false, nil
	}
	heads := q.readyHeadsLocked(q.opts.Now())
	if len(heads) > 0 {
		q.persistOrLog(ctx, "pass")
	}
	q.mu.Unlock()
	if len(heads) == 0 {
		return false, nil
	}

	var (
		g           errgroup.Group
		progressed  atomic.Bool
		authErrOnce sync.Once
		authErr     error
	)
	g.SetLimit(q.opts.Concurrency)
	for _, op := range heads {
		op := op
		g.Go(func() error {
			err := q.run(ctx, op)
			switch q.settle(ctx, op, err) {
			case outcomeDone, outcomeDropped, outcomeFailed:
				progressed.Store(true)
			case outcomeBlocked:
				authErrOnce.Do(func() { authErr = err })
			}
			return nil
		})
	}
	_ = g.Wait()
	return progressed.Load(), authErr
}

func (q *Queue) run(ctx context.Context, op models.SyncOperation) error {
	if q.isBlocked() {
		return syncerr.Unauthenticated("queue")
	}
	// Pin the op to this queue's tenant so a session switched mid-drain fails
	// the scope check instead of writing into the new tenant.
	ctx = utils.SetTenantIdInContext(ctx, q.tenantID)
	err := q.handler(ctx, op)
	if err != nil && syncerr.KindOf(err) == syncerr.KindConflict {
		if q.opts.OnConflict == nil {
			return err
		}
		return q.opts.OnConflict(ctx, op, err)
	}
	return err
}

func (q *Queue) isBlocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blocked
}

// settle records the result of one run and persists the queue.
func (q *Queue) settle(ctx context.Context, ran models.SyncOperation, err error) outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer q.persistOrLog(ctx, "settle")

	idx := q.indexLocked(ran.ID)
	if idx < 0 {
		// discarded while running
		return outcomeDropped
	}
	op := q.pending[idx]
	if q.discarded[op.ID] {
		delete(q.discarded, op.ID)
		q.removeLocked(idx)
		return outcomeDropped
	}
	log := q.opts.Logger.WithFields(logrus.Fields{
		"field":     "Queue",
		"tenant_id": q.tenantID,
		"op_id":     op.ID,
		"kind":      op.EntityKind,
		"entity_id": op.TargetId(),
		"type":      op.Type,
	})

	if err == nil {
		q.removeLocked(idx)
		return outcomeDone
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		op.Status = models.OpStatusPending
		return outcomeInterrupted
	}

	msg := err.Error()
	switch syncerr.KindOf(err) {
	case syncerr.KindValidation:
		q.removeLocked(idx)
		config.LogError(q.opts.Logger, "Queue", "settle", "dropped invalid operation", op, err)
		return outcomeDropped
	case syncerr.KindUnauthenticated:
		op.Status = models.OpStatusPending
		op.LastError = &msg
		q.blocked = true
		log.Warn("no tenant session, queue blocked until resumed")
		return outcomeBlocked
	case syncerr.KindConflict:
		op.LastError = &msg
		q.failLocked(idx)
		log.Warn("conflict needs attention: " + msg)
		return outcomeFailed
	}

	op.AttemptCount++
	op.LastError = &msg
	if q.opts.Policy.Exhausted(op.AttemptCount) {
		q.failLocked(idx)
		log.WithField("attempt", op.AttemptCount).Error("retries exhausted: " + msg)
		return outcomeFailed
	}
	next := q.opts.Now().Add(q.opts.Policy.DelayFor(op.AttemptCount, err)).UTC()
	op.NotBefore = &next
	op.Status = models.OpStatusPending
	log.WithFields(logrus.Fields{"attempt": op.AttemptCount, "not_before": next}).Info("retry scheduled: " + msg)
	return outcomeRetry
}

func (q *Queue) indexLocked(id string) int {
	for i, op := range q.pending {
		if op.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(idx int) {
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
}

func (q *Queue) failLocked(idx int) {
	op := q.pending[idx]
	now := q.opts.Now().UTC()
	op.Status = models.OpStatusFailed
	op.FailedAt = &now
	op.NotBefore = nil
	q.removeLocked(idx)
	q.failed = append(q.failed, op)
}

// nextRetryLocked returns the earliest backoff deadline among pending operations.
func (q *Queue) nextRetryLocked() *time.Time {
	var next *time.Time
	for _, op := range q.pending {
		if op.Status == models.OpStatusPending && op.NotBefore != nil {
			if next == nil || op.NotBefore.Before(*next) {
				t := *op.NotBefore
				next = &t
			}
		}
	}
	return next
}

// Run drains whenever kicked or when the earliest backoff deadline passes, until
// ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if err := q.Drain(ctx); err != nil && !errors.Is(err, syncerr.ErrUnauthenticated) && ctx.Err() == nil {
			config.LogError(q.opts.Logger, "Queue", "Run", "drain", q.tenantID, err)
		}

		var timer *time.Timer
		var wake <-chan time.Time
		q.mu.Lock()
		next := q.nextRetryLocked()
		blocked := q.blocked
		q.mu.Unlock()
		if next != nil && !blocked {
			d := next.Sub(q.opts.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-q.kick:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// RetryFailed moves every failed operation back to the pending tail with its
// attempt count reset.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	n := len(q.failed)
	for _, op := range q.failed {
		op.Status = models.OpStatusPending
		op.AttemptCount = 0
		op.NotBefore = nil
		op.FailedAt = nil
		q.pending = append(q.pending, op)
	}
	q.failed = nil
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return n, err
	}
	q.Kick()
	return n, nil
}

// ClearQueue discards every pending operation that has not started.
func (q *Queue) ClearQueue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	n := 0
	for _, op := range q.pending {
		if op.Status == models.OpStatusInProgress {
			kept = append(kept, op)
			continue
		}
		n++
	}
	q.pending = kept
	return n, q.persistLocked(ctx)
}

// Discard removes every queued operation, pending or failed, that targets the
// given entity. Used after the entity was deleted remotely.
func (q *Queue) Discard(ctx context.Context, kind models.EntityKind, id string) (int, error) {
	key := models.SyncOperation{EntityKind: kind, EntityId: &id}.Key()
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	keep := func(ops []*models.SyncOperation) []*models.SyncOperation {
		kept := ops[:0]
		for _, op := range ops {
			if op.Key() == key {
				if op.Status == models.OpStatusInProgress {
					q.discarded[op.ID] = true
					kept = append(kept, op)
					continue
				}
				n++
				continue
			}
			kept = append(kept, op)
		}
		return kept
	}
	q.pending = keep(q.pending)
	q.failed = keep(q.failed)
	if n == 0 {
		return 0, nil
	}
	return n, q.persistLocked(ctx)
}

// HasDelete reports a queued or failed delete of id that has not been applied.
func (q *Queue) HasDelete(kind models.EntityKind, id string) bool {
	key := models.SyncOperation{EntityKind: kind, EntityId: &id}.Key()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ops := range [][]*models.SyncOperation{q.pending, q.failed} {
		for _, op := range ops {
			if op.Type == models.OpDeleteEntity && op.Key() == key {
				return true
			}
		}
	}
	return false
}

func (q *Queue) Pending() []models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshotOf(q.pending)
}

func (q *Queue) Failed() []models.SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return snapshotOf(q.failed)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Failed: len(q.failed), Blocked: q.blocked, NextRetryAt: q.nextRetryLocked()}
	for _, op := range q.pending {
		if op.Status == models.OpStatusInProgress {
			s.InProgress++
		} else {
			s.Pending++
		}
	}
	return s
}
