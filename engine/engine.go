// Package engine wires the sync components for one agent process: the per-kind
// syncers, the tenant's mutation queue, the reachability monitor and the change
// coordinator. It is the only place that knows about all of them.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/pos_sync/backoff"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/conflict"
	"github.com/mmdatafocus/pos_sync/coordinator"
	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/localstore"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/queue"
	"github.com/mmdatafocus/pos_sync/reachability"
	"github.com/mmdatafocus/pos_sync/session"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("pos-sync-agent")

var errEngineStopped = errors.New("engine: stopped")

// Locals is the local replica, one store per kind.
type Locals struct {
	Customers      syncer.LocalStore[*models.Customer]
	Tickets        syncer.LocalStore[*models.Ticket]
	InventoryItems syncer.LocalStore[*models.InventoryItem]
	Employees      syncer.LocalStore[*models.Employee]
	Appointments   syncer.LocalStore[*models.Appointment]
	LoyaltyMembers syncer.LocalStore[*models.LoyaltyMember]
}

func MemoryLocals() Locals {
	return Locals{
		Customers:      localstore.NewMemory[*models.Customer](),
		Tickets:        localstore.NewMemory[*models.Ticket](),
		InventoryItems: localstore.NewMemory[*models.InventoryItem](),
		Employees:      localstore.NewMemory[*models.Employee](),
		Appointments:   localstore.NewMemory[*models.Appointment](),
		LoyaltyMembers: localstore.NewMemory[*models.LoyaltyMember](),
	}
}

// GormLocals is the replica in the local database.
func GormLocals(db *gorm.DB) Locals {
	return Locals{
		Customers:      localstore.NewStore(db, func() *models.Customer { return &models.Customer{} }),
		Tickets:        localstore.NewStore(db, func() *models.Ticket { return &models.Ticket{} }),
		InventoryItems: localstore.NewStore(db, func() *models.InventoryItem { return &models.InventoryItem{} }),
		Employees:      localstore.NewStore(db, func() *models.Employee { return &models.Employee{} }),
		Appointments:   localstore.NewStore(db, func() *models.Appointment { return &models.Appointment{} }),
		LoyaltyMembers: localstore.NewStore(db, func() *models.LoyaltyMember { return &models.LoyaltyMember{} }),
	}
}

// Deps is everything the engine needs from the outside. Remote returns the remote
// table for a table name; Feed and Publisher may be nil to run poll-only. Now
// stamps local edits.
type Deps struct {
	Settings   config.SyncSettings
	Session    *session.Holder
	Locals     Locals
	Remote     func(table string) syncer.RemoteTable
	QueueStore queue.Store
	Feed       feed.Subscriber
	Publisher  feed.Publisher
	Probe      reachability.Probe
	Logger     *logrus.Logger
	Now        func() time.Time
}

type Engine struct {
	deps     Deps
	logger   *logrus.Logger
	writer   *localstore.Writer
	monitor  *reachability.Monitor
	coord    *coordinator.Coordinator
	handles  map[models.EntityKind]syncer.Handle
	strategy conflict.Strategy
	comparer conflict.Comparer
	publish  backoff.Policy

	Customers      *Collection[*models.Customer]
	Tickets        *Collection[*models.Ticket]
	InventoryItems *Collection[*models.InventoryItem]
	Employees      *Collection[*models.Employee]
	Appointments   *Collection[*models.Appointment]
	LoyaltyMembers *Collection[*models.LoyaltyMember]

	// lifecycle serializes Start, Stop and tenant switches. mu guards the fields below it.
	lifecycle sync.Mutex
	stopped   bool
	wg        sync.WaitGroup

	mu         sync.Mutex
	runCtx     context.Context
	cancel     context.CancelFunc
	queue      *queue.Queue
	stopQueue  context.CancelFunc
	queueDone  chan struct{}
	publishing sync.WaitGroup
}

func New(deps Deps) (*Engine, error) {
	if deps.Session == nil {
		return nil, errors.New("engine: session holder is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("engine: remote tables are required")
	}
	if deps.QueueStore == nil {
		deps.QueueStore = queue.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = config.GetLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	strategy, err := conflict.ParseStrategy(deps.Settings.ConflictStrategy)
	if err != nil {
		strategy = conflict.MostRecent
	}

	e := &Engine{
		deps:     deps,
		logger:   deps.Logger,
		writer:   localstore.NewWriter(),
		handles:  map[models.EntityKind]syncer.Handle{},
		strategy: strategy,
		comparer: rowComparer(),
		publish:  backoff.Policy{InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second, MaxAttempts: 4},
	}

	l := deps.Locals
	e.Customers = bind(e, syncer.CustomerCodec{}, l.Customers)
	e.Tickets = bind(e, syncer.TicketCodec{}, l.Tickets)
	e.InventoryItems = bind(e, syncer.InventoryItemCodec{}, l.InventoryItems)
	e.Employees = bind(e, syncer.EmployeeCodec{}, l.Employees)
	e.Appointments = bind(e, syncer.AppointmentCodec{}, l.Appointments)
	e.LoyaltyMembers = bind(e, syncer.LoyaltyMemberCodec{}, l.LoyaltyMembers)

	targets := make([]coordinator.Target, 0, len(models.AllKinds))
	for _, kind := range models.AllKinds {
		targets = append(targets, e.handles[kind])
	}
	sub := deps.Feed
	if sub == nil || !config.PushFeedEnabled() {
		sub = feed.Nop{}
	}
	e.coord = coordinator.New(sub, targets, coordinator.Options{
		PollInterval: deps.Settings.PollInterval,
		Debounce:     deps.Settings.PushDebounce,
		Logger:       deps.Logger,
	})

	probe := deps.Probe
	if probe == nil {
		probe = reachability.ProbeFunc(func(context.Context) error { return nil })
	}
	e.monitor = reachability.NewMonitor(probe, reachability.Options{
		Every:        deps.Settings.ReachabilityEvery,
		Settle:       deps.Settings.ReachabilitySettle,
		OnReconnect:  e.onReconnect,
		OnDisconnect: e.onDisconnect,
		Logger:       deps.Logger,
	})

	deps.Session.OnChange(e.onSessionChange)
	return e, nil
}

// bind builds the syncer and collection of one kind and registers its handle.
func bind[E models.Entity](e *Engine, codec syncer.Codec[E], local syncer.LocalStore[E]) *Collection[E] {
	if local == nil {
		local = localstore.NewMemory[E]()
	}
	s := syncer.New(codec, local, e.deps.Remote(codec.Table()), e.deps.Session, e.writer, syncer.Options{
		BatchSize:        e.deps.Settings.BatchSize(string(codec.Kind())),
		Logger:           e.logger,
		OnRemoteDelete:   e.discard,
		DeletePending:    e.deleteQueued,
		OnUploadConflict: e.requeueUpload,
	})
	e.handles[codec.Kind()] = s
	return &Collection[E]{engine: e, kind: codec.Kind(), local: local, syncer: s}
}

// Start runs the reachability monitor and, if a session is bound, the tenant's
// queue and coordinator. Later session changes restart them.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.stopped {
		return errEngineStopped
	}
	if e.runCtx != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.runCtx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.monitor.Run(e.runCtx)
	}()

	if tenantID, err := e.deps.Session.TenantID(ctx); err == nil {
		return e.startTenantLocked(tenantID)
	}
	return nil
}

// Stop stops every loop and waits for them. Queued work stays persisted. A
// stopped engine cannot be started again.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.runCtx == nil {
		return
	}
	e.stopTenantLocked()
	e.cancel()
	e.wg.Wait()
	e.publishing.Wait()
	e.writer.Close()
	e.stopped = true
	e.mu.Lock()
	e.runCtx, e.cancel = nil, nil
	e.mu.Unlock()
}

func (e *Engine) onSessionChange(tenantID string) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.runCtx == nil {
		return
	}
	e.mu.Lock()
	current := e.queue
	e.mu.Unlock()
	if current != nil && current.TenantID() == tenantID {
		// a refreshed token for the same shop
		current.Resume()
		return
	}
	e.stopTenantLocked()
	if tenantID == "" {
		return
	}
	if err := e.startTenantLocked(tenantID); err != nil {
		config.LogError(e.logger, "Engine", "onSessionChange", "start tenant", tenantID, err)
	}
}

// startTenantLocked loads the tenant's queue and starts its drain loop and the
// coordinator. Callers hold lifecycle.
func (e *Engine) startTenantLocked(tenantID string) error {
	q := queue.New(e.deps.QueueStore, tenantID, e.dispatch, queue.Options{
		Policy:      e.deps.Settings.Backoff,
		Concurrency: e.deps.Settings.QueueConcurrency,
		Logger:      e.logger,
		OnConflict:  e.onConflict,
		Online:      e.monitor.IsOnline,
	})
	if err := q.Load(e.runCtx); err != nil {
		return err
	}

	qctx, stop := context.WithCancel(e.runCtx)
	done := make(chan struct{})
	e.mu.Lock()
	e.queue, e.stopQueue, e.queueDone = q, stop, done
	e.mu.Unlock()
	go func() {
		defer close(done)
		_ = q.Run(qctx)
	}()

	if err := e.coord.Start(e.runCtx, tenantID); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"field":     "Engine",
		"tenant_id": tenantID,
		"state":     e.coord.State(),
	}).Info("tenant sync started")
	return nil
}

func (e *Engine) stopTenantLocked() {
	e.coord.Stop()
	e.mu.Lock()
	stop, done := e.stopQueue, e.queueDone
	e.queue, e.stopQueue, e.queueDone = nil, nil, nil
	e.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (e *Engine) currentQueue() (*queue.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue == nil {
		return nil, syncerr.Unauthenticated("engine")
	}
	return e.queue, nil
}

func (e *Engine) onReconnect() {
	e.logger.WithField("field", "Engine").Info("back online")
	if q, err := e.currentQueue(); err == nil {
		q.Kick()
	}
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil || e.coord.State() == coordinator.StateStopped {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.coord.RefreshNow(ctx); err != nil && ctx.Err() == nil {
			config.LogError(e.logger, "Engine", "onReconnect", "refresh", nil, err)
		}
	}()
}

func (e *Engine) onDisconnect() {
	e.logger.WithField("field", "Engine").Warn("offline; local changes will queue")
}

// discard drops queued work for a record the remote store deleted.
func (e *Engine) discard(kind models.EntityKind, id string) {
	q, err := e.currentQueue()
	if err != nil {
		return
	}
	if n, err := q.Discard(context.Background(), kind, id); err != nil {
		config.LogError(e.logger, "Engine", "discard", string(kind), id, err)
	} else if n > 0 {
		e.logger.WithFields(logrus.Fields{
			"field":     "Engine",
			"kind":      kind,
			"entity_id": id,
			"discarded": n,
		}).Info("dropped queued operations of a remotely deleted record")
	}
}

func (e *Engine) deleteQueued(kind models.EntityKind, id string) bool {
	q, err := e.currentQueue()
	return err == nil && q.HasDelete(kind, id)
}

// requeueUpload hands a record whose batched upload conflicted to the queue, whose
// conflict handler settles it like any other upload.
func (e *Engine) requeueUpload(kind models.EntityKind, id string) {
	q, err := e.currentQueue()
	if err != nil {
		return
	}
	if _, err := q.Enqueue(context.Background(), models.SyncOperation{
		Type:       models.OpUploadEntity,
		EntityKind: kind,
		EntityId:   &id,
	}); err != nil {
		config.LogError(e.logger, "Engine", "requeueUpload", string(kind), id, err)
	}
}

// Handle returns the syncer of kind.
func (e *Engine) Handle(kind models.EntityKind) (syncer.Handle, bool) {
	h, ok := e.handles[kind]
	return h, ok
}

func (e *Engine) Monitor() *reachability.Monitor { return e.monitor }

func (e *Engine) Coordinator() *coordinator.Coordinator { return e.coord }
