package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/backoff"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/reachability"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/session"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	remoteEpoch = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	// local edits are stamped well after anything the fake remote assigns
	localClock = remoteEpoch.Add(time.Hour)
)

const waitFor = 2 * time.Second

// fakeTables is an in-memory remote store with one server clock shared by every
// table; it advances one second per write.
type fakeTables struct {
	mu      sync.Mutex
	now     time.Time
	rows    map[string]map[string]remote.Row
	upserts map[string][]string
	// hold, when set, runs before an upsert of id is applied
	hold func(table, id string)
}

func newFakeTables() *fakeTables {
	return &fakeTables{now: remoteEpoch, rows: map[string]map[string]remote.Row{}, upserts: map[string][]string{}}
}

func (f *fakeTables) table(name string) syncer.RemoteTable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows[name] == nil {
		f.rows[name] = map[string]remote.Row{}
	}
	return &fakeTable{tables: f, name: name}
}

func (f *fakeTables) tickLocked() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// put writes a row the way another device would. Like the real table it never
// revives a soft-deleted row.
func (f *fakeTables) put(table, tenantID string, row remote.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rows[table][row["id"].(string)]; ok && cur["deleted_at"] != nil {
		return
	}
	f.storeLocked(table, tenantID, row)
}

func (f *fakeTables) softDelete(table, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.tickLocked()
	f.rows[table][id]["deleted_at"] = ts
	f.rows[table][id]["updated_at"] = ts
}

func (f *fakeTables) storeLocked(table, tenantID string, row remote.Row) time.Time {
	r := remote.Row{}
	for k, v := range row {
		r[k] = v
	}
	r["tenant_id"] = tenantID
	r["deleted_at"] = nil
	ts := f.tickLocked()
	r["updated_at"] = ts
	f.rows[table][r["id"].(string)] = r
	return ts
}

func (f *fakeTables) get(table, id string) remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[table][id]
}

func (f *fakeTables) upsertCount(table, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, got := range f.upserts[table] {
		if got == id {
			n++
		}
	}
	return n
}

type fakeTable struct {
	tables *fakeTables
	name   string
}

func (t *fakeTable) Upsert(ctx context.Context, tenantID string, row remote.Row, base *time.Time) (time.Time, error) {
	f := t.tables
	id := row["id"].(string)
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		hold(t.name, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rows[t.name][id]; ok {
		if cur["tenant_id"] != tenantID {
			return time.Time{}, syncerr.ValidationCause("upsert", fmt.Errorf("foreign id"))
		}
		if cur["deleted_at"] != nil {
			return time.Time{}, syncerr.Conflict("upsert", nil, remote.ErrDeleted)
		}
		if base != nil && cur["updated_at"].(time.Time).After(*base) {
			return time.Time{}, syncerr.Conflict("upsert", nil, fmt.Errorf("remote changed"))
		}
	}
	f.upserts[t.name] = append(f.upserts[t.name], id)
	return f.storeLocked(t.name, tenantID, row), nil
}

func (t *fakeTable) UpsertBatch(ctx context.Context, tenantID string, rows []remote.Row) (map[string]time.Time, error) {
	f := t.tables
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]time.Time{}
	for _, row := range rows {
		id := row["id"].(string)
		if cur, ok := f.rows[t.name][id]; ok && (cur["tenant_id"] != tenantID || cur["deleted_at"] != nil) {
			continue
		}
		f.upserts[t.name] = append(f.upserts[t.name], id)
		out[id] = f.storeLocked(t.name, tenantID, row)
	}
	return out, nil
}

func (t *fakeTable) List(ctx context.Context, tenantID string, since *time.Time) ([]remote.Row, error) {
	f := t.tables
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Row
	for _, r := range f.rows[t.name] {
		if r["tenant_id"] != tenantID || r["deleted_at"] != nil {
			continue
		}
		if since != nil && !r["updated_at"].(time.Time).After(*since) {
			continue
		}
		cp := remote.Row{}
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["updated_at"].(time.Time).Before(out[j]["updated_at"].(time.Time))
	})
	return out, nil
}

func (t *fakeTable) Get(ctx context.Context, tenantID, id string) (remote.Row, bool, error) {
	f := t.tables
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[t.name][id]
	if !ok || r["tenant_id"] != tenantID {
		return nil, false, nil
	}
	cp := remote.Row{}
	for k, v := range r {
		cp[k] = v
	}
	return cp, true, nil
}

func (t *fakeTable) ListDeleted(ctx context.Context, tenantID string, since *time.Time) ([]remote.Tombstone, error) {
	f := t.tables
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Tombstone
	for id, r := range f.rows[t.name] {
		if r["tenant_id"] != tenantID || r["deleted_at"] == nil {
			continue
		}
		at := r["deleted_at"].(time.Time)
		if since != nil && !at.After(*since) {
			continue
		}
		out = append(out, remote.Tombstone{ID: id, DeletedAt: at})
	}
	return out, nil
}

func (t *fakeTable) SoftDelete(ctx context.Context, tenantID, id string) (time.Time, error) {
	f := t.tables
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[t.name][id]
	if !ok || r["tenant_id"] != tenantID || r["deleted_at"] != nil {
		return time.Time{}, nil
	}
	ts := f.tickLocked()
	r["deleted_at"] = ts
	r["updated_at"] = ts
	return ts, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []feed.ChangeEvent
}

func (p *fakePublisher) Publish(ctx context.Context, ev feed.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []feed.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]feed.ChangeEvent(nil), p.events...)
}

type harness struct {
	engine    *Engine
	session   *session.Holder
	remote    *fakeTables
	publisher *fakePublisher
	online    *atomic.Bool
}

func newHarness(t *testing.T, strategy string, online bool, tweaks ...func(*config.SyncSettings)) *harness {
	t.Helper()
	settings := config.DefaultSyncSettings()
	settings.PollInterval = time.Hour
	settings.PushDebounce = 5 * time.Millisecond
	settings.Backoff = backoff.Policy{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond, MaxAttempts: 3}
	settings.ReachabilityEvery = 5 * time.Millisecond
	settings.ReachabilitySettle = 10 * time.Millisecond
	settings.ConflictStrategy = strategy
	settings.DeviceId = "till-1"
	for _, tweak := range tweaks {
		tweak(&settings)
	}

	h := &harness{
		session:   session.NewHolder(),
		remote:    newFakeTables(),
		publisher: &fakePublisher{},
		online:    &atomic.Bool{},
	}
	h.online.Store(online)

	e, err := New(Deps{
		Settings:  settings,
		Session:   h.session,
		Locals:    MemoryLocals(),
		Remote:    h.remote.table,
		Publisher: h.publisher,
		Probe: reachability.ProbeFunc(func(context.Context) error {
			if h.online.Load() {
				return nil
			}
			return fmt.Errorf("unreachable")
		}),
		Now: func() time.Time { return localClock },
	})
	require.NoError(t, err)
	h.engine = e

	h.session.BindTenant("shop-1")
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return h
}

func (h *harness) ctx() context.Context {
	return utils.SetTenantIdInContext(context.Background(), "shop-1")
}

func (h *harness) setOnline(t *testing.T, online bool) {
	t.Helper()
	h.online.Store(online)
	require.Eventually(t, func() bool { return h.engine.Monitor().IsOnline() == online }, waitFor, 5*time.Millisecond)
}

func (h *harness) customer(t *testing.T, id string) (*models.Customer, bool) {
	t.Helper()
	c, found, err := h.engine.Customers.Get(h.ctx(), id)
	require.NoError(t, err)
	return c, found
}

func (h *harness) waitStatus(t *testing.T, id string, want models.SyncStatus) *models.Customer {
	t.Helper()
	var got *models.Customer
	require.Eventually(t, func() bool {
		c, found := h.customer(t, id)
		got = c
		return found && c.SyncStatus == want
	}, waitFor, 5*time.Millisecond)
	return got
}

func TestOfflineTicketUploadsOnceOnReconnect(t *testing.T) {
	h := newHarness(t, "most_recent", false)

	ticket := &models.Ticket{Number: "T-100", CustomerId: "c-1", Issue: "cracked screen", Status: models.TicketStatusOpen, EstimatedCost: decimal.RequireFromString("45.50")}
	ticket.ID = "t-1"
	require.NoError(t, h.engine.Tickets.Save(h.ctx(), ticket))

	pending, err := h.engine.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUploadEntity, pending[0].Type)
	assert.Equal(t, "t-1", pending[0].TargetId())

	// offline: nothing leaves the device
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, h.remote.upsertCount("tickets", "t-1"))

	h.setOnline(t, true)
	require.Eventually(t, func() bool {
		got, found, err := h.engine.Tickets.Get(h.ctx(), "t-1")
		return err == nil && found && got.SyncStatus == models.SyncStatusSynced
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, h.remote.upsertCount("tickets", "t-1"))
	assert.Equal(t, "shop-1", h.remote.get("tickets", "t-1")["tenant_id"])
	pending, err = h.engine.PendingOps()
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.Eventually(t, func() bool { return len(h.publisher.published()) == 1 }, waitFor, 5*time.Millisecond)
	ev := h.publisher.published()[0]
	assert.Equal(t, feed.ChangeEvent{
		TenantId: "shop-1",
		Kind:     models.KindTicket,
		Op:       feed.OpUpdate,
		ID:       "t-1",
		At:       localClock,
		Origin:   "till-1",
	}, ev)
}

func TestRemoteDeleteDiscardsQueuedWork(t *testing.T) {
	h := newHarness(t, "most_recent", true)
	h.setOnline(t, true)

	h.remote.put("customers", "shop-1", remote.Row{"id": "c-9", "name": "Aye"})
	require.NoError(t, h.engine.RefreshNow(h.ctx()))
	h.waitStatus(t, "c-9", models.SyncStatusSynced)

	h.setOnline(t, false)
	c, _ := h.customer(t, "c-9")
	c.Name = "Aye Aye"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	pending, err := h.engine.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	h.remote.softDelete("customers", "c-9")
	require.NoError(t, h.engine.RefreshNow(h.ctx()))

	_, found := h.customer(t, "c-9")
	assert.False(t, found)
	pending, err = h.engine.PendingOps()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// conflictSetup leaves c-1 synced once, then edited on both sides while offline,
// and reconnects so the upload hits the conflict.
func conflictSetup(t *testing.T, strategy string) *harness {
	t.Helper()
	h := newHarness(t, strategy, true)
	h.setOnline(t, true)

	c := &models.Customer{Name: "Aye", Phone: "0911"}
	c.ID = "c-1"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	h.waitStatus(t, "c-1", models.SyncStatusSynced)

	h.setOnline(t, false)
	h.remote.put("customers", "shop-1", remote.Row{"id": "c-1", "name": "Remote", "phone": "0911"})
	local, _ := h.customer(t, "c-1")
	local.Name = "Local"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), local))

	h.setOnline(t, true)
	return h
}

func TestUploadConflict_LocalWins(t *testing.T) {
	h := conflictSetup(t, "local_wins")
	got := h.waitStatus(t, "c-1", models.SyncStatusSynced)
	assert.Equal(t, "Local", got.Name)
	assert.Equal(t, "Local", h.remote.get("customers", "c-1")["name"])
}

func TestUploadConflict_MostRecentKeepsNewerLocal(t *testing.T) {
	h := conflictSetup(t, "most_recent")
	h.waitStatus(t, "c-1", models.SyncStatusSynced)
	require.Eventually(t, func() bool {
		return h.remote.get("customers", "c-1")["name"] == "Local"
	}, waitFor, 5*time.Millisecond)
}

func TestUploadConflict_ExternalWins(t *testing.T) {
	h := conflictSetup(t, "external_wins")
	require.Eventually(t, func() bool {
		c, found := h.customer(t, "c-1")
		return found && c.Name == "Remote" && c.SyncStatus == models.SyncStatusSynced
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "Remote", h.remote.get("customers", "c-1")["name"])
}

func TestUploadConflict_ManualLeavesFailedOp(t *testing.T) {
	h := conflictSetup(t, "manual")
	require.Eventually(t, func() bool {
		failed, err := h.engine.FailedOps()
		return err == nil && len(failed) == 1
	}, waitFor, 5*time.Millisecond)

	failed, _ := h.engine.FailedOps()
	assert.Equal(t, 0, failed[0].AttemptCount)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "manual resolution")

	got, _ := h.customer(t, "c-1")
	assert.Equal(t, models.SyncStatusStale, got.SyncStatus)
	assert.Equal(t, "Local", got.Name)
	assert.Equal(t, "Remote", h.remote.get("customers", "c-1")["name"])
}

func TestUploadConflict_RemoteDeleteWins(t *testing.T) {
	for _, strategy := range []string{"local_wins", "most_recent", "manual"} {
		t.Run(strategy, func(t *testing.T) {
			h := newHarness(t, strategy, true)
			h.setOnline(t, true)

			c := &models.Customer{Name: "Aye"}
			c.ID = "c-1"
			require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
			h.waitStatus(t, "c-1", models.SyncStatusSynced)

			h.setOnline(t, false)
			h.remote.softDelete("customers", "c-1")
			local, _ := h.customer(t, "c-1")
			local.Name = "Edited offline"
			require.NoError(t, h.engine.Customers.Save(h.ctx(), local))
			pending, err := h.engine.PendingOps()
			require.NoError(t, err)
			require.Len(t, pending, 1)

			cause := syncerr.Conflict("customers.upsert", nil, remote.ErrDeleted)
			require.NoError(t, h.engine.onConflict(h.ctx(), pending[0], cause))

			_, found := h.customer(t, "c-1")
			assert.False(t, found)
			pending, err = h.engine.PendingOps()
			require.NoError(t, err)
			assert.Empty(t, pending)
			failed, err := h.engine.FailedOps()
			require.NoError(t, err)
			assert.Empty(t, failed)

			row := h.remote.get("customers", "c-1")
			assert.NotNil(t, row["deleted_at"], "the tombstone stays")
			assert.Equal(t, "Aye", row["name"])
		})
	}
}

func TestLocalEditOfRemotelyDeletedRecordIsDropped(t *testing.T) {
	h := newHarness(t, "local_wins", true)
	h.setOnline(t, true)

	c := &models.Customer{Name: "Aye"}
	c.ID = "c-1"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	h.waitStatus(t, "c-1", models.SyncStatusSynced)

	h.setOnline(t, false)
	h.remote.softDelete("customers", "c-1")
	local, _ := h.customer(t, "c-1")
	local.Name = "Edited offline"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), local))

	h.setOnline(t, true)
	require.Eventually(t, func() bool {
		_, found := h.customer(t, "c-1")
		pending, err := h.engine.PendingOps()
		return !found && err == nil && len(pending) == 0
	}, waitFor, 5*time.Millisecond)

	row := h.remote.get("customers", "c-1")
	assert.NotNil(t, row["deleted_at"])
	assert.Equal(t, "Aye", row["name"])
	assert.Equal(t, 1, h.remote.upsertCount("customers", "c-1"))
}

func TestPullKeepsOfflineDeleteUntilApplied(t *testing.T) {
	h := newHarness(t, "most_recent", true)
	h.setOnline(t, true)

	h.remote.put("customers", "shop-1", remote.Row{"id": "c-3", "name": "Thida"})
	require.NoError(t, h.engine.RefreshNow(h.ctx()))
	h.waitStatus(t, "c-3", models.SyncStatusSynced)

	h.setOnline(t, false)
	require.NoError(t, h.engine.Customers.Delete(h.ctx(), "c-3"))
	// a full pull lists the still-live remote row again
	h.engine.Coordinator().ResetWatermarks()
	require.NoError(t, h.engine.RefreshNow(h.ctx()))

	_, found := h.customer(t, "c-3")
	assert.False(t, found, "a pull does not bring back a record deleted here")
	pending, err := h.engine.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpDeleteEntity, pending[0].Type)

	h.setOnline(t, true)
	require.Eventually(t, func() bool {
		pending, err := h.engine.PendingOps()
		return err == nil && len(pending) == 0 && h.remote.get("customers", "c-3")["deleted_at"] != nil
	}, waitFor, 5*time.Millisecond)
	_, found = h.customer(t, "c-3")
	assert.False(t, found)
}

func TestPushPending_RoutesConflictsThroughQueue(t *testing.T) {
	h := newHarness(t, "manual", true)
	h.setOnline(t, true)

	c := &models.Customer{Name: "Aye"}
	c.ID = "c-1"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	h.waitStatus(t, "c-1", models.SyncStatusSynced)

	h.setOnline(t, false)
	h.remote.put("customers", "shop-1", remote.Row{"id": "c-1", "name": "Remote"})
	local, _ := h.customer(t, "c-1")
	local.Name = "Local"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), local))
	_, err := h.engine.ClearQueue(h.ctx())
	require.NoError(t, err)

	counts, err := h.engine.PushPending(h.ctx())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.KindCustomer])
	assert.Equal(t, "Remote", h.remote.get("customers", "c-1")["name"], "a batch push never overwrites a newer remote edit")

	pending, err := h.engine.PendingOps()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUploadEntity, pending[0].Type)
	assert.Equal(t, "c-1", pending[0].TargetId())

	h.setOnline(t, true)
	require.Eventually(t, func() bool {
		failed, err := h.engine.FailedOps()
		return err == nil && len(failed) == 1
	}, waitFor, 5*time.Millisecond)
	got, _ := h.customer(t, "c-1")
	assert.Equal(t, models.SyncStatusStale, got.SyncStatus)
	assert.Equal(t, "Remote", h.remote.get("customers", "c-1")["name"])
}

func TestRequestFullResync(t *testing.T) {
	h := newHarness(t, "most_recent", true)
	h.setOnline(t, true)

	h.remote.put("customers", "shop-1", remote.Row{"id": "c-5", "name": "Mya"})
	h.remote.put("customers", "shop-2", remote.Row{"id": "c-6", "name": "Other shop"})

	n, err := h.engine.RequestFullResync(h.ctx(), models.KindCustomer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, "c-5", models.SyncStatusSynced)
	_, found := h.customer(t, "c-6")
	assert.False(t, found)

	_, err = h.engine.RequestFullResync(h.ctx(), models.EntityKind("invoice"))
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestSessionSwitch(t *testing.T) {
	h := newHarness(t, "most_recent", true)
	h.setOnline(t, true)

	c := &models.Customer{Name: "Aye"}
	c.ID = "c-1"
	require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	assert.Equal(t, "shop-1", h.engine.Status().TenantId)

	h.session.BindTenant("shop-2")
	require.Eventually(t, func() bool { return h.engine.Status().TenantId == "shop-2" }, waitFor, 5*time.Millisecond)
	_, found, err := h.engine.Customers.Get(context.Background(), "c-1")
	require.NoError(t, err)
	assert.False(t, found, "records of the previous shop are not visible")

	h.session.Clear()
	err = h.engine.Customers.Save(context.Background(), &models.Customer{Name: "Nobody"})
	assert.Equal(t, syncerr.KindUnauthenticated, syncerr.KindOf(err))
	assert.Nil(t, h.engine.Status().Queue)
}

func TestSessionSwitchMidDrainKeepsQueuedWork(t *testing.T) {
	h := newHarness(t, "most_recent", false, func(s *config.SyncSettings) { s.QueueConcurrency = 1 })

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.remote.mu.Lock()
	h.remote.hold = func(table, id string) {
		if id != "c-1" {
			return
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}
	h.remote.mu.Unlock()

	for _, id := range []string{"c-1", "c-2"} {
		c := &models.Customer{Name: "Aye " + id}
		c.ID = id
		require.NoError(t, h.engine.Customers.Save(h.ctx(), c))
	}

	h.setOnline(t, true)
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("upload of c-1 never started")
	}

	// switch shops while c-1 is on the wire and c-2 waits behind it
	switched := make(chan struct{})
	go func() {
		h.session.BindTenant("shop-2")
		close(switched)
	}()
	require.Eventually(t, func() bool {
		id, err := h.session.TenantID(context.Background())
		return err == nil && id == "shop-2"
	}, waitFor, 5*time.Millisecond)
	close(release)
	select {
	case <-switched:
	case <-time.After(waitFor):
		t.Fatal("tenant switch did not finish")
	}

	assert.Nil(t, h.remote.get("customers", "c-2"), "nothing is written while another shop is bound")

	h.session.BindTenant("shop-1")
	require.Eventually(t, func() bool {
		r := h.remote.get("customers", "c-2")
		return r != nil && r["tenant_id"] == "shop-1"
	}, waitFor, 5*time.Millisecond)
	h.waitStatus(t, "c-2", models.SyncStatusSynced)
}

func TestCollectionSave_RejectsForeignRecord(t *testing.T) {
	h := newHarness(t, "most_recent", true)
	c := &models.Customer{Name: "Aye"}
	c.ID = "c-1"
	c.TenantId = "shop-2"
	err := h.engine.Customers.Save(h.ctx(), c)
	assert.Equal(t, syncerr.KindValidation, syncerr.KindOf(err))
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t, "most_recent", true)
	r := gin.New()
	h.engine.RegisterRoutes(r.Group("/api"))

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/api/sync/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "shop-1", st.TenantId)
	require.NotNil(t, st.Queue)

	w = do(http.MethodPost, "/api/sync/resync", `{"kinds":["invoice"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/api/sync/failed/retry", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"requeued":0}`, w.Body.String())

	w = do(http.MethodPost, "/api/sync/session", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(http.MethodPost, "/api/sync/session", `{"token":"not-a-jwt"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodDelete, "/api/sync/session", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(http.MethodPost, "/api/sync/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := utils.JwtGenerate("shop-1", 7, "till-1", "cashier")
	require.NoError(t, err)
	w = do(http.MethodPost, "/api/sync/session", `{"token":"`+tok+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tenant_id":"shop-1","user_id":7}`, w.Body.String())
	assert.Equal(t, "shop-1", h.engine.Status().TenantId)
}
