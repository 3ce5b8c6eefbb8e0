package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/pos_sync/localstore"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/session"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
)

var remoteEpoch = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

// fakeRemote is an in-memory remote table with a server clock that advances one
// second per write.
type fakeRemote struct {
	mu      sync.Mutex
	now     time.Time
	rows    map[string]remote.Row
	upserts []string
	batches [][]string
	fail    error

	entered chan string
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{now: remoteEpoch, rows: map[string]remote.Row{}}
}

func (f *fakeRemote) tick() time.Time {
	f.now = f.now.Add(time.Second)
	return f.now
}

// put stores a row as another device would have written it.
func (f *fakeRemote) put(tenantID string, row remote.Row) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := remote.Row{}
	for k, v := range row {
		r[k] = v
	}
	r["tenant_id"] = tenantID
	ts := f.tick()
	r["updated_at"] = ts
	if _, ok := r["deleted_at"]; !ok {
		r["deleted_at"] = nil
	}
	f.rows[r["id"].(string)] = r
	return ts
}

func (f *fakeRemote) softDelete(id string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.tick()
	f.rows[id]["deleted_at"] = ts
	f.rows[id]["updated_at"] = ts
	return ts
}

func (f *fakeRemote) Upsert(ctx context.Context, tenantID string, row remote.Row, base *time.Time) (time.Time, error) {
	if f.entered != nil {
		f.entered <- row["id"].(string)
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return time.Time{}, f.fail
	}
	id := row["id"].(string)
	if cur, ok := f.rows[id]; ok {
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
	f.upserts = append(f.upserts, id)
	return f.store(tenantID, row), nil
}

func (f *fakeRemote) store(tenantID string, row remote.Row) time.Time {
	r := remote.Row{}
	for k, v := range row {
		r[k] = v
	}
	r["tenant_id"] = tenantID
	r["deleted_at"] = nil
	ts := f.tick()
	r["updated_at"] = ts
	f.rows[r["id"].(string)] = r
	return ts
}

func (f *fakeRemote) UpsertBatch(ctx context.Context, tenantID string, rows []remote.Row) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	out := map[string]time.Time{}
	var ids []string
	for _, row := range rows {
		id := row["id"].(string)
		ids = append(ids, id)
		if cur, ok := f.rows[id]; ok && (cur["tenant_id"] != tenantID || cur["deleted_at"] != nil) {
			continue
		}
		out[id] = f.store(tenantID, row)
	}
	f.batches = append(f.batches, ids)
	return out, nil
}

func (f *fakeRemote) List(ctx context.Context, tenantID string, since *time.Time) ([]remote.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	var out []remote.Row
	for _, r := range f.rows {
		if r["tenant_id"] != tenantID || r["deleted_at"] != nil {
			continue
		}
		if since != nil && !r["updated_at"].(time.Time).After(*since) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i]["updated_at"].(time.Time).Before(out[j]["updated_at"].(time.Time))
	})
	return out, nil
}

// listAll ignores the tenant filter, like a misconfigured remote would.
func (f *fakeRemote) listAll() []remote.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Row
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out
}

func (f *fakeRemote) Get(ctx context.Context, tenantID, id string) (remote.Row, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r["tenant_id"] != tenantID {
		return nil, false, nil
	}
	return r, true, nil
}

func (f *fakeRemote) ListDeleted(ctx context.Context, tenantID string, since *time.Time) ([]remote.Tombstone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.Tombstone
	for id, r := range f.rows {
		if r["tenant_id"] != tenantID || r["deleted_at"] == nil {
			continue
		}
		at := r["deleted_at"].(time.Time)
		if since != nil && !at.After(*since) {
			continue
		}
		out = append(out, remote.Tombstone{ID: id, DeletedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(out[j].DeletedAt) })
	return out, nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, tenantID, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok || r["tenant_id"] != tenantID || r["deleted_at"] != nil {
		return time.Time{}, nil
	}
	ts := f.tick()
	r["deleted_at"] = ts
	r["updated_at"] = ts
	return ts, nil
}

func (f *fakeRemote) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type customerHarness struct {
	syncer *Syncer[*models.Customer]
	local  *localstore.Memory[*models.Customer]
	remote *fakeRemote
	ctx    context.Context
}

func newCustomerHarness(t *testing.T, tenantID string, opts Options) *customerHarness {
	t.Helper()
	w := localstore.NewWriter()
	t.Cleanup(w.Close)
	local := localstore.NewMemory[*models.Customer]()
	rt := newFakeRemote()
	return &customerHarness{
		syncer: New[*models.Customer](CustomerCodec{}, local, rt, session.Static(tenantID), w, opts),
		local:  local,
		remote: rt,
		ctx:    utils.SetTenantIdInContext(context.Background(), tenantID),
	}
}

// saveLocal stores a customer edited locally at the given time.
func (h *customerHarness) saveLocal(t *testing.T, c *models.Customer, at time.Time) {
	t.Helper()
	c.Touch(at)
	if err := h.local.Save(h.ctx, c); err != nil {
		t.Fatalf("save local: %v", err)
	}
}

func (h *customerHarness) mustGet(t *testing.T, id string) *models.Customer {
	t.Helper()
	c, found, err := h.local.Get(h.ctx, id)
	if err != nil || !found {
		t.Fatalf("local %s: found=%v err=%v", id, found, err)
	}
	return c
}
