package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	kind models.EntityKind
	mark time.Time

	mu      sync.Mutex
	pulls   []*time.Time
	merges  []string
	deletes []string
}

func (f *fakeTarget) Kind() models.EntityKind { return f.kind }

func (f *fakeTarget) Pull(ctx context.Context, since *time.Time) (syncer.PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, since)
	mark := f.mark
	return syncer.PullResult{Kind: f.kind, Watermark: &mark}, nil
}

func (f *fakeTarget) MergeRow(ctx context.Context, row remote.Row) (syncer.MergeAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, row["id"].(string))
	return syncer.MergeUpdateLocal, nil
}

func (f *fakeTarget) ApplyRemoteDelete(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return true, nil
}

func (f *fakeTarget) counts() (pulls, merges, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls), len(f.merges), len(f.deletes)
}

type fakeSub struct {
	ch     chan feed.ChangeEvent
	closed atomic.Bool
}

func (s *fakeSub) Events() <-chan feed.ChangeEvent { return s.ch }
func (s *fakeSub) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeFeed struct {
	err   error
	sub   *fakeSub
	calls atomic.Int32
}

func (f *fakeFeed) Subscribe(ctx context.Context, tenantID string) (feed.Subscription, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

func newPushFeed() *fakeFeed {
	return &fakeFeed{sub: &fakeSub{ch: make(chan feed.ChangeEvent, 16)}}
}

var markTime = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTargets() (*fakeTarget, *fakeTarget) {
	return &fakeTarget{kind: models.KindCustomer, mark: markTime}, &fakeTarget{kind: models.KindTicket, mark: markTime}
}

func TestStart_FallsBackToPolling(t *testing.T) {
	customers, tickets := newTargets()
	f := &fakeFeed{err: errors.New("redis: connection refused")}
	c := New(f, []Target{customers, tickets}, Options{PollInterval: 20 * time.Millisecond})

	require.NoError(t, c.Start(context.Background(), "shop-1"))
	assert.True(t, c.IsUsingPollingFallback())
	assert.Equal(t, StateActivePoll, c.State())
	assert.Contains(t, c.Status().FallbackReason, "connection refused")

	require.Eventually(t, func() bool {
		p1, _, _ := customers.counts()
		p2, _, _ := tickets.counts()
		return p1 >= 3 && p2 >= 3
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	after, _, _ := customers.counts()
	time.Sleep(60 * time.Millisecond)
	again, _, _ := customers.counts()
	assert.Equal(t, after, again, "no pulls after Stop")
}

func TestStart_IsIdempotent(t *testing.T) {
	customers, _ := newTargets()
	f := newPushFeed()
	c := New(f, []Target{customers}, Options{})

	require.NoError(t, c.Start(context.Background(), "shop-1"))
	require.NoError(t, c.Start(context.Background(), "shop-1"))
	assert.Equal(t, int32(1), f.calls.Load())
	assert.Equal(t, StateActivePush, c.State())
	assert.False(t, c.IsUsingPollingFallback())

	c.Stop()
	assert.True(t, f.sub.closed.Load())
	c.Stop()
}

func TestStart_RequiresTenant(t *testing.T) {
	c := New(newPushFeed(), nil, Options{})
	assert.Error(t, c.Start(context.Background(), ""))
	assert.Equal(t, StateStopped, c.State())
}

func TestPush_SingleEventIsMerged(t *testing.T) {
	customers, tickets := newTargets()
	f := newPushFeed()
	c := New(f, []Target{customers, tickets}, Options{Debounce: 10 * time.Millisecond})
	require.NoError(t, c.Start(context.Background(), "shop-1"))
	defer c.Stop()

	require.Eventually(t, func() bool { p, _, _ := tickets.counts(); return p == 1 }, time.Second, 5*time.Millisecond)

	f.sub.ch <- feed.ChangeEvent{TenantId: "shop-1", Kind: models.KindTicket, Op: feed.OpUpdate, ID: "t-1",
		Record: map[string]any{"id": "t-1"}}

	require.Eventually(t, func() bool { _, m, _ := tickets.counts(); return m == 1 }, time.Second, 5*time.Millisecond)
	pulls, _, _ := tickets.counts()
	assert.Equal(t, 1, pulls, "a lone event with its record does not pull")
}

func TestPush_BurstCoalescesIntoOnePull(t *testing.T) {
	customers, tickets := newTargets()
	f := newPushFeed()
	c := New(f, []Target{customers, tickets}, Options{Debounce: 50 * time.Millisecond})
	require.NoError(t, c.Start(context.Background(), "shop-1"))
	defer c.Stop()
	require.Eventually(t, func() bool { p, _, _ := tickets.counts(); return p == 1 }, time.Second, 5*time.Millisecond)

	for _, id := range []string{"t-1", "t-2", "t-3", "t-2", "t-4"} {
		f.sub.ch <- feed.ChangeEvent{TenantId: "shop-1", Kind: models.KindTicket, Op: feed.OpUpdate, ID: id,
			Record: map[string]any{"id": id}}
	}

	require.Eventually(t, func() bool { p, _, _ := tickets.counts(); return p == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	pulls, merges, _ := tickets.counts()
	assert.Equal(t, 2, pulls)
	assert.Zero(t, merges)
	customerPulls, _, _ := customers.counts()
	assert.Equal(t, 1, customerPulls, "other kinds are untouched")

	tickets.mu.Lock()
	defer tickets.mu.Unlock()
	require.NotNil(t, tickets.pulls[1])
	assert.True(t, tickets.pulls[1].Equal(markTime), "the burst pull is incremental")
}

func TestPush_DeleteRemovesLocal(t *testing.T) {
	customers, _ := newTargets()
	f := newPushFeed()
	c := New(f, []Target{customers}, Options{Debounce: 10 * time.Millisecond})
	require.NoError(t, c.Start(context.Background(), "shop-1"))
	defer c.Stop()

	f.sub.ch <- feed.ChangeEvent{TenantId: "shop-1", Kind: models.KindCustomer, Op: feed.OpDelete, ID: "c-9"}

	require.Eventually(t, func() bool { _, _, d := customers.counts(); return d == 1 }, time.Second, 5*time.Millisecond)
	customers.mu.Lock()
	defer customers.mu.Unlock()
	assert.Equal(t, []string{"c-9"}, customers.deletes)
}

func TestPush_LostSubscriptionFallsBack(t *testing.T) {
	customers, _ := newTargets()
	f := newPushFeed()
	c := New(f, []Target{customers}, Options{PollInterval: 20 * time.Millisecond})
	require.NoError(t, c.Start(context.Background(), "shop-1"))
	defer c.Stop()

	close(f.sub.ch)

	require.Eventually(t, c.IsUsingPollingFallback, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateActivePoll, c.State())
	require.Eventually(t, f.sub.closed.Load, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { p, _, _ := customers.counts(); return p >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshNow_PullsEveryKindWhileStopped(t *testing.T) {
	customers, tickets := newTargets()
	c := New(newPushFeed(), []Target{customers, tickets}, Options{})

	require.NoError(t, c.RefreshNow(context.Background()))
	require.NoError(t, c.RefreshNow(context.Background()))

	for _, target := range []*fakeTarget{customers, tickets} {
		target.mu.Lock()
		require.Len(t, target.pulls, 2)
		assert.Nil(t, target.pulls[0], "first pull is a full download")
		require.NotNil(t, target.pulls[1])
		assert.True(t, target.pulls[1].Equal(markTime))
		target.mu.Unlock()
	}
	st := c.Status()
	assert.NotNil(t, st.LastPassAt)
	assert.True(t, st.Watermarks[models.KindTicket].Equal(markTime))

	c.ResetWatermarks()
	require.NoError(t, c.RefreshNow(context.Background()))
	customers.mu.Lock()
	defer customers.mu.Unlock()
	assert.Nil(t, customers.pulls[2])
}

func TestCoalesce(t *testing.T) {
	ev := func(id string, op feed.Op, withRecord bool) feed.ChangeEvent {
		e := feed.ChangeEvent{ID: id, Op: op}
		if withRecord {
			e.Record = map[string]any{"id": id}
		}
		return e
	}
	tests := []struct {
		name    string
		in      []feed.ChangeEvent
		deletes []string
		merge   string
		pull    bool
	}{
		{"lone update", []feed.ChangeEvent{ev("a", feed.OpUpdate, true)}, nil, "a", false},
		{"lone update without record", []feed.ChangeEvent{ev("a", feed.OpInsert, false)}, nil, "", true},
		{"same id twice", []feed.ChangeEvent{ev("a", feed.OpInsert, true), ev("a", feed.OpUpdate, true)}, nil, "a", false},
		{"two ids", []feed.ChangeEvent{ev("a", feed.OpUpdate, true), ev("b", feed.OpUpdate, true)}, nil, "", true},
		{"update then delete", []feed.ChangeEvent{ev("a", feed.OpUpdate, true), ev("a", feed.OpDelete, false)}, []string{"a"}, "", false},
		{"delete and update", []feed.ChangeEvent{ev("a", feed.OpDelete, false), ev("b", feed.OpUpdate, true)}, []string{"a"}, "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := coalesce(tt.in)
			assert.Equal(t, tt.deletes, b.deletes)
			assert.Equal(t, tt.pull, b.pull)
			if tt.merge == "" {
				assert.Nil(t, b.merge)
			} else {
				require.NotNil(t, b.merge)
				assert.Equal(t, tt.merge, b.merge.ID)
			}
		})
	}
}

func TestDebouncer(t *testing.T) {
	d := newDebouncer(500 * time.Millisecond)
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, ok := d.next()
	assert.False(t, ok)

	d.add(feed.ChangeEvent{Kind: models.KindTicket, ID: "a"}, t0)
	d.add(feed.ChangeEvent{Kind: models.KindCustomer, ID: "b"}, t0.Add(200*time.Millisecond))
	d.add(feed.ChangeEvent{Kind: models.KindTicket, ID: "c"}, t0.Add(400*time.Millisecond))

	next, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, t0.Add(500*time.Millisecond), next, "later events do not extend the window")

	assert.Empty(t, d.take(t0.Add(499*time.Millisecond)))
	due := d.take(t0.Add(500 * time.Millisecond))
	require.Len(t, due, 1)
	assert.Len(t, due[models.KindTicket], 2)

	next, ok = d.next()
	require.True(t, ok)
	assert.Equal(t, t0.Add(700*time.Millisecond), next)
}
