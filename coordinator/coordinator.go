// Package coordinator keeps the local replica fresh with changes made on other
// devices: a push subscription per tenant when the feed allows it, a polling loop
// otherwise.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/mmdatafocus/pos_sync/syncer"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Target is the download side of one entity syncer.
type Target interface {
	Kind() models.EntityKind
	Pull(ctx context.Context, since *time.Time) (syncer.PullResult, error)
	MergeRow(ctx context.Context, row remote.Row) (syncer.MergeAction, error)
	ApplyRemoteDelete(ctx context.Context, id string) (bool, error)
}

type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateActivePush State = "active_push"
	StateActivePoll State = "active_poll"
)

type Options struct {
	PollInterval time.Duration
	Debounce     time.Duration
	Logger       *logrus.Logger
}

type Status struct {
	State           State                                   `json:"state"`
	TenantId        string                                  `json:"tenant_id,omitempty"`
	PollingFallback bool                                    `json:"polling_fallback"`
	FallbackReason  string                                  `json:"fallback_reason,omitempty"`
	LastPassAt      *time.Time                              `json:"last_pass_at,omitempty"`
	LastError       string                                  `json:"last_error,omitempty"`
	Watermarks      map[models.EntityKind]*time.Time        `json:"watermarks"`
	LastPull        map[models.EntityKind]syncer.PullResult `json:"last_pull"`
}

type Coordinator struct {
	feed    feed.Subscriber
	targets []Target
	opts    Options

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu             sync.Mutex
	state          State
	tenantID       string
	fallback       bool
	fallbackReason string
	cancel         context.CancelFunc
	sub            feed.Subscription
	marks          map[models.EntityKind]*time.Time
	lastPull       map[models.EntityKind]syncer.PullResult
	lastPassAt     *time.Time
	lastErr        string

	kindLocks map[models.EntityKind]*sync.Mutex
	wg        sync.WaitGroup
}

func New(sub feed.Subscriber, targets []Target, opts Options) *Coordinator {
	if sub == nil {
		sub = feed.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	c := &Coordinator{
		feed:      sub,
		targets:   targets,
		opts:      opts,
		state:     StateStopped,
		marks:     map[models.EntityKind]*time.Time{},
		lastPull:  map[models.EntityKind]syncer.PullResult{},
		kindLocks: map[models.EntityKind]*sync.Mutex{},
	}
	for _, t := range targets {
		c.kindLocks[t.Kind()] = &sync.Mutex{}
	}
	return c
}

func (c *Coordinator) log() *logrus.Entry {
	return c.opts.Logger.WithField("field", "Coordinator")
}

// Start subscribes to the tenant's change feed and begins keeping the replica
// fresh. When the subscription cannot be established the coordinator polls and
// reports IsUsingPollingFallback. Starting an active coordinator does nothing.
// The loops and the subscription live until Stop; ctx only supplies values.
func (c *Coordinator) Start(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("coordinator: tenant id is required")
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStarting
	if c.tenantID != tenantID {
		c.marks = map[models.EntityKind]*time.Time{}
		c.lastPull = map[models.EntityKind]syncer.PullResult{}
	}
	c.tenantID = tenantID
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := c.feed.Subscribe(runCtx, tenantID)

	c.mu.Lock()
	c.cancel = cancel
	if err != nil {
		c.fallback = true
		c.fallbackReason = err.Error()
		c.state = StateActivePoll
		c.log().WithField("tenant_id", tenantID).WithError(err).Warn("push subscription unavailable, polling every ", c.opts.PollInterval)
	} else {
		c.sub = sub
		c.fallback = false
		c.fallbackReason = ""
		c.state = StateActivePush
		c.log().WithField("tenant_id", tenantID).Info("push subscription established")
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(runCtx, sub)
	return nil
}

// Stop cancels the subscription and the loops and waits for them. Nothing the
// coordinator started touches the local store after Stop returns.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	sub := c.sub
	c.cancel = nil
	c.sub = nil
	c.state = StateStopped
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.log().WithError(err).Warn("closing subscription")
		}
	}
	c.log().WithField("tenant_id", c.TenantID()).Info("coordinator stopped")
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

func (c *Coordinator) IsUsingPollingFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:           c.state,
		TenantId:        c.tenantID,
		PollingFallback: c.fallback,
		FallbackReason:  c.fallbackReason,
		LastPassAt:      c.lastPassAt,
		LastError:       c.lastErr,
		Watermarks:      map[models.EntityKind]*time.Time{},
		LastPull:        map[models.EntityKind]syncer.PullResult{},
	}
	for k, v := range c.marks {
		st.Watermarks[k] = v
	}
	for k, v := range c.lastPull {
		st.LastPull[k] = v
	}
	return st
}

// RefreshNow runs one full polling pass whatever the mode.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	return c.pass(ctx)
}

// ResetWatermarks makes the next pass download every kind in full.
func (c *Coordinator) ResetWatermarks() {
	c.mu.Lock()
	c.marks = map[models.EntityKind]*time.Time{}
	c.mu.Unlock()
}

func (c *Coordinator) loop(ctx context.Context, sub feed.Subscription) {
	defer c.wg.Done()

	if err := c.pass(ctx); err != nil && ctx.Err() == nil {
		c.log().WithError(err).Warn("initial pass incomplete")
	}

	var events <-chan feed.ChangeEvent
	var tick <-chan time.Time
	var ticker *time.Ticker
	startPolling := func() {
		ticker = time.NewTicker(c.opts.PollInterval)
		tick = ticker.C
	}
	if sub != nil {
		events = sub.Events()
	} else {
		startPolling()
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	deb := newDebouncer(c.opts.Debounce)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	rearm := func() {
		timer.Stop()
		if next, ok := deb.next(); ok {
			timer.Reset(time.Until(next))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				c.subscriptionLost(sub)
				events = nil
				startPolling()
				if err := c.pass(ctx); err != nil && ctx.Err() == nil {
					c.log().WithError(err).Warn("pass after losing subscription incomplete")
				}
				continue
			}
			deb.add(ev, time.Now())
			rearm()

		case <-timer.C:
			c.flush(ctx, deb.take(time.Now()))
			rearm()

		case <-tick:
			if err := c.pass(ctx); err != nil && ctx.Err() == nil {
				c.log().WithError(err).Warn("poll pass incomplete")
			}
		}
	}
}

func (c *Coordinator) subscriptionLost(sub feed.Subscription) {
	reason := "subscription closed"
	if e, ok := sub.(interface{ Err() error }); ok && e.Err() != nil {
		reason = e.Err().Error()
	}
	c.mu.Lock()
	if c.sub == sub {
		c.sub = nil
	}
	c.fallback = true
	c.fallbackReason = reason
	if c.state == StateActivePush {
		c.state = StateActivePoll
	}
	c.mu.Unlock()

	c.log().WithField("reason", reason).Warn("push subscription lost, polling every ", c.opts.PollInterval)
	if err := sub.Close(); err != nil {
		c.log().WithError(err).Warn("closing lost subscription")
	}
}

// pass pulls every kind, kinds in parallel.
func (c *Coordinator) pass(ctx context.Context) error {
	var g errgroup.Group
	for _, t := range c.targets {
		g.Go(func() error { return c.pullKind(ctx, t) })
	}
	err := g.Wait()

	now := time.Now().UTC()
	c.mu.Lock()
	c.lastPassAt = &now
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()
	return err
}

func (c *Coordinator) pullKind(ctx context.Context, t Target) error {
	kind := t.Kind()
	lock := c.kindLocks[kind]
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	since := c.marks[kind]
	c.mu.Unlock()

	res, err := t.Pull(ctx, since)
	c.mu.Lock()
	if res.Watermark != nil {
		c.marks[kind] = res.Watermark
	}
	c.lastPull[kind] = res
	c.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			config.LogError(c.opts.Logger, "Coordinator", "pullKind", string(kind), since, err)
		}
		return fmt.Errorf("pull %s: %w", kind, err)
	}
	if res.Created+res.Updated+res.Deleted > 0 {
		c.log().WithFields(logrus.Fields{
			"kind":    kind,
			"created": res.Created,
			"updated": res.Updated,
			"deleted": res.Deleted,
		}).Info("pulled remote changes")
	}
	return nil
}

func (c *Coordinator) flush(ctx context.Context, due map[models.EntityKind][]feed.ChangeEvent) {
	var g errgroup.Group
	for kind, evs := range due {
		t := c.target(kind)
		if t == nil {
			continue
		}
		g.Go(func() error {
			c.flushKind(ctx, t, coalesce(evs))
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) flushKind(ctx context.Context, t Target, b batch) {
	kind := t.Kind()
	for _, id := range b.deletes {
		if _, err := t.ApplyRemoteDelete(ctx, id); err != nil && ctx.Err() == nil {
			config.LogError(c.opts.Logger, "Coordinator", "flushKind", string(kind), id, err)
		}
	}
	if b.merge != nil {
		lock := c.kindLocks[kind]
		lock.Lock()
		_, err := t.MergeRow(ctx, remote.Row(b.merge.Record))
		lock.Unlock()
		if err == nil || ctx.Err() != nil {
			return
		}
		config.LogError(c.opts.Logger, "Coordinator", "flushKind", string(kind), b.merge.ID, err)
		b.pull = true
	}
	if b.pull {
		_ = c.pullKind(ctx, t)
	}
}

func (c *Coordinator) target(kind models.EntityKind) Target {
	for _, t := range c.targets {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}
