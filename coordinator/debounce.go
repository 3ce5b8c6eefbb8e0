package coordinator

import (
	"time"

	"github.com/mmdatafocus/pos_sync/feed"
	"github.com/mmdatafocus/pos_sync/models"
)

// debouncer collects change events per kind over a fixed window: a kind is
// released once the window since its first queued event has passed. Later events
// join the open window without extending it, so a steady stream of changes is
// still flushed once per window rather than waiting for a quiet period.
type debouncer struct {
	window  time.Duration
	pending map[models.EntityKind][]feed.ChangeEvent
	due     map[models.EntityKind]time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: map[models.EntityKind][]feed.ChangeEvent{},
		due:     map[models.EntityKind]time.Time{},
	}
}

func (d *debouncer) add(ev feed.ChangeEvent, now time.Time) {
	if _, ok := d.due[ev.Kind]; !ok {
		d.due[ev.Kind] = now.Add(d.window)
	}
	d.pending[ev.Kind] = append(d.pending[ev.Kind], ev)
}

// next is the earliest deadline, if anything is queued.
func (d *debouncer) next() (time.Time, bool) {
	var next time.Time
	for _, at := range d.due {
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next, !next.IsZero()
}

// take removes and returns the kinds that are due at now.
func (d *debouncer) take(now time.Time) map[models.EntityKind][]feed.ChangeEvent {
	out := map[models.EntityKind][]feed.ChangeEvent{}
	for kind, at := range d.due {
		if at.After(now) {
			continue
		}
		out[kind] = d.pending[kind]
		delete(d.pending, kind)
		delete(d.due, kind)
	}
	return out
}

// batch is what one flush of a kind does.
type batch struct {
	deletes []string
	merge   *feed.ChangeEvent
	pull    bool
}

// coalesce keeps the last event per id. A lone upsert that carries its record is
// merged directly; anything more becomes one pull of the kind.
func coalesce(evs []feed.ChangeEvent) batch {
	var order []string
	last := map[string]feed.ChangeEvent{}
	for _, ev := range evs {
		if _, seen := last[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		last[ev.ID] = ev
	}

	var b batch
	var upserts []feed.ChangeEvent
	for _, id := range order {
		ev := last[id]
		if ev.Op == feed.OpDelete {
			b.deletes = append(b.deletes, id)
			continue
		}
		upserts = append(upserts, ev)
	}
	switch {
	case len(upserts) == 1 && upserts[0].Record != nil:
		b.merge = &upserts[0]
	case len(upserts) > 0:
		b.pull = true
	}
	return b
}
