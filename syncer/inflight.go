package syncer

import (
	"context"
	"sync"
)

// inflight tracks uploads in progress per identifier so a concurrent merge can wait
// for them and re-read the local record afterwards.
type inflight struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

type inflightEntry struct {
	n    int
	done chan struct{}
}

func newInflight() *inflight {
	return &inflight{entries: map[string]*inflightEntry{}}
}

// begin registers an upload of id and returns its release func.
func (f *inflight) begin(id string) func() {
	f.mu.Lock()
	e, ok := f.entries[id]
	if !ok {
		e = &inflightEntry{done: make(chan struct{})}
		f.entries[id] = e
	}
	e.n++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			e.n--
			if e.n == 0 {
				close(e.done)
				delete(f.entries, id)
			}
		})
	}
}

func (f *inflight) busy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	return ok
}

// wait blocks until no upload of id is in progress.
func (f *inflight) wait(ctx context.Context, id string) error {
	for {
		f.mu.Lock()
		e, ok := f.entries[id]
		f.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
