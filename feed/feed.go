// Package feed is the change notification channel: one logical subscription per
// tenant multiplexing insert/update/delete events of every entity kind.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/pos_sync/models"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent announces one remote change. Record is the changed row in remote
// column form; it may be omitted, in which case subscribers pull the kind.
type ChangeEvent struct {
	TenantId string            `json:"tenant_id"`
	Kind     models.EntityKind `json:"kind"`
	Op       Op                `json:"op"`
	ID       string            `json:"id"`
	Record   map[string]any    `json:"record,omitempty"`
	At       time.Time         `json:"at"`
	// Origin is the publishing device; a device ignores its own events.
	Origin string `json:"origin,omitempty"`
}

func (ev ChangeEvent) validate() error {
	if ev.TenantId == "" {
		return errors.New("change event: missing tenant_id")
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("change event: unknown kind %q", ev.Kind)
	}
	switch ev.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("change event: unknown op %q", ev.Op)
	}
	if ev.ID == "" {
		return errors.New("change event: missing id")
	}
	return nil
}

func Encode(ev ChangeEvent) ([]byte, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// Decode parses an event. Numbers in Record stay json.Number so money columns
// keep their precision.
func Decode(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("change event: %w", err)
	}
	return ev, ev.validate()
}

// Subscription delivers a tenant's events until closed. Events is closed when the
// underlying channel ends, which subscribers treat as a lost subscription.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string) (Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// pump is the Subscription shared by the drivers: a reader goroutine decodes raw
// payloads, filters them and forwards them on events.
type pump struct {
	events    chan ChangeEvent
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	release   func() error
	err       error
}

type pumpFilter struct {
	tenantID string
	origin   string
	onDrop   func(error)
}

func (f pumpFilter) accept(data []byte) (ChangeEvent, bool) {
	ev, err := Decode(data)
	if err != nil {
		if f.onDrop != nil {
			f.onDrop(err)
		}
		return ev, false
	}
	if ev.TenantId != f.tenantID {
		if f.onDrop != nil {
			f.onDrop(fmt.Errorf("change event for tenant %s on %s's channel", ev.TenantId, f.tenantID))
		}
		return ev, false
	}
	if f.origin != "" && ev.Origin == f.origin {
		return ev, false
	}
	return ev, true
}

// startPump runs read until it returns or ctx is cancelled. read calls emit for
// every raw payload. release frees the driver resources after read has returned.
func startPump(ctx context.Context, filter pumpFilter, read func(ctx context.Context, emit func([]byte) bool) error, release func() error) *pump {
	ctx, cancel := context.WithCancel(ctx)
	p := &pump{
		events:  make(chan ChangeEvent, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
		release: release,
	}
	emit := func(data []byte) bool {
		ev, ok := filter.accept(data)
		if !ok {
			return true
		}
		select {
		case p.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		err := read(ctx, emit)
		if ctx.Err() == nil {
			p.err = err
		}
		close(p.done)
		close(p.events)
	}()
	return p
}

func (p *pump) Events() <-chan ChangeEvent { return p.events }

// Close stops the reader and waits for it; no event is delivered after Close returns.
func (p *pump) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		<-p.done
		if p.release != nil {
			err = p.release()
		}
	})
	return err
}

// Err is why the subscription ended on its own, if it did.
func (p *pump) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Nop is the feed used when push is disabled: subscribing fails, so the
// coordinator polls, and publishing does nothing.
type Nop struct{}

var ErrPushDisabled = errors.New("feed: push notifications disabled")

func (Nop) Subscribe(context.Context, string) (Subscription, error) { return nil, ErrPushDisabled }
func (Nop) Publish(context.Context, ChangeEvent) error              { return nil }
