package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

const (
	pgChannel = "pos_sync"
	// pg_notify payloads are limited to 8000 bytes
	pgMaxPayload = 7900
)

// PostgresFeed uses LISTEN/NOTIFY on the remote database itself. Every tenant's
// events share one channel and are filtered on receipt.
type PostgresFeed struct {
	pool   *pgxpool.Pool
	origin string
	logger *logrus.Logger
}

func NewPostgresFeed(pool *pgxpool.Pool, origin string, logger *logrus.Logger) *PostgresFeed {
	return &PostgresFeed{pool: pool, origin: origin, logger: logger}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres feed: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres feed: listen: %w", err)
	}
	filter := pumpFilter{tenantID: tenantID, origin: f.origin, onDrop: dropLogger(f.logger, "postgres")}
	read := func(ctx context.Context, emit func([]byte) bool) error {
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return err
			}
			if !emit([]byte(n.Payload)) {
				return nil
			}
		}
	}
	release := func() error {
		defer conn.Release()
		if conn.Conn().IsClosed() {
			return nil
		}
		_, err := conn.Exec(context.Background(), "UNLISTEN "+pgChannel)
		return err
	}
	return startPump(context.WithoutCancel(ctx), filter, read, release), nil
}

// Publish sends ev through pg_notify. An event too large for a notification is
// sent without its record; subscribers then pull the kind instead.
func (f *PostgresFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.Origin == "" {
		ev.Origin = f.origin
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if len(data) > pgMaxPayload {
		ev.Record = nil
		if data, err = Encode(ev); err != nil {
			return err
		}
	}
	_, err = f.pool.Exec(ctx, "SELECT pg_notify($1, $2)", pgChannel, string(data))
	return err
}
