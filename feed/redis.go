package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisFeed uses Redis pub/sub with one channel per tenant.
type RedisFeed struct {
	rdb    *redis.Client
	origin string
	logger *logrus.Logger
}

func NewRedisFeed(rdb *redis.Client, origin string, logger *logrus.Logger) *RedisFeed {
	return &RedisFeed{rdb: rdb, origin: origin, logger: logger}
}

func redisChannel(tenantID string) string {
	return "pos-sync:" + tenantID
}

func (f *RedisFeed) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	if f.rdb == nil {
		return nil, fmt.Errorf("redis feed: no client")
	}
	ps := f.rdb.Subscribe(ctx, redisChannel(tenantID))
	// Receive waits for the subscription confirmation so setup errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis feed: subscribe %s: %w", tenantID, err)
	}
	filter := pumpFilter{tenantID: tenantID, origin: f.origin, onDrop: dropLogger(f.logger, "redis")}
	read := func(ctx context.Context, emit func([]byte) bool) error {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-ch:
				if !ok {
					return fmt.Errorf("redis feed: channel closed")
				}
				if !emit([]byte(msg.Payload)) {
					return nil
				}
			}
		}
	}
	return startPump(context.WithoutCancel(ctx), filter, read, ps.Close), nil
}

func (f *RedisFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.Origin == "" {
		ev.Origin = f.origin
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, redisChannel(ev.TenantId), data).Err()
}

func dropLogger(logger *logrus.Logger, driver string) func(error) {
	return func(err error) {
		if logger == nil {
			return
		}
		logger.WithFields(logrus.Fields{"field": "Feed", "driver": driver}).Warn("dropping change event: " + err.Error())
	}
}
