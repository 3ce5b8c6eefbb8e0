package feed

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/sirupsen/logrus"
)

// PubSubFeed publishes every tenant's events on one Google Pub/Sub topic and
// subscribes per device with an attribute filter on the tenant.
type PubSubFeed struct {
	client *pubsub.Client
	topic  string
	origin string
	logger *logrus.Logger
}

func NewPubSubFeed(client *pubsub.Client, topic, origin string, logger *logrus.Logger) *PubSubFeed {
	return &PubSubFeed{client: client, topic: topic, origin: origin, logger: logger}
}

func (f *PubSubFeed) subscriptionName(tenantID string) string {
	return fmt.Sprintf("%s-%s-%s", f.topic, tenantID, f.origin)
}

func (f *PubSubFeed) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	topic, err := config.CreateTopicIfNotExists(ctx, f.client, f.topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub feed: %w", err)
	}
	filter := fmt.Sprintf(`attributes.tenant_id = "%s"`, tenantID)
	sub, err := config.CreateSubscriptionIfNotExists(ctx, f.client, f.subscriptionName(tenantID), topic, filter)
	if err != nil {
		return nil, fmt.Errorf("pubsub feed: %w", err)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = 64

	pf := pumpFilter{tenantID: tenantID, origin: f.origin, onDrop: dropLogger(f.logger, "pubsub")}
	read := func(ctx context.Context, emit func([]byte) bool) error {
		return sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			if emit(msg.Data) {
				msg.Ack()
				return
			}
			msg.Nack()
		})
	}
	return startPump(context.WithoutCancel(ctx), pf, read, nil), nil
}

func (f *PubSubFeed) Publish(ctx context.Context, ev ChangeEvent) error {
	if ev.Origin == "" {
		ev.Origin = f.origin
	}
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	res := f.client.Topic(f.topic).Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id": ev.TenantId,
			"kind":      string(ev.Kind),
			"op":        string(ev.Op),
		},
	})
	_, err = res.Get(ctx)
	return err
}
