package catalogsync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/config"
)

func topicName() string {
	if v := strings.TrimSpace(os.Getenv("CATALOG_SYNC_TOPIC")); v != "" {
		return v
	}
	return "catalog-sync"
}

// PubSubDispatcher publishes queued runs for the push endpoint to pick up.
type PubSubDispatcher struct{}

func (PubSubDispatcher) Dispatch(ctx context.Context, payload RunPayload) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName())
	if config.EnvBoolDefault("CATALOG_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName())
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"tenant_id": payload.TenantId},
	})
	_, err = res.Get(ctx)
	return err
}

// InlineDispatcher runs the sync in the background of the calling process. Used
// when Pub/Sub is not configured.
type InlineDispatcher struct {
	Service *Service
}

func (d InlineDispatcher) Dispatch(ctx context.Context, payload RunPayload) error {
	go func() {
		if err := d.Service.ProcessRun(context.WithoutCancel(ctx), payload); err != nil {
			config.LogError(d.Service.opts.Logger, "CatalogSync", "InlineDispatcher", "processing run", payload, err)
		}
	}()
	return nil
}

// PushHandler receives runs pushed by the Pub/Sub subscription. It always answers
// 204 so a poison message is not redelivered forever; failures are logged and the
// run stays visible in the history.
func (s *Service) PushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_CATALOG_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload RunPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.TenantId == "" {
			c.Status(204)
			return
		}

		if err := s.ProcessRun(c.Request.Context(), payload); err != nil {
			config.LogError(s.opts.Logger, "CatalogSync", "PushHandler", envelope.Message.ID, payload, err)
		}
		c.Status(204)
	}
}
