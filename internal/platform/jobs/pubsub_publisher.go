package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/billfree-connect/api/internal/services"
)

// PubSubRedemptionPublisher publishes redemption events to a Pub/Sub topic.
type PubSubRedemptionPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRedemptionPublisher constructs a Pub/Sub backed redemption event publisher.
func NewPubSubRedemptionPublisher(topic *pubsub.Topic) (*PubSubRedemptionPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub redemption publisher: topic is required")
	}
	return &PubSubRedemptionPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRedemptionEvent enqueues a redemption event message on the configured topic.
func (p *PubSubRedemptionPublisher) PublishRedemptionEvent(ctx context.Context, event services.RedemptionEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub redemption publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal redemption event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "shop", event.Shop)
	setAttr(attrs, "channel", event.Channel)
	setAttr(attrs, "invoiceRef", event.InvoiceRef)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish redemption event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
