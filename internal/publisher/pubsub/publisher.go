// Package pubsub implements a Google Cloud Pub/Sub publisher for task completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// ErrTopicInactive is returned by VerifyTopic when the topic exists but cannot accept messages.
var ErrTopicInactive = errors.New("pubsub topic is not active")

// Publisher publishes JSON payloads, keeping one topic publisher per topic.
type Publisher struct {
	client    *pubsub.Client
	projectID string
	logger    *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher backed by client.
func New(client *pubsub.Client, projectID string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:     client,
		projectID:  projectID,
		logger:     logger,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// VerifyTopic checks that the topic exists and is active.
func (p *Publisher) VerifyTopic(ctx context.Context, topic string) error {
	if p.client == nil {
		return errors.New("pubsub client is not configured")
	}
	name := p.topicName(topic)
	got, err := p.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		return fmt.Errorf("get pubsub topic %q: %w", name, err)
	}
	if got.GetState() != pubsubpb.Topic_ACTIVE && got.GetState() != pubsubpb.Topic_STATE_UNSPECIFIED {
		return fmt.Errorf("%w: %s", ErrTopicInactive, name)
	}
	return nil
}

// Publish marshals the payload to JSON and publishes it to the topic, waiting
// for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisherFor(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes and stops every topic publisher. The client is owned by the caller.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		p.logger.Debug("pubsub publisher stopped", zap.String("topic", topic))
	}
	p.publishers = make(map[string]*pubsub.Publisher)
}

func (p *Publisher) publisherFor(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub
	}
	pub := p.client.Publisher(p.topicName(topic))
	p.publishers[topic] = pub
	return pub
}

func (p *Publisher) topicName(topic string) string {
	if strings.HasPrefix(topic, "projects/") {
		return topic
	}
	return fmt.Sprintf("projects/%s/topics/%s", p.projectID, topic)
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
