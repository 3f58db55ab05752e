package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

type publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
	Stop()
}

// topicPublisher adapts a Pub/Sub publisher to block on each result.
type topicPublisher struct {
	client *pubsub.Client
	p      *pubsub.Publisher
}

func (t topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	id, err := t.p.Publish(ctx, msg).Get(ctx)
	if err != nil && msg.OrderingKey != "" {
		// A failed ordered publish pauses the key until resumed.
		t.p.ResumePublish(msg.OrderingKey)
	}
	return id, err
}

func (t topicPublisher) Stop() {
	t.p.Stop()
	_ = t.client.Close()
}

// PubSubSink publishes each event as a JSON message with the class key as
// ordering key.
type PubSubSink struct {
	pub publisher
}

// NewPubSubSink connects to project and publishes to topic.
func NewPubSubSink(ctx context.Context, project, topic string) (*PubSubSink, error) {
	if project == "" || topic == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	p := client.Publisher(topic)
	p.EnableMessageOrdering = true
	return &PubSubSink{pub: topicPublisher{client: client, p: p}}, nil
}

// NewPubSubSinkWithPublisher builds a sink around a custom publisher (tests).
func NewPubSubSinkWithPublisher(pub publisher) *PubSubSink {
	return &PubSubSink{pub: pub}
}

// Consume publishes the batch, waiting for every result.
func (s *PubSubSink) Consume(ctx context.Context, batch []journal.Event) error {
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal journal event: %w", err)
		}
		msg := &pubsub.Message{
			Data:        data,
			OrderingKey: evt.ClassKey,
			Attributes: map[string]string{
				"kind":   string(evt.Kind),
				"run_id": evt.RunID,
			},
		}
		if _, err := s.pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish journal event %s: %w", evt.ID, err)
		}
	}
	return nil
}

// Close flushes pending messages and stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	s.pub.Stop()
	return nil
}
