package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/researchaccelerator-hub/youtube-collector/orchestrator"
	"github.com/rs/zerolog/log"
)

// eventPublisher is the part of the Dapr client the Publisher uses.
type eventPublisher interface {
	PublishEvent(ctx context.Context, pubsubName, topicName string, data interface{}, opts ...daprc.PublishEventOption) error
	Close()
}

// PublisherConfig names the pub/sub component and topics.
type PublisherConfig struct {
	PubSubComponent string
	ResultsTopic    string
	DeltasTopic     string
}

// Publisher sends collection results and deltas to a Dapr pub/sub component.
type Publisher struct {
	client eventPublisher
	config PublisherConfig
	now    func() time.Time
}

// NewPublisher connects to the Dapr sidecar and creates a Publisher.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.PubSubComponent == "" {
		return nil, fmt.Errorf("pubsub component name is required")
	}
	daprClient, err := daprc.NewClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create Dapr client: %w", err)
	}
	return newPublisherWithClient(daprClient, config), nil
}

func newPublisherWithClient(client eventPublisher, config PublisherConfig) *Publisher {
	if config.ResultsTopic == "" {
		config.ResultsTopic = TopicCollectionResults
	}
	if config.DeltasTopic == "" {
		config.DeltasTopic = TopicChannelDeltas
	}
	return &Publisher{client: client, config: config, now: time.Now}
}

// Close closes the Dapr client
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.client.PublishEvent(ctx, p.config.PubSubComponent, topic, data, daprc.PublishEventWithContentType("application/json")); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Publish announces a finished collection on the results topic and, when the
// run found changes, its delta on the deltas topic.
func (p *Publisher) Publish(ctx context.Context, result *orchestrator.CollectionResult) error {
	traceID := NewTraceID()
	now := p.now().UTC()

	message := NewResultMessage(result, traceID, now)
	if err := message.Validate(); err != nil {
		return fmt.Errorf("invalid result message: %w", err)
	}
	if err := p.publish(ctx, p.config.ResultsTopic, message); err != nil {
		return err
	}

	log.Debug().
		Str("channel_id", message.ChannelID).
		Str("status", message.Status).
		Str("trace_id", traceID).
		Msg("Published collection result")

	deltaMessage, ok := NewDeltaMessage(result, traceID, now)
	if !ok {
		return nil
	}
	if err := p.publish(ctx, p.config.DeltasTopic, deltaMessage); err != nil {
		return err
	}

	log.Info().
		Str("channel_id", deltaMessage.ChannelID).
		Interface("summary", deltaMessage.Summary).
		Str("trace_id", traceID).
		Msg("Published channel delta")
	return nil
}
