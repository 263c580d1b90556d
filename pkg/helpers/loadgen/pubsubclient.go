package loadgen

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubSubClient publishes to a single Google Pub/Sub topic. The device ID
// travels as the "device" attribute.
type PubSubClient struct {
	projectID  string
	topicID    string
	clientOpts []option.ClientOption
	client     *pubsub.Client
	topic      *pubsub.Topic
	logger     zerolog.Logger
}

// NewPubSubClient returns an unconnected client for projectID/topicID.
func NewPubSubClient(projectID, topicID string, clientOpts []option.ClientOption, logger zerolog.Logger) *PubSubClient {
	return &PubSubClient{
		projectID:  projectID,
		topicID:    topicID,
		clientOpts: clientOpts,
		logger:     logger.With().Str("component", "PubSubClient").Str("topic_id", topicID).Logger(),
	}
}

// Connect creates the Pub/Sub client and checks that the topic exists.
func (c *PubSubClient) Connect(ctx context.Context) error {
	client, err := pubsub.NewClient(ctx, c.projectID, c.clientOpts...)
	if err != nil {
		return fmt.Errorf("pubsub.NewClient: %w", err)
	}
	topic := client.Topic(c.topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to check existence of topic %s: %w", c.topicID, err)
	}
	if !exists {
		_ = client.Close()
		return fmt.Errorf("pubsub topic %s does not exist in project %s", c.topicID, c.projectID)
	}
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond
	c.client, c.topic = client, topic
	return nil
}

// Disconnect waits for outstanding publishes before closing the client.
func (c *PubSubClient) Disconnect() {
	if c.topic != nil {
		c.topic.Stop()
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close Pub/Sub client")
		}
	}
}

func (c *PubSubClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res := c.topic.Publish(publishCtx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"device": device.ID},
	})
	if _, err := res.Get(publishCtx); err != nil {
		return fmt.Errorf("pubsub publish for device %s: %w", device.ID, err)
	}
	return nil
}
