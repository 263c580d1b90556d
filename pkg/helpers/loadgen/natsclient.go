package loadgen

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSClient publishes to core NATS subjects.
type NATSClient struct {
	url            string
	subjectPattern string
	conn           *nats.Conn
	logger         zerolog.Logger
}

// NewNATSClient returns a client whose subject is subjectPattern with "+"
// replaced by the device ID.
func NewNATSClient(url, subjectPattern string, logger zerolog.Logger) *NATSClient {
	return &NATSClient{
		url:            url,
		subjectPattern: subjectPattern,
		logger:         logger.With().Str("component", "NATSClient").Logger(),
	}
}

// Connect dials the NATS server.
func (c *NATSClient) Connect(ctx context.Context) error {
	conn, err := nats.Connect(c.url, nats.Name("mq2db-loadgen"))
	if err != nil {
		return fmt.Errorf("nats connect to %s: %w", c.url, err)
	}
	c.conn = conn
	return nil
}

func (c *NATSClient) Disconnect() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		c.conn.Close()
	}
}

func (c *NATSClient) Publish(ctx context.Context, device *Device) error {
	payload, err := device.PayloadGenerator.GeneratePayload(device)
	if err != nil {
		return fmt.Errorf("failed to generate payload for device %s: %w", device.ID, err)
	}
	if err := c.conn.Publish(TopicFor(c.subjectPattern, device), payload); err != nil {
		return fmt.Errorf("nats publish for device %s: %w", device.ID, err)
	}
	return nil
}
